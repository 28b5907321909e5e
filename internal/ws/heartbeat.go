package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// startHeartbeat launches the shared heartbeat goroutine. One ticker probes
// every connection: each tick sends a ping, and any connection that has not
// produced a frame in two intervals is treated as a dead peer and evicted.
// Eviction unblocks the connection's read loop, which then runs the normal
// teardown path.
func (s *Server) startHeartbeat() {
	go func() {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.probeConnections()
			}
		}
	}()
}

// probeConnections pings every live connection and evicts the ones that
// missed two consecutive heartbeat windows.
func (s *Server) probeConnections() {
	deadline := time.Now().Add(-2 * s.config.HeartbeatInterval)

	for _, c := range s.allConnections() {
		if c.LastActive().Before(deadline) {
			log.Printf("ws: evicting stale connection conn=%s user=%s last_active=%s",
				c.ID, c.UserID, c.LastActive().Format(time.RFC3339))
			_ = c.WriteClose(ws.StatusGoingAway, "heartbeat timeout")
			s.removeConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			// A failed ping means the transport is already gone.
			s.removeConnection(c)
		}
	}
}
