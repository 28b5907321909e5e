// Package ws owns the connection lifecycle: handshake and authentication,
// registry and presence transitions, inbound event dispatch, heartbeat
// probing, and teardown. Each accepted connection gets its own read
// goroutine; the only state shared between connections is the registry and
// the risk ledger, both of which serialize their own access.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/amoryn/realtime/internal/auth"
	"github.com/amoryn/realtime/internal/metrics"
	"github.com/amoryn/realtime/internal/presence"
	"github.com/amoryn/realtime/internal/protocol"
	"github.com/amoryn/realtime/internal/ratelimit"
	"github.com/amoryn/realtime/internal/registry"
	"github.com/amoryn/realtime/internal/risk"
	"github.com/amoryn/realtime/internal/router"
	"github.com/amoryn/realtime/internal/store"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	MaxConnections    int           // hard cap on total connections
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	HeartbeatInterval time.Duration // period between heartbeat probes
	SendTimeout       time.Duration // budget for one send-path round trip (resolve, score, persist)
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		MaxConnections:    50000,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		SendTimeout:       5 * time.Second,
	}
}

// UserLookup rejects deactivated accounts at connection time. The Postgres
// store satisfies it.
type UserLookup interface {
	GetActiveUser(ctx context.Context, userID string) (*store.User, error)
}

// Limiter throttles inbound actions per user. ratelimit.Limiter satisfies
// it; nil disables limiting.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server accepts WebSocket connections, authenticates them, and supervises
// each connection through its lifetime.
type Server struct {
	config   ServerConfig
	reg      *registry.Registry
	tracker  *presence.Tracker
	verifier auth.Verifier
	users    UserLookup
	router   *router.Router
	resolver router.Resolver
	ledger   *risk.Ledger
	limiter  Limiter // nil disables rate limiting

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewServer wires the supervisor with its collaborators. limiter may be nil.
func NewServer(config ServerConfig, reg *registry.Registry, tracker *presence.Tracker, verifier auth.Verifier, users UserLookup, rt *router.Router, resolver router.Resolver, ledger *risk.Ledger, limiter Limiter) *Server {
	return &Server{
		config:   config,
		reg:      reg,
		tracker:  tracker,
		verifier: verifier,
		users:    users,
		router:   rt,
		resolver: resolver,
		ledger:   ledger,
		limiter:  limiter,
		done:     make(chan struct{}),
		conns:    make(map[*Connection]struct{}),
	}
}

// Start begins accepting WebSocket connections and blocks until the HTTP
// server exits.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	s.startHeartbeat()

	log.Printf("ws: server listening on %s (max_conns=%d, heartbeat=%s)",
		s.config.ListenAddr, s.config.MaxConnections, s.config.HeartbeatInterval)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and hands
// it to a supervisor goroutine. The bearer credential travels in the request
// (query parameter or Authorization header) and is verified after the
// upgrade so that failures can be reported with a distinct close code
// instead of an opaque HTTP error.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.connectionCount() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := bearerToken(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	go s.supervise(conn, token)
}

// bearerToken extracts the credential from the "token" query parameter or an
// "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// supervise drives one connection through its lifecycle:
// authenticating, active, closing, closed. It runs as the connection's
// dedicated goroutine and returns only when the connection is closed.
func (s *Server) supervise(netConn net.Conn, token string) {
	c := newConnection(uuid.New().String(), netConn, s.config.WriteTimeout)

	userID, ok := s.authenticate(c, token)
	if !ok {
		_ = c.Close()
		return
	}
	c.UserID = userID

	// Admission: a suspended user's connection is accepted at the transport
	// level so the client gets a typed close instead of a connect error,
	// then shut immediately.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	suspended := s.ledger.IsSuspended(ctx, userID)
	cancel()
	if suspended {
		s.sendError(c, protocol.CodeSuspended, "account suspended")
		_ = c.WriteClose(ws.StatusCode(protocol.CloseAccountSuspended), "account suspended")
		_ = c.Close()
		return
	}

	s.track(c)
	if first := s.reg.Register(userID, c); first {
		// Presence transitions fire outside the registry lock and are best
		// effort by contract.
		s.tracker.MarkOnline(userID)
		metrics.OnlineUsers.Inc()
	}
	metrics.ConnectionsTotal.Inc()

	if data, err := protocol.NewServerEvent(protocol.TypeConnected, protocol.ConnectedEvent{UserID: userID}); err == nil {
		_ = c.Send(data)
	}

	log.Printf("ws: connection open conn=%s user=%s (total=%d)", c.ID, userID, s.connectionCount())

	s.readLoop(c)
	s.removeConnection(c)
}

// authenticate exchanges the bearer credential for a user identity and
// verifies the account is active. On failure it sends one error event plus a
// close frame with a code distinguishing the failure class, and returns
// ok=false.
func (s *Server) authenticate(c *Connection, token string) (string, bool) {
	userID, err := s.verifier.Verify(token)
	if err != nil {
		code := protocol.CloseInvalidCredential
		reason := "authentication failed"
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			code = protocol.CloseUnauthorized
		case errors.Is(err, auth.ErrTokenExpired):
			// Same close code as any bad credential, but the reason lets
			// clients re-login silently instead of showing an error screen.
			reason = "credential expired"
		}
		s.sendError(c, protocol.CodeUnauthorized, reason)
		_ = c.WriteClose(ws.StatusCode(code), reason)
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.users.GetActiveUser(ctx, userID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("ws: user lookup failed user=%s: %v", userID, err)
		}
		s.sendError(c, protocol.CodeUnauthorized, "account unavailable")
		_ = c.WriteClose(ws.StatusCode(protocol.CloseAccountNotFound), "account unavailable")
		return "", false
	}

	return userID, true
}

// readLoop reads frames from the connection until it closes. Control frames
// are handled inline; data frames go to the dispatcher. The read blocks
// indefinitely: dead peers are detected by the heartbeat, which closes the
// connection and unblocks the read with an error.
func (s *Server) readLoop(c *Connection) {
	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}

		// Any frame proves the connection is alive.
		c.Touch()

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				_ = c.WritePong()
			case ws.OpPong:
				// Heartbeat acknowledgment; Touch above already recorded it.
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		s.dispatch(c, data)
	}
}

// removeConnection tears a connection down: untrack, unregister from the
// registry (idempotent), prune joined rooms, fire the offline presence
// transition if this was the user's last connection, and close the socket.
// It is safe to call concurrently from the read loop, the heartbeat, and
// shutdown; only the first caller performs the cleanup.
func (s *Server) removeConnection(c *Connection) {
	if !s.untrack(c) {
		return
	}

	metrics.ConnectionsTotal.Dec()

	if last := s.reg.Unregister(c.UserID, c); last {
		for _, groupID := range s.reg.LeaveAll(c.UserID) {
			s.broadcastMemberLeft(groupID, c.UserID)
		}
		s.tracker.MarkOffline(c.UserID)
		metrics.OnlineUsers.Dec()
	}

	_ = c.Close()
	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.connectionCount())
}

// track adds the connection to the server's set of live connections.
func (s *Server) track(c *Connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

// untrack removes the connection from the live set. Returns false if the
// connection was already removed, which makes teardown idempotent across
// the read loop, heartbeat, and shutdown racing each other.
func (s *Server) untrack(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; !ok {
		return false
	}
	delete(s.conns, c)
	return true
}

// allConnections returns a snapshot of live connections safe to iterate
// without holding the lock.
func (s *Server) allConnections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// sendError writes an error event to the connection, best effort.
func (s *Server) sendError(c *Connection, code, message string) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorEvent{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: build error event: %v", err)
		return
	}
	_ = c.Send(data)
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Load balancers use it for health
// checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.connectionCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown performs a graceful shutdown: stop accepting new connections,
// then close every active connection with a going-away close frame.
// Teardown through removeConnection fires the usual offline transitions.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.allConnections() {
		_ = c.WriteClose(ws.StatusGoingAway, "server shutting down")
		s.removeConnection(c)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
