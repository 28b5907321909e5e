// Package messaging provides a NATS client wrapper for the gateway's
// moderation event firehose. Suppressed sends and enforcement transitions
// are published for the platform's trust-and-safety consumers; the gateway
// never blocks on them.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects published by the gateway.
const (
	// SubjectFlagged carries one event per suppressed message.
	SubjectFlagged = "moderation.flagged"

	// SubjectEnforced carries one event per ledger state transition.
	SubjectEnforced = "moderation.enforced"
)

// FlaggedEvent is published to moderation.flagged when a message is
// suppressed on the send path. It carries the full content so reviewers can
// see exactly what was blocked.
type FlaggedEvent struct {
	UserID         string   `json:"user_id"`
	ConversationID string   `json:"conversation_id,omitempty"`
	GroupID        string   `json:"group_id,omitempty"`
	Content        string   `json:"content"`
	Signals        []string `json:"signals"`
	Score          int      `json:"score"`
	Ts             int64    `json:"ts"`
}

// EnforcementEvent is published to moderation.enforced when a user's ledger
// state transitions.
type EnforcementEvent struct {
	UserID string  `json:"user_id"`
	Action string  `json:"action"` // "elevated" or "suspended"
	Score  float64 `json:"score"`
	Ts     int64   `json:"ts"`
}

// NATSClient wraps the NATS connection with helper methods for the
// moderation firehose. The gateway only publishes; consuming the subjects is
// the trust-and-safety services' side of the contract.
type NATSClient struct {
	conn *nats.Conn
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "amoryn-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{conn: nc}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishFlagged publishes a suppressed-message event. Fire and forget:
// marshal or publish failures are logged, never propagated, so a NATS outage
// cannot leak onto the send path.
func (c *NATSClient) PublishFlagged(event FlaggedEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[nats] marshal flagged event user=%s: %v", event.UserID, err)
		return
	}
	if err := c.Publish(SubjectFlagged, data); err != nil {
		log.Printf("[nats] publish flagged event user=%s: %v", event.UserID, err)
	}
}

// PublishEnforcement publishes a ledger state transition. Fire and forget,
// same contract as PublishFlagged.
func (c *NATSClient) PublishEnforcement(event EnforcementEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[nats] marshal enforcement event user=%s: %v", event.UserID, err)
		return
	}
	if err := c.Publish(SubjectEnforced, data); err != nil {
		log.Printf("[nats] publish enforcement event user=%s: %v", event.UserID, err)
	}
}

// Close drains the NATS connection so buffered publishes flush before
// shutdown.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
