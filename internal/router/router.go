// Package router orchestrates a single chat-send request: validation,
// risk scoring, shadow suppression, persistence, and fan-out to the live
// connections of the recipient or room members. It holds no state of its
// own; everything it touches is injected.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/amoryn/realtime/internal/messaging"
	"github.com/amoryn/realtime/internal/metrics"
	"github.com/amoryn/realtime/internal/protocol"
	"github.com/amoryn/realtime/internal/registry"
	"github.com/amoryn/realtime/internal/risk"
	"github.com/amoryn/realtime/internal/store"
)

// Errors surfaced to the dispatch layer, which maps them to error events.
var (
	// ErrInvalidContent is returned for empty, over-long, or non-UTF-8 content.
	ErrInvalidContent = errors.New("router: invalid content")

	// ErrInvalidTarget is returned when the send names neither or both of a
	// conversation and a group.
	ErrInvalidTarget = errors.New("router: invalid target")

	// ErrAccessDenied is returned when the sender is not a participant of
	// the target conversation or group.
	ErrAccessDenied = errors.New("router: access denied")

	// ErrDeliveryFailed is returned when persistence fails on a legitimate
	// send. The sender must never be led to believe such a message
	// succeeded.
	ErrDeliveryFailed = errors.New("router: delivery failed")
)

// Resolver resolves send targets through the platform's relational data.
type Resolver interface {
	ResolveDirectPeer(ctx context.Context, conversationID, userID string) (string, error)
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)
}

// MessageStore persists messages. It is only called on the non-suppressed
// branch.
type MessageStore interface {
	SaveMessage(ctx context.Context, conversationID, groupID, senderID, content string) (*store.Message, error)
}

// Publisher is the moderation event firehose. Both methods are fire and
// forget.
type Publisher interface {
	PublishFlagged(event messaging.FlaggedEvent)
	PublishEnforcement(event messaging.EnforcementEvent)
}

// Config holds the router's policy knobs. The suppression threshold is a
// policy decision injected from configuration, never hardcoded here.
type Config struct {
	MaxContentBytes   int // max content length in bytes
	MaxContentChars   int // max content length in characters
	SuppressThreshold int // aggregate score at or above which a send is suppressed
}

// DefaultConfig returns the default router policy.
func DefaultConfig() Config {
	return Config{
		MaxContentBytes:   4096,
		MaxContentChars:   2000,
		SuppressThreshold: 40,
	}
}

// Router routes one chat-send at a time. It is safe for concurrent use by
// many connection goroutines; the registry and ledger serialize their own
// state.
type Router struct {
	cfg      Config
	reg      *registry.Registry
	ledger   *risk.Ledger
	resolver Resolver
	messages MessageStore
	firehose Publisher                // may be nil
	score    func(string) risk.Result // test hook, defaults to risk.Score
}

// New creates a Router. firehose may be nil when NATS is not configured.
func New(cfg Config, reg *registry.Registry, ledger *risk.Ledger, resolver Resolver, messages MessageStore, firehose Publisher) *Router {
	return &Router{
		cfg:      cfg,
		reg:      reg,
		ledger:   ledger,
		resolver: resolver,
		messages: messages,
		firehose: firehose,
		score:    risk.Score,
	}
}

// Send processes one send_message event from an authenticated connection.
// The sender conn always receives a message_sent acknowledgment on success,
// whether the message was delivered or silently suppressed; the returned
// error is non-nil only for the rejection cases, which the caller surfaces
// as an error event.
func (r *Router) Send(ctx context.Context, sender registry.Conn, senderID string, evt protocol.SendMessageEvent) error {
	started := time.Now()

	if err := r.validate(evt); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return err
	}

	// Resolve the target before scoring so access failures are cheap and
	// never touch the ledger.
	var peerID string
	if evt.ConversationID != "" {
		var err error
		peerID, err = r.resolver.ResolveDirectPeer(ctx, evt.ConversationID, senderID)
		if err != nil {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			if errors.Is(err, store.ErrAccessDenied) {
				return ErrAccessDenied
			}
			return fmt.Errorf("router: resolve conversation %s: %w", evt.ConversationID, err)
		}
	} else {
		member, err := r.resolver.IsGroupMember(ctx, evt.GroupID, senderID)
		if err != nil {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return fmt.Errorf("router: resolve group %s: %w", evt.GroupID, err)
		}
		if !member {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return ErrAccessDenied
		}
	}

	// Suspension is re-checked on every send, not only at connect time: a
	// connection that was admitted before the user crossed the suspension
	// threshold keeps its socket but loses delivery. The suspended sender
	// goes through the suppression branch so they cannot tell.
	suspended := r.ledger.IsSuspended(ctx, senderID)

	result := r.score(evt.Content)
	metrics.RiskScore.Observe(float64(result.Total))

	if result.Total > 0 {
		total := r.ledger.Apply(ctx, senderID, result)
		if action := r.ledger.Check(ctx, senderID); action != risk.ActionNone {
			metrics.EnforcementsTotal.WithLabelValues(string(action)).Inc()
			log.Printf("router: enforcement action=%s user=%s score=%.1f", action, senderID, total)
			if r.firehose != nil {
				r.firehose.PublishEnforcement(messaging.EnforcementEvent{
					UserID: senderID,
					Action: string(action),
					Score:  total,
					Ts:     time.Now().Unix(),
				})
			}
		}
	}

	if suspended || result.Total >= r.cfg.SuppressThreshold {
		r.suppress(sender, senderID, evt, result)
		metrics.MessagesTotal.WithLabelValues("suppressed").Inc()
		metrics.SendLatency.Observe(time.Since(started).Seconds())
		return nil
	}

	msg, err := r.messages.SaveMessage(ctx, evt.ConversationID, evt.GroupID, senderID, evt.Content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("router: persist failed sender=%s: %v", senderID, err)
		return ErrDeliveryFailed
	}

	wireMsg := toWire(msg)

	// Ack the sender before fanning out: the sender's acknowledgment must
	// never trail the recipient's delivery.
	r.ack(sender, evt.CorrelationID, wireMsg)

	if evt.ConversationID != "" {
		r.fanOutDirect(peerID, evt.ConversationID, wireMsg)
	} else {
		r.fanOutGroup(evt.GroupID, senderID, wireMsg)
	}

	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.SendLatency.Observe(time.Since(started).Seconds())
	return nil
}

// validate applies the basic content and target constraints.
func (r *Router) validate(evt protocol.SendMessageEvent) error {
	if (evt.ConversationID == "") == (evt.GroupID == "") {
		return ErrInvalidTarget
	}
	if len(evt.Content) == 0 {
		return fmt.Errorf("%w: empty content", ErrInvalidContent)
	}
	if len(evt.Content) > r.cfg.MaxContentBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidContent, r.cfg.MaxContentBytes)
	}
	if utf8.RuneCountInString(evt.Content) > r.cfg.MaxContentChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidContent, r.cfg.MaxContentChars)
	}
	if !utf8.ValidString(evt.Content) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidContent)
	}
	return nil
}

// suppress handles the shadow-moderation branch: no persistence, no fan-out,
// and a fabricated acknowledgment carrying the client's correlation ID and
// content so the sender cannot distinguish it from a real send.
func (r *Router) suppress(sender registry.Conn, senderID string, evt protocol.SendMessageEvent, result risk.Result) {
	if r.firehose != nil {
		names := make([]string, len(result.Signals))
		for i, s := range result.Signals {
			names[i] = s.Name
		}
		r.firehose.PublishFlagged(messaging.FlaggedEvent{
			UserID:         senderID,
			ConversationID: evt.ConversationID,
			GroupID:        evt.GroupID,
			Content:        evt.Content,
			Signals:        names,
			Score:          result.Total,
			Ts:             time.Now().Unix(),
		})
	}

	r.ack(sender, evt.CorrelationID, protocol.Message{
		ID:             uuid.New().String(),
		ConversationID: evt.ConversationID,
		GroupID:        evt.GroupID,
		SenderID:       senderID,
		Content:        evt.Content,
		Ts:             time.Now().Unix(),
	})
}

// ack sends the message_sent acknowledgment to the sender's connection.
func (r *Router) ack(sender registry.Conn, correlationID string, msg protocol.Message) {
	data, err := protocol.NewServerEvent(protocol.TypeMessageSent, protocol.MessageSentEvent{
		CorrelationID: correlationID,
		Message:       msg,
	})
	if err != nil {
		log.Printf("router: build ack: %v", err)
		return
	}
	if err := sender.Send(data); err != nil {
		// The sender's socket died mid-send; teardown will reap it.
		log.Printf("router: ack write failed sender=%s: %v", msg.SenderID, err)
	}
}

// fanOutDirect delivers the message to every live connection of the peer.
// A peer with zero live connections is simply skipped; there is no offline
// inbox at this layer.
func (r *Router) fanOutDirect(peerID, conversationID string, msg protocol.Message) {
	data, err := protocol.NewServerEvent(protocol.TypeMessageNew, protocol.MessageNewEvent{
		ConversationID: conversationID,
		Message:        msg,
	})
	if err != nil {
		log.Printf("router: build delivery: %v", err)
		return
	}
	r.deliver(peerID, data)
}

// fanOutGroup delivers the message to every live connection of every
// currently-joined room member except the sender.
func (r *Router) fanOutGroup(groupID, senderID string, msg protocol.Message) {
	data, err := protocol.NewServerEvent(protocol.TypeMessageNew, protocol.MessageNewEvent{
		GroupID: groupID,
		Message: msg,
	})
	if err != nil {
		log.Printf("router: build delivery: %v", err)
		return
	}
	for _, memberID := range r.reg.MembersOf(groupID) {
		if memberID == senderID {
			continue
		}
		r.deliver(memberID, data)
	}
}

// deliver writes data to each of the user's live connections. Write errors
// on individual connections are ignored; dead connections are cleaned up by
// their own read loops and the heartbeat.
func (r *Router) deliver(userID string, data []byte) {
	for _, conn := range r.reg.ConnectionsFor(userID) {
		if err := conn.Send(data); err == nil {
			metrics.FanoutDeliveries.Inc()
		}
	}
}

// toWire converts a stored message to its wire representation.
func toWire(msg *store.Message) protocol.Message {
	return protocol.Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		GroupID:        msg.GroupID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Ts:             msg.CreatedAt.Unix(),
	}
}
