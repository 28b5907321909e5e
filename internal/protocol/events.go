// Package protocol defines the WebSocket event types and structures used for
// communication between the client and the gateway. All events are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by ParseClientEvent for event types the gateway
// does not accept from clients. The dispatcher treats it as non-fatal.
var ErrUnknownType = errors.New("protocol: unknown client event type")

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeGroupTyping = "group_typing"
	TypeJoinGroup   = "join_group"
	TypeLeaveGroup  = "leave_group"
)

// Server -> Client event types.
const (
	TypeConnected         = "connected"
	TypeError             = "error"
	TypeMessageSent       = "message_sent"
	TypeMessageNew        = "message_new"
	TypeGroupMemberJoined = "group_member_joined"
	TypeGroupMemberLeft   = "group_member_left"
)

// Error codes carried on error events. Clients branch UI behavior on these,
// so they are part of the wire contract.
const (
	CodeParseError     = "parse_error"
	CodeUnknownType    = "unknown_type"
	CodeInvalidMessage = "invalid_message"
	CodeAccessDenied   = "access_denied"
	CodeDeliveryFailed = "delivery_failed"
	CodeRateLimited    = "rate_limited"
	CodeUnauthorized   = "unauthorized"
	CodeSuspended      = "account_suspended"
)

// WebSocket close codes in the application range (4000-4999). Each admission
// failure gets a distinct code so clients can tell "log in again" apart from
// "your account is gone" and "you are suspended".
const (
	CloseUnauthorized      = 4001 // no credential supplied
	CloseInvalidCredential = 4002 // credential malformed, expired, or unknown
	CloseAccountNotFound   = 4003 // account deactivated or deleted
	CloseAccountSuspended  = 4004 // account suspended by moderation
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// SendMessageEvent is sent by the client to deliver a chat message. Exactly
// one of ConversationID or GroupID must be set. CorrelationID is a
// client-generated temporary identifier echoed back on the message_sent ack
// so the client can reconcile optimistic UI state.
type SendMessageEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
	Content        string `json:"content"`
	CorrelationID  string `json:"correlation_id"`
}

// TypingEvent indicates whether the client is currently typing in a direct
// conversation.
type TypingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// GroupTypingEvent indicates whether the client is currently typing in a
// group room.
type GroupTypingEvent struct {
	Type     string `json:"type"`
	GroupID  string `json:"group_id"`
	IsTyping bool   `json:"is_typing"`
}

// JoinGroupEvent is sent by the client to join a group room and start
// receiving its real-time events.
type JoinGroupEvent struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
}

// LeaveGroupEvent is sent by the client to leave a group room.
type LeaveGroupEvent struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// Message is the wire representation of a stored chat message. It appears in
// both message_sent acks and message_new deliveries.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	Ts             int64  `json:"ts"`
}

// ConnectedEvent is sent by the server once the handshake has completed and
// the connection is bound to an authenticated user.
type ConnectedEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ErrorEvent is sent by the server to communicate an error condition.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageSentEvent is the delivery acknowledgment returned to the sender,
// correlated by the client-supplied temporary identifier.
type MessageSentEvent struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlation_id"`
	Message       Message `json:"message"`
}

// MessageNewEvent carries a new message to a recipient's connection.
type MessageNewEvent struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id,omitempty"`
	GroupID        string  `json:"group_id,omitempty"`
	Message        Message `json:"message"`
}

// ServerTypingEvent relays a typing indicator to the peer of a direct
// conversation.
type ServerTypingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ServerGroupTypingEvent relays a typing indicator to the joined members of a
// group room.
type ServerGroupTypingEvent struct {
	Type     string `json:"type"`
	GroupID  string `json:"group_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// GroupMemberJoinedEvent announces that a member joined a group room.
type GroupMemberJoinedEvent struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// GroupMemberLeftEvent announces that a member left a group room.
type GroupMemberLeftEvent struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		evt interface{}
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var e SendMessageEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeTyping:
		var e TypingEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeGroupTyping:
		var e GroupTypingEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeJoinGroup:
		var e JoinGroupEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeLeaveGroup:
		var e LeaveGroupEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, evt, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event.
// The evtType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerEvent(evtType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = evtType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
