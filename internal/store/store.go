// Package store provides PostgreSQL-backed access to the platform's
// relational data as seen from the gateway: active-user lookup at connection
// time, conversation and group membership resolution on the send path, and
// message persistence. The schema itself is owned by the platform's CRUD
// services; this package touches only the tables the real-time layer needs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Sentinel errors callers branch on.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAccessDenied is returned when the user is not a participant of the
	// conversation or group they are addressing.
	ErrAccessDenied = errors.New("store: access denied")
)

// User is an account as the gateway sees it.
type User struct {
	ID          string
	DisplayName string
	Active      bool
}

// Message is a persisted chat message. Exactly one of ConversationID or
// GroupID is set.
type Message struct {
	ID             string
	ConversationID string
	GroupID        string
	SenderID       string
	Content        string
	CreatedAt      time.Time
}

// Store wraps the database handle with the gateway's queries.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle (used by tests).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies any pending schema migrations from migrationsPath.
func Migrate(databaseURL, migrationsPath string) error {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("store: create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// GetActiveUser returns the user if the account exists and is active.
// Deactivated or unknown accounts return ErrNotFound so the supervisor can
// reject them at connection time.
func (s *Store) GetActiveUser(ctx context.Context, userID string) (*User, error) {
	const query = `
		SELECT id, display_name, active
		FROM users
		WHERE id = $1 AND active = TRUE`

	var u User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.DisplayName, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get active user: %w", err)
	}
	return &u, nil
}

// ResolveDirectPeer returns the other participant of a direct conversation.
// ErrAccessDenied is returned when the conversation does not exist or the
// user is not one of its two participants; the two cases are deliberately
// indistinguishable so a sender cannot probe for conversation IDs.
func (s *Store) ResolveDirectPeer(ctx context.Context, conversationID, userID string) (string, error) {
	const query = `
		SELECT user_a, user_b
		FROM conversations
		WHERE id = $1`

	var userA, userB string
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&userA, &userB)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAccessDenied
	}
	if err != nil {
		return "", fmt.Errorf("store: resolve direct peer: %w", err)
	}

	switch userID {
	case userA:
		return userB, nil
	case userB:
		return userA, nil
	default:
		return "", ErrAccessDenied
	}
}

// IsGroupMember reports whether the user is a durable member of the group.
func (s *Store) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM group_members
			WHERE group_id = $1 AND user_id = $2
		)`

	var member bool
	if err := s.db.QueryRowContext(ctx, query, groupID, userID).Scan(&member); err != nil {
		return false, fmt.Errorf("store: is group member: %w", err)
	}
	return member, nil
}

// SaveMessage persists a chat message and returns the stored row. Exactly
// one of conversationID or groupID must be non-empty; empty values are
// stored as NULL.
func (s *Store) SaveMessage(ctx context.Context, conversationID, groupID, senderID, content string) (*Message, error) {
	const query = `
		INSERT INTO messages (id, conversation_id, group_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		GroupID:        groupID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		nullable(msg.ConversationID),
		nullable(msg.GroupID),
		msg.SenderID,
		msg.Content,
		msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: save message: %w", err)
	}
	return msg, nil
}

// nullable converts an empty string to a NULL parameter.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
