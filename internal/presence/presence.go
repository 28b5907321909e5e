// Package presence maps connection registry transitions to online/offline
// state changes persisted through an external store. Presence is best
// effort: store failures are logged and swallowed so they never block
// message delivery or connection teardown. This is a deliberate exception
// to the strict error propagation used elsewhere.
package presence

import (
	"context"
	"log"
	"time"
)

// Store is the external presence store contract. Both calls are
// fire-and-forget from the tracker's point of view.
type Store interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// Tracker fires presence transitions against the store. The caller (the
// connection supervisor, via registry transition results) guarantees MarkOnline
// is invoked exactly once when a user's first connection registers and
// MarkOffline exactly once when their last connection unregisters; the
// tracker itself keeps no state.
type Tracker struct {
	store   Store
	timeout time.Duration
}

// NewTracker creates a Tracker writing through the given store. Each store
// call is bounded by timeout so a hung store cannot stall connection
// lifecycle goroutines.
func NewTracker(store Store, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Tracker{store: store, timeout: timeout}
}

// MarkOnline records the user as online. Failures are logged, never
// propagated.
func (t *Tracker) MarkOnline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.store.SetOnline(ctx, userID); err != nil {
		log.Printf("presence: set online failed user=%s: %v", userID, err)
	}
}

// MarkOffline records the user as offline. Failures are logged, never
// propagated.
func (t *Tracker) MarkOffline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.store.SetOffline(ctx, userID); err != nil {
		log.Printf("presence: set offline failed user=%s: %v", userID, err)
	}
}
