package risk

import (
	"context"
	"log"
	"sync"
	"time"
)

// State is a user's moderation standing. Transitions are monotonic:
// clean -> elevated -> suspended. There is no automatic recovery from
// suspended; that is an administrative action outside this service.
type State string

const (
	StateClean     State = "clean"
	StateElevated  State = "elevated"
	StateSuspended State = "suspended"
)

// Action is the enforcement outcome of a ledger check. ActionNone means the
// check changed nothing; the others are returned exactly once, on the call
// that performs the transition.
type Action string

const (
	ActionNone      Action = ""
	ActionElevated  Action = "elevated"
	ActionSuspended Action = "suspended"
)

// LedgerConfig holds the enforcement policy. Thresholds are crossed via >=
// comparison: a cumulative score exactly at the boundary counts as crossing.
type LedgerConfig struct {
	ElevatedThreshold int // cumulative score at which a user becomes elevated
	SuspendThreshold  int // cumulative score at which a user is suspended
	DecayPerHour      int // points subtracted per hour of inactivity
}

// DefaultLedgerConfig returns the default enforcement policy. Deployments
// override these through environment configuration.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		ElevatedThreshold: 50,
		SuspendThreshold:  120,
		DecayPerHour:      10,
	}
}

// LedgerEntry is one user's rolling moderation state. Entries are created
// implicitly on first scored message and never deleted; the score only
// decays.
type LedgerEntry struct {
	Score     float64
	State     State
	UpdatedAt time.Time
}

// LedgerStore persists ledger entries in an external store. Load returns
// (nil, nil) for users with no stored entry.
type LedgerStore interface {
	Load(ctx context.Context, userID string) (*LedgerEntry, error)
	Save(ctx context.Context, userID string, entry LedgerEntry) error
}

// Ledger accumulates a rolling risk score per user and decides enforcement
// actions. In-memory state is authoritative for the process lifetime; every
// mutation is written through to the store so a restarted gateway picks up
// where it left off. Store failures are logged and do not block the send
// path.
type Ledger struct {
	mu      sync.Mutex
	cfg     LedgerConfig
	store   LedgerStore // may be nil in tests
	entries map[string]*LedgerEntry
	now     func() time.Time
}

// NewLedger creates a Ledger with the given policy and persistence store.
// A nil store keeps the ledger memory-only.
func NewLedger(cfg LedgerConfig, store LedgerStore) *Ledger {
	return &Ledger{
		cfg:     cfg,
		store:   store,
		entries: make(map[string]*LedgerEntry),
		now:     time.Now,
	}
}

// Apply adds a score result's total to the user's rolling cumulative value,
// after applying decay for the time elapsed since the last update. It
// returns the new cumulative score.
func (l *Ledger) Apply(ctx context.Context, userID string, r Result) float64 {
	l.mu.Lock()
	entry := l.entryLocked(ctx, userID)
	l.decayLocked(entry)
	entry.Score += float64(r.Total)
	entry.UpdatedAt = l.now()
	snapshot := *entry
	l.mu.Unlock()

	l.persist(ctx, userID, snapshot)
	return snapshot.Score
}

// Check runs the enforcement policy against the user's current cumulative
// score. It returns the action taken on this call, or ActionNone when the
// user's state is unchanged. Transitions fire exactly once: re-checking a
// suspended user returns ActionNone.
func (l *Ledger) Check(ctx context.Context, userID string) Action {
	l.mu.Lock()
	entry := l.entryLocked(ctx, userID)
	l.decayLocked(entry)

	action := ActionNone
	switch entry.State {
	case StateClean:
		if entry.Score >= float64(l.cfg.SuspendThreshold) {
			entry.State = StateSuspended
			action = ActionSuspended
		} else if entry.Score >= float64(l.cfg.ElevatedThreshold) {
			entry.State = StateElevated
			action = ActionElevated
		}
	case StateElevated:
		if entry.Score >= float64(l.cfg.SuspendThreshold) {
			entry.State = StateSuspended
			action = ActionSuspended
		}
	case StateSuspended:
		// Terminal inside this service.
	}
	snapshot := *entry
	l.mu.Unlock()

	if action != ActionNone {
		l.persist(ctx, userID, snapshot)
	}
	return action
}

// IsSuspended reports whether the user is currently suspended. Used by the
// supervisor's admission check and by the router's per-send re-check.
func (l *Ledger) IsSuspended(ctx context.Context, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryLocked(ctx, userID).State == StateSuspended
}

// StateOf returns the user's current moderation state (for observability).
func (l *Ledger) StateOf(ctx context.Context, userID string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryLocked(ctx, userID).State
}

// entryLocked returns the in-memory entry for userID, loading it from the
// store on first touch. Callers must hold l.mu. Store load failures are
// logged and treated as "no stored entry" so a store outage degrades to a
// fresh ledger rather than blocking sends.
func (l *Ledger) entryLocked(ctx context.Context, userID string) *LedgerEntry {
	if entry, ok := l.entries[userID]; ok {
		return entry
	}

	entry := &LedgerEntry{State: StateClean, UpdatedAt: l.now()}
	if l.store != nil {
		stored, err := l.store.Load(ctx, userID)
		if err != nil {
			log.Printf("risk: ledger load failed user=%s: %v", userID, err)
		} else if stored != nil {
			*entry = *stored
		}
	}
	l.entries[userID] = entry
	return entry
}

// decayLocked applies lazy linear decay to the entry's score based on time
// elapsed since the last update. The score floors at zero and the state is
// never demoted by decay.
func (l *Ledger) decayLocked(entry *LedgerEntry) {
	if l.cfg.DecayPerHour <= 0 || entry.Score == 0 {
		return
	}
	elapsed := l.now().Sub(entry.UpdatedAt)
	if elapsed <= 0 {
		return
	}
	decay := elapsed.Hours() * float64(l.cfg.DecayPerHour)
	entry.Score -= decay
	if entry.Score < 0 {
		entry.Score = 0
	}
	entry.UpdatedAt = l.now()
}

// persist writes the entry through to the store, best effort.
func (l *Ledger) persist(ctx context.Context, userID string, entry LedgerEntry) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(ctx, userID, entry); err != nil {
		log.Printf("risk: ledger save failed user=%s: %v", userID, err)
	}
}
