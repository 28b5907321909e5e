package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// LedgerPrefix is the Redis key prefix for per-user ledger hashes.
const LedgerPrefix = "risk:"

// RedisLedgerStore persists ledger entries as Redis hashes:
//
//	Key:    risk:<userID>
//	Fields: score, state, updated_at
//
// Entries have no TTL: ledger state never expires, it only decays.
type RedisLedgerStore struct {
	client *redis.Client
}

// NewRedisLedgerStore creates a ledger store backed by the given Redis
// client.
func NewRedisLedgerStore(client *redis.Client) *RedisLedgerStore {
	return &RedisLedgerStore{client: client}
}

// Load retrieves a user's ledger entry. Returns (nil, nil) if the user has
// no stored entry.
func (s *RedisLedgerStore) Load(ctx context.Context, userID string) (*LedgerEntry, error) {
	key := LedgerPrefix + userID
	result, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("risk: load ledger: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	score, err := strconv.ParseFloat(result["score"], 64)
	if err != nil {
		return nil, fmt.Errorf("risk: parse stored score %q: %w", result["score"], err)
	}
	updatedAt, _ := strconv.ParseInt(result["updated_at"], 10, 64)

	state := State(result["state"])
	switch state {
	case StateClean, StateElevated, StateSuspended:
	default:
		state = StateClean
	}

	return &LedgerEntry{
		Score:     score,
		State:     state,
		UpdatedAt: time.Unix(updatedAt, 0),
	}, nil
}

// Save writes a user's ledger entry.
func (s *RedisLedgerStore) Save(ctx context.Context, userID string, entry LedgerEntry) error {
	key := LedgerPrefix + userID
	err := s.client.HSet(ctx, key, map[string]interface{}{
		"score":      strconv.FormatFloat(entry.Score, 'f', -1, 64),
		"state":      string(entry.State),
		"updated_at": entry.UpdatedAt.Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("risk: save ledger: %w", err)
	}
	return nil
}
