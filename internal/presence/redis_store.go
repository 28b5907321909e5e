package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OnlinePrefix is the Redis key prefix for per-user presence records.
	OnlinePrefix = "online:"

	// OnlineTTL bounds how stale a presence record can get if a gateway
	// dies without cleaning up. Live connections outlast it only because
	// the heartbeat keeps the connection (and thus the record) alive far
	// longer than a crashed gateway would.
	OnlineTTL = 24 * time.Hour
)

// RedisStore persists presence as simple key-value records:
//
//	Key:   online:<userID>
//	Value: unix timestamp of the online transition
//	TTL:   OnlineTTL
//
// The CRUD side of the platform reads these keys to render online badges.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a presence store backed by the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SetOnline writes the user's presence record.
func (s *RedisStore) SetOnline(ctx context.Context, userID string) error {
	key := OnlinePrefix + userID
	if err := s.client.Set(ctx, key, time.Now().Unix(), OnlineTTL).Err(); err != nil {
		return fmt.Errorf("presence: set online: %w", err)
	}
	return nil
}

// SetOffline removes the user's presence record.
func (s *RedisStore) SetOffline(ctx context.Context, userID string) error {
	key := OnlinePrefix + userID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("presence: set offline: %w", err)
	}
	return nil
}
