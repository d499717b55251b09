package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const replayKeyPrefix = "supply:replay:"

// RedisReplayStore shares replay markers across replicas. SETNX carries the
// same first-caller-wins contract as the in-memory store, with redis expiry
// standing in for the sweep.
type RedisReplayStore struct {
	client *redis.Client
}

var _ ReplayStore = (*RedisReplayStore)(nil)

// NewRedisReplayStore wraps an existing redis client.
func NewRedisReplayStore(client *redis.Client) *RedisReplayStore {
	return &RedisReplayStore{client: client}
}

// MarkUsed records key for ttl and reports whether it was unused.
func (s *RedisReplayStore) MarkUsed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("replay key is empty")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("replay ttl must be positive")
	}
	ok, err := s.client.SetNX(ctx, replayKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark replay key: %w", err)
	}
	return ok, nil
}
