package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rebill/internal/clock"
)

const redisKeyPrefix = "rebill:webhook:event:"

type redisStore struct {
	client *redis.Client
}

// NewRedisStore backs the dedup cache with redis so multiple instances
// share one view of recently seen events.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) SeenOrMark(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	inserted, err := s.client.SetNX(ctx, redisKeyPrefix+eventID, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !inserted, nil
}

// Provide picks the redis store when a shared client is available and
// falls back to the process-local TTL map otherwise.
func Provide(client *redis.Client, clk clock.Clock) Store {
	if client == nil {
		return NewMemoryStore(clk)
	}
	return NewRedisStore(client)
}
