// Package dedup suppresses reprocessing of recently seen webhook
// events. The store is a hot-path cache; the durable unique insert on
// webhook_events remains the second line of defense.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/rebill/internal/clock"
)

// Store answers whether an event id was seen within the TTL, marking
// it seen as a side effect.
type Store interface {
	SeenOrMark(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

type memoryStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock clock.Clock
}

// NewMemoryStore builds a process-local TTL store. Suitable for a
// single instance; distributed deployments should use the redis store.
func NewMemoryStore(clk clock.Clock) Store {
	return &memoryStore{
		seen:  make(map[string]time.Time),
		clock: clk,
	}
}

func (s *memoryStore) SeenOrMark(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.seen[eventID]; ok && now.Before(expiry) {
		return true, nil
	}
	s.seen[eventID] = now.Add(ttl)
	s.sweep(now)
	return false, nil
}

// sweep drops expired entries opportunistically while the lock is held.
func (s *memoryStore) sweep(now time.Time) {
	if len(s.seen) < 4096 {
		return
	}
	for id, expiry := range s.seen {
		if now.After(expiry) {
			delete(s.seen, id)
		}
	}
}
