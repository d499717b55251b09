package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryReplayStore keeps replay markers in process memory. Losing markers on
// restart is acceptable: a replayed signature is still rejected by the
// freshness window once the marker's lifetime has passed. Multi-replica
// deployments should use the shared redis store instead.
type MemoryReplayStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]time.Time
}

var _ ReplayStore = (*MemoryReplayStore)(nil)

// NewMemoryReplayStore creates an empty marker store.
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

// MarkUsed records key for ttl and reports whether it was unused. Expired
// markers are swept on each call; the map stays bounded by the freshness
// window.
func (s *MemoryReplayStore) MarkUsed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("replay key is empty")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("replay ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.entries {
		if !exp.After(now) {
			delete(s.entries, k)
		}
	}
	if exp, ok := s.entries[key]; ok && exp.After(now) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}
