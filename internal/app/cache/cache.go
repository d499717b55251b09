// Package cache provides a short-TTL read cache with request coalescing for
// burst-heavy aggregation queries.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stockpot-labs/supply_layer/internal/app/metrics"
)

// DefaultTTL bounds staleness when no TTL is configured.
const DefaultTTL = 15 * time.Second

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Group caches computation results for a short TTL and collapses concurrent
// lookups for the same key into one in-flight computation. Entries are never
// invalidated early; staleness is bounded purely by the TTL.
type Group struct {
	ttl    time.Duration
	flight singleflight.Group

	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// New creates a cache group with the given TTL.
func New(ttl time.Duration) *Group {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Group{
		ttl:   ttl,
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// Do returns the cached value for key, or runs fn to produce it. Concurrent
// callers for the same key share a single fn execution. Errors are returned
// to every waiting caller and never cached.
func (g *Group) Do(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := g.lookup(key); ok {
		metrics.RecordCacheLookup("hit")
		return v, nil
	}
	v, err, shared := g.flight.Do(key, func() (interface{}, error) {
		// a racing caller may have stored the entry while we queued
		if v, ok := g.lookup(key); ok {
			return v, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		g.store(key, v)
		return v, nil
	})
	if shared {
		metrics.RecordCacheLookup("coalesced")
	} else {
		metrics.RecordCacheLookup("miss")
	}
	return v, err
}

func (g *Group) lookup(key string) (interface{}, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.items[key]
	if !ok || g.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (g *Group) store(key string, v interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, e := range g.items {
		if g.now().After(e.expiresAt) {
			delete(g.items, k)
		}
	}
	g.items[key] = entry{value: v, expiresAt: g.now().Add(g.ttl)}
}
