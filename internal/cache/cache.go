// Package cache provides a small read-through TTL cache keyed by string.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is used when New is given a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// LoadFunc produces the value for a key on a miss.
type LoadFunc[V any] func(ctx context.Context, key string) (V, error)

// Stats are cumulative counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Loads         int64 `json:"loads"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// pending tracks one in-flight load. It lives only while callers wait on it.
type pending struct {
	stale   bool
	waiters int
}

// TTL caches values for a fixed duration. Concurrent misses for the same key
// share a single load. A load that races with Invalidate is returned to its
// callers but not stored.
//
// Thread Safety: TTL is safe for concurrent use.
type TTL[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	loading map[string]*pending
	ttl     time.Duration
	now     func() time.Time
	flight  singleflight.Group

	hits, misses, loads, invalidations atomic.Int64
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache whose entries live for ttl.
func New[V any](ttl time.Duration, opts ...Option) *TTL[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TTL[V]{
		entries: make(map[string]entry[V]),
		loading: make(map[string]*pending),
		ttl:     ttl,
		now:     o.now,
	}
}

// Get returns the live value for key.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expires) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key for the cache's TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
}

// Invalidate drops key and discards any load already in flight for it.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	if p, ok := c.loading[key]; ok {
		p.stale = true
		delete(c.loading, key)
	}
	c.mu.Unlock()
	c.flight.Forget(key)
	c.invalidations.Add(1)
}

// Clear drops every entry.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		c.flight.Forget(k)
	}
	for k, p := range c.loading {
		p.stale = true
		c.flight.Forget(k)
	}
	c.entries = make(map[string]entry[V])
	c.loading = make(map[string]*pending)
}

// GetOrLoad returns the cached value or loads, stores and returns it.
// Load errors are not cached.
func (c *TTL[V]) GetOrLoad(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	p, ok := c.loading[key]
	if !ok {
		p = &pending{}
		c.loading[key] = p
	}
	p.waiters++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		p.waiters--
		if p.waiters == 0 && c.loading[key] == p {
			delete(c.loading, key)
		}
		c.mu.Unlock()
	}()

	res, err, _ := c.flight.Do(key, func() (any, error) {
		c.loads.Add(1)
		v, err := load(ctx, key)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		if !p.stale {
			c.entries[key] = entry[V]{value: v, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Stats returns a snapshot of the counters.
func (c *TTL[V]) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Loads:         c.loads.Load(),
		Invalidations: c.invalidations.Load(),
		Entries:       n,
	}
}
