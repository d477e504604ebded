package cache

import (
	"context"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// TTL Cache — lazy-expiring key/value store with optional background sweep
// ---------------------------------------------------------------------------

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a string-keyed store whose entries expire after a fixed TTL.
// Expiry is checked on every read; the sweeper only reclaims memory early.
type Cache[V any] struct {
	mu  sync.RWMutex
	m   map[string]entry[V]
	ttl time.Duration
}

// New creates a cache with the given TTL. A non-positive TTL falls back to
// 30 seconds, the default the validator relies on.
func New[V any](ttl time.Duration) *Cache[V] {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache[V]{
		m:   make(map[string]entry[V]),
		ttl: ttl,
	}
}

// Set stores value under key with the current timestamp, overwriting any
// prior entry.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	c.m[key] = entry[V]{value: value, storedAt: time.Now()}
	c.mu.Unlock()
}

// Get returns the value for key if present and unexpired. An expired entry
// is evicted as a side effect of the read.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Since(e.storedAt) > c.ttl {
		c.mu.Lock()
		// Re-check under the write lock: the entry may have been overwritten
		// with a fresh timestamp between the two lock acquisitions.
		if cur, still := c.m[key]; still && time.Since(cur.storedAt) > c.ttl {
			delete(c.m, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Has reports whether key holds an unexpired entry.
func (c *Cache[V]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes key regardless of expiry.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.m = make(map[string]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Sweep eagerly removes all expired entries and returns how many were
// evicted. Safe to call at any cadence; reads stay correct without it.
func (c *Cache[V]) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for k, e := range c.m {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.m, k)
			evicted++
		}
	}
	return evicted
}

// StartSweeper runs Sweep at the given interval until ctx is cancelled.
func (c *Cache[V]) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
