// Package cache provides time-to-live caching for slow-changing reference
// data fetched from external services.
package cache

import (
	"context"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

type entry struct {
	value     any
	expiresAt time.Time
}

// TTLCache is a keyed cache where every entry carries its own expiry.
//
// Reads past expiry are misses and evict lazily; an optional sweeper
// reclaims memory for entries nobody reads again. Concurrent fetches for
// the same key are not deduplicated; last writer wins.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]entry
	hits    int64
	misses  int64
}

// NewTTLCache creates an empty cache.
func NewTTLCache() *TTLCache {
	return &TTLCache{entries: make(map[string]entry)}
}

// Get returns the live value for key, or false on miss or expiry.
func (c *TTLCache) Get(key string) (any, bool) {
	return c.GetAt(key, time.Now())
}

// GetAt is Get with an explicit timestamp for deterministic tests.
func (c *TTLCache) GetAt(key string, now time.Time) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !e.expiresAt.After(now) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key; a write always refreshes the expiry.
func (c *TTLCache) Put(key string, value any, ttl time.Duration) {
	c.PutAt(key, value, ttl, time.Now())
}

// PutAt is Put with an explicit timestamp.
func (c *TTLCache) PutAt(key string, value any, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
}

// Delete removes key if present.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries. Counters are preserved.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Stats returns hit/miss counters and the current entry count, including
// expired entries not yet swept.
func (c *TTLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}

// Sweep removes all entries expired as of now and returns how many.
func (c *TTLCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs a periodic Sweep until ctx is cancelled. The caller
// owns the goroutine's lifetime through the context.
func (c *TTLCache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.Sweep(now)
			}
		}
	}()
}
