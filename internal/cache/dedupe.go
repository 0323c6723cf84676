package cache

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys for a bounded time. The turn
// intake loop uses it to drop Telegram updates redelivered after a long
// poll reconnect.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewDedupeCache creates a dedupe cache. A non-positive ttl means keys
// never expire; a non-positive maxSize disables the size bound.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check reports whether key was seen within the TTL, recording it either way.
func (c *DedupeCache) Check(key string) bool {
	return c.CheckAt(key, time.Now())
}

// CheckAt is Check with an explicit timestamp.
func (c *DedupeCache) CheckAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.seen[key]
	c.seen[key] = now
	if ok && (c.ttl <= 0 || now.Sub(prev) < c.ttl) {
		return true
	}
	c.prune(now)
	return false
}

// prune removes expired keys and, if still over the size bound, the oldest
// ones (must hold mu).
func (c *DedupeCache) prune(now time.Time) {
	if c.ttl > 0 {
		for key, ts := range c.seen {
			if now.Sub(ts) >= c.ttl {
				delete(c.seen, key)
			}
		}
	}
	if c.maxSize <= 0 {
		return
	}
	for len(c.seen) > c.maxSize {
		var oldestKey string
		var oldest time.Time
		for key, ts := range c.seen {
			if oldestKey == "" || ts.Before(oldest) {
				oldestKey, oldest = key, ts
			}
		}
		delete(c.seen, oldestKey)
	}
}

// Size returns the number of tracked keys.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
