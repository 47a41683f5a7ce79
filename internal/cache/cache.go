// Package cache provides a small TTL cache for ancillary dashboard counts.
// It is an explicit object with an injected clock and an invalidation API;
// nothing here is process-global.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is how long a cached count stays fresh.
const DefaultTTL = 60 * time.Second

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Cache maps string keys to values that expire after a fixed TTL.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	ttl     time.Duration
	nowFn   func() time.Time
}

// New builds a cache. A nil nowFn uses the wall clock; tests inject a fake.
func New[T any](ttl time.Duration, nowFn func() time.Time) *Cache[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Cache[T]{
		entries: make(map[string]entry[T]),
		ttl:     ttl,
		nowFn:   nowFn,
	}
}

// Get returns the cached value if present and unexpired. Expired entries are
// removed on access.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if c.nowFn().After(item.expiresAt) {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return item.value, true
}

// Set stores a value, restarting its TTL.
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[T]{
		value:     value,
		expiresAt: c.nowFn().Add(c.ttl),
	}
}

// Invalidate removes one key.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll drops every entry.
func (c *Cache[T]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[T])
}

// Len returns the number of stored entries, including any not yet swept.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
