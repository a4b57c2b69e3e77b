// Package cache provides the bounded validation cache used to keep
// interactive scans responsive. Entries carry a per-entry TTL and the cache
// holds a hard capacity: when an insert would exceed it, the oldest fifth of
// the entries by insertion order is dropped in one sweep.
package cache

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the total number of cached validation results.
const DefaultCapacity = 1000

// Option adjusts cache construction.
type Option func(*Cache)

// WithNowFunc overrides the clock used for TTL decisions.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a TTL cache bounded by entry count. All methods are safe for
// concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]entry
	order    []string
	now      func() time.Time
}

// New constructs a cache holding at most capacity entries. Non-positive
// capacities fall back to DefaultCapacity.
func New(capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		capacity: capacity,
		entries:  make(map[string]entry, capacity),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live value stored under key. Expired entries are removed
// and reported as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (any, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. Overwriting a key counts as a fresh
// insertion for eviction ordering.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *Cache) setLocked(key string, value any, ttl time.Duration) {
	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}
	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	c.order = append(c.order, key)
}

// GetOrCompute returns the cached value for key, calling compute on a miss
// and storing the result for ttl. The second return reports whether the
// value came from the cache. Errors from compute are returned uncached.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, compute func() (any, error)) (any, bool, error) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, true, nil
	}
	c.mu.Unlock()

	v, err := compute()
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.setLocked(key, v, ttl)
	c.mu.Unlock()
	return v, false, nil
}

// evictOldestLocked drops the oldest 20% of entries by insertion order, at
// least one.
func (c *Cache) evictOldestLocked() {
	drop := c.capacity / 5
	if drop < 1 {
		drop = 1
	}
	for len(c.order) > 0 && drop > 0 {
		key := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			drop--
		}
	}
}

// Invalidate removes the given keys immediately.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.removeLocked(key)
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.removeLocked(key)
		}
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry, c.capacity)
	c.order = c.order[:0]
}

// Len returns the number of stored entries, including any not yet swept
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
