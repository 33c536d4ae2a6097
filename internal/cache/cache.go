// Package cache memoizes idempotent read responses with per-entry TTLs
// and a bounded entry count, invalidated by key prefix on writes.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value      any
	expiresAt  time.Time
	insertedAt time.Time
}

// Cache is a bounded TTL cache. Entries never outlive their TTL; once
// the capacity ceiling is reached, expired entries are swept first and
// then the oldest-inserted entry is evicted to admit a new one.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    []string // insertion order, oldest first
	capacity int
	now      func() time.Time
}

// New creates a cache holding at most capacity entries. A capacity of
// zero or less disables bounding.
func New(capacity int) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		capacity: capacity,
		now:      time.Now,
	}
}

// Get returns the cached value for key, or false if absent or expired.
// Expired entries encountered here are removed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for the given TTL. A non-positive TTL is a
// no-op since the entry would be born expired.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; exists {
		c.removeLocked(key)
	}

	if c.capacity > 0 && len(c.entries) >= c.capacity {
		c.sweepLocked(now)
		if len(c.entries) >= c.capacity {
			c.evictOldestLocked()
		}
	}

	c.entries[key] = &entry{
		value:      value,
		expiresAt:  now.Add(ttl),
		insertedAt: now,
	}
	c.order = append(c.order, key)
}

// Invalidate removes every entry whose key starts with prefix and
// returns the number removed.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries, sweeping expired ones first.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.entries)
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.order = c.order[:0]
}

func (c *Cache) sweepLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeLocked(key)
		}
	}
}

func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
		// Stale order entries from earlier removals are skipped.
	}
}

func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
