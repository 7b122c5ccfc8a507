package resolvers

import (
	"strings"
	"sync"
	"time"
)

// Row is one cached or freshly-fetched resolver result: column name to
// value, for the single row a resolver lookup produced.
type Row map[string]string

type cacheEntry struct {
	row     Row
	expires time.Time
}

// Cache is the process-wide resolver result cache, keyed by (resolver
// name, concrete bound parameter values). It holds a bounded number of
// entries with oldest-first eviction when full (spec.md §4.4: "bounded
// size (oldest-first eviction when full)"). The zero value is not usable;
// construct with NewCache.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]cacheEntry
	order   []string // insertion order, oldest first
}

// NewCache returns a Cache holding at most maxSize entries.
func NewCache(maxSize int) *Cache {
	return &Cache{
		maxSize: maxSize,
		entries: make(map[string]cacheEntry),
	}
}

// Key builds the cache key for a resolver name and its bound parameter
// values, in order.
func Key(resolverName string, params []string) string {
	var b strings.Builder
	b.WriteString(resolverName)
	for _, p := range params {
		b.WriteByte(0)
		b.WriteString(p)
	}
	return b.String()
}

// Get returns a copy of the cached row for key if present and not
// expired. Per spec.md §7 ("readers copy the row out"), the lock is held
// only long enough to read and clone, never across I/O.
func (c *Cache) Get(key string, now time.Time) (Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.After(e.expires) {
		return nil, false
	}
	clone := make(Row, len(e.row))
	for k, v := range e.row {
		clone[k] = v
	}
	return clone, true
}

// Put inserts or replaces key's entry, expiring at now+ttl. Evicts the
// oldest entry first if the cache is at capacity and key is new.
func (c *Cache) Put(key string, row Row, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		if c.maxSize > 0 && len(c.entries) >= c.maxSize {
			c.evictOldestLocked()
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{row: row, expires: now.Add(ttl)}
}

func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
	}
}

// Len reports the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
