package catalog

import (
	"sync"
	"time"
)

// Cache holds the last fetched plugin catalog. One writer, many readers.
type Cache struct {
	mu      sync.RWMutex
	entries []any
	updated time.Time
}

func NewCache() *Cache { return &Cache{} }

// Set replaces the cached catalog.
func (c *Cache) Set(entries []any, at time.Time) {
	cp := make([]any, len(entries))
	copy(cp, entries)
	c.mu.Lock()
	c.entries = cp
	c.updated = at
	c.mu.Unlock()
}

// Entries returns a copy of the cached catalog; nil before the first refresh.
func (c *Cache) Entries() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entries == nil {
		return nil
	}
	out := make([]any, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// UpdatedAt is the time of the last successful refresh.
func (c *Cache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}
