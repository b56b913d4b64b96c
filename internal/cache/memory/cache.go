// Package memory provides an in-process cache backend. Entries live for the
// lifetime of the process only.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/collectord/internal/cache"
	"github.com/JakeFAU/collectord/internal/clock/system"
	"github.com/JakeFAU/collectord/internal/collector"
)

// Cache is a map-backed cache.Cache.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]cache.Entry
	clock    collector.Clock
	counters *cache.Counters
}

// New returns an empty cache. A nil clock uses the system clock.
func New(clock collector.Clock) *Cache {
	if clock == nil {
		clock = system.New()
	}
	return &Cache{
		entries:  make(map[string]cache.Entry),
		clock:    clock,
		counters: cache.NewCounters("memory"),
	}
}

// Get returns a copy of the live value for key.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.counters.Miss()
		return nil, cache.ErrMiss
	}
	if entry.Expired(c.clock.Now()) {
		c.evict(key, entry.ExpiresAt)
		c.counters.Miss()
		return nil, cache.ErrMiss
	}
	c.counters.Hit()
	return append([]byte(nil), entry.Value...), nil
}

// evict removes key only if it still holds the expired entry, so a
// concurrent Put is never undone.
func (c *Cache) evict(key string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.entries[key]; ok && current.ExpiresAt.Equal(expiresAt) {
		delete(c.entries, key)
	}
}

// Put stores a copy of value.
func (c *Cache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry, err := cache.NewEntry(key, value, c.clock.Now(), ttl)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

// Invalidate removes key.
func (c *Cache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Clear drops every entry.
func (c *Cache) Clear(context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]cache.Entry)
	c.mu.Unlock()
	return nil
}

// Stats reports counters plus the current entry count and value bytes.
// Expired entries not yet read are still counted.
func (c *Cache) Stats(context.Context) (cache.Stats, error) {
	stats := c.counters.Snapshot()
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats.Entries = len(c.entries)
	for _, e := range c.entries {
		stats.Bytes += int64(len(e.Value))
	}
	return stats, nil
}
