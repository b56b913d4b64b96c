// Package cache defines the expiring key/value contract used to avoid
// redundant downloads, and the envelope format durable backends share.
//
// Every backend checks expiry lazily on read: an entry whose expiry has
// passed is deleted and reported as a miss. No backend runs a reaper.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/collectord/internal/telemetry"
)

// ErrMiss is returned by Get when no live entry exists for the key.
var ErrMiss = errors.New("cache miss")

// ErrInvalidTTL is returned by Put for non-positive TTLs.
var ErrInvalidTTL = errors.New("cache ttl must be > 0")

// Cache is an expiring key/value store. Implementations are safe for
// concurrent use and never expose a partially written value.
type Cache interface {
	// Get returns the value stored under key or ErrMiss. Expired and
	// unreadable entries are misses.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key for ttl, replacing any existing entry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate removes key. Missing keys are not an error.
	Invalidate(ctx context.Context, key string) error
	// Clear removes every entry owned by the cache.
	Clear(ctx context.Context) error
	// Stats reports lookup counters and current occupancy.
	Stats(ctx context.Context) (Stats, error)
}

// Stats summarizes cache usage since construction.
type Stats struct {
	Backend string `json:"backend"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Corrupt int64  `json:"corrupt"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Entry is one stored value with its lifetime.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewEntry builds an entry created at now that lives for ttl.
func NewEntry(key string, value []byte, now time.Time, ttl time.Duration) (Entry, error) {
	if ttl <= 0 {
		return Entry{}, ErrInvalidTTL
	}
	return Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Expired reports whether the entry must no longer be served at now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Counters tracks lookup results for one backend and mirrors them to
// Prometheus.
type Counters struct {
	backend string
	hits    atomic.Int64
	misses  atomic.Int64
	corrupt atomic.Int64
}

// NewCounters returns zeroed counters labeled with backend.
func NewCounters(backend string) *Counters {
	return &Counters{backend: backend}
}

// Hit records a served entry.
func (c *Counters) Hit() {
	c.hits.Add(1)
	telemetry.ObserveCache(c.backend, "hit")
}

// Miss records an absent or expired entry.
func (c *Counters) Miss() {
	c.misses.Add(1)
	telemetry.ObserveCache(c.backend, "miss")
}

// Corrupt records an unreadable entry. Corrupt reads also count as misses.
func (c *Counters) Corrupt() {
	c.corrupt.Add(1)
	c.misses.Add(1)
	telemetry.ObserveCache(c.backend, "corrupt")
}

// Snapshot returns the counters as Stats with occupancy left empty.
func (c *Counters) Snapshot() Stats {
	return Stats{
		Backend: c.backend,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Corrupt: c.corrupt.Load(),
	}
}
