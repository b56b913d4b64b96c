// Package memory keeps run events in process memory.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/collectord/internal/status"
)

// Repository implements status.Repository with per-collector slices.
type Repository struct {
	mu     sync.RWMutex
	events map[string][]status.Event
}

// New creates an empty Repository.
func New() *Repository {
	return &Repository{events: map[string][]status.Event{}}
}

// Append adds an event.
func (r *Repository) Append(_ context.Context, ev status.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[ev.CollectorID] = append(r.events[ev.CollectorID], ev)
	return nil
}

// Last returns the most recent event.
func (r *Repository) Last(_ context.Context, collectorID string) (status.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.events[collectorID]
	if len(events) == 0 {
		return status.Event{}, status.ErrNotFound
	}
	return events[len(events)-1], nil
}

// Range returns events in [from, to).
func (r *Repository) Range(_ context.Context, collectorID string, from, to time.Time) ([]status.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []status.Event
	for _, ev := range r.events[collectorID] {
		if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Collectors lists collector ids in sorted order.
func (r *Repository) Collectors(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
