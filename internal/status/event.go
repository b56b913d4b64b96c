// Package status records collector run health. It is purely reactive:
// events are written only when callers begin or complete a run.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/collectord/internal/collector"
)

var (
	// ErrNotFound is returned by repositories when a collector has no events.
	ErrNotFound = errors.New("no run events")
	// ErrRunNotOpen is returned when completing a run that is not the
	// collector's latest running event.
	ErrRunNotOpen = errors.New("run is not open")
)

// Event is one append-only history entry. Seq increases by one per event of
// the same collector and defines history order.
type Event struct {
	CollectorID string           `json:"collector_id"`
	RunID       string           `json:"run_id"`
	Seq         int64            `json:"seq"`
	Status      collector.Status `json:"status"`
	Message     string           `json:"message,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Repository persists events. Implementations must return Range results
// ordered by Seq ascending.
type Repository interface {
	Append(ctx context.Context, event Event) error
	// Last returns the highest-Seq event or ErrNotFound.
	Last(ctx context.Context, collectorID string) (Event, error)
	// Range returns events with from <= Timestamp < to.
	Range(ctx context.Context, collectorID string, from, to time.Time) ([]Event, error)
	Collectors(ctx context.Context) ([]string, error)
}
