// Package memory collects records in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/collectord/internal/collector"
)

// Sink appends every accepted record. Reject, when set, is returned instead.
type Sink struct {
	mu      sync.Mutex
	records []collector.Record
	Reject  func(collector.Record) error
}

// New creates an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Accept stores record.
func (s *Sink) Accept(_ context.Context, record collector.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reject != nil {
		if err := s.Reject(record); err != nil {
			return err
		}
	}
	s.records = append(s.records, record)
	return nil
}

// Records returns a copy of everything accepted so far.
func (s *Sink) Records() []collector.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]collector.Record(nil), s.records...)
}
