package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/collectord/internal/progress"
)

// PrometheusSink turns progress events into per-collector counters.
type PrometheusSink struct {
	runsStarted *prometheus.CounterVec
	runsDone    *prometheus.CounterVec
	runsActive  prometheus.Gauge
	items       *prometheus.CounterVec
	itemBytes   *prometheus.CounterVec
	attempts    *prometheus.HistogramVec

	mu     sync.Mutex
	active map[string]struct{}
}

// NewPrometheusSink registers its collectors with reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectord_progress_runs_started_total",
			Help: "Runs started per collector.",
		}, []string{"collector"}),
		runsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectord_progress_runs_done_total",
			Help: "Runs finished per collector and status.",
		}, []string{"collector", "status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collectord_progress_runs_active",
			Help: "Runs currently in flight.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectord_progress_items_total",
			Help: "Item milestones per collector and stage.",
		}, []string{"collector", "stage", "cache"}),
		itemBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectord_progress_item_bytes_total",
			Help: "Document bytes obtained per site.",
		}, []string{"site"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collectord_progress_item_attempts",
			Help:    "Fetch attempts spent per finished item.",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		}, []string{"collector"}),
		active: map[string]struct{}{},
	}
	for _, c := range []prometheus.Collector{s.runsStarted, s.runsDone, s.runsActive, s.items, s.itemBytes, s.attempts} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.WithLabelValues(evt.CollectorID).Inc()
			if s.track(evt.RunID, true) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone:
			s.runsDone.WithLabelValues(evt.CollectorID, evt.Kind).Inc()
			if s.track(evt.RunID, false) {
				s.runsActive.Dec()
			}
		case progress.StageItemFetched:
			cache := "miss"
			if evt.FromCache {
				cache = "hit"
			}
			s.items.WithLabelValues(evt.CollectorID, string(evt.Stage), cache).Inc()
			if evt.Bytes > 0 {
				site := evt.Site
				if site == "" {
					site = "unknown"
				}
				s.itemBytes.WithLabelValues(site).Add(float64(evt.Bytes))
			}
			if evt.Attempts > 0 {
				s.attempts.WithLabelValues(evt.CollectorID).Observe(float64(evt.Attempts))
			}
		case progress.StageItemFailed, progress.StageItemStructured:
			s.items.WithLabelValues(evt.CollectorID, string(evt.Stage), "").Inc()
			if evt.Stage == progress.StageItemFailed && evt.Attempts > 0 {
				s.attempts.WithLabelValues(evt.CollectorID).Observe(float64(evt.Attempts))
			}
		}
	}
	return nil
}

// track records run membership and reports whether it changed.
func (s *PrometheusSink) track(runID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	if start {
		s.active[runID] = struct{}{}
		return !ok
	}
	delete(s.active, runID)
	return ok
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
