// Package scheduler starts collector runs on fixed intervals or on demand.
// It never polls run status; each run is driven from start to finish here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/pipeline"
)

var (
	// ErrAlreadyRunning is returned when a collector already has a run in flight.
	ErrAlreadyRunning = errors.New("collector is already running")
	// ErrUnknownCollector is returned for ids that were never configured.
	ErrUnknownCollector = errors.New("unknown collector")
	// ErrNotStarted is returned by Trigger outside Run, either before it
	// starts or once it has begun shutting down.
	ErrNotStarted = errors.New("scheduler is not running")
)

// Runner executes one run of a collector.
type Runner interface {
	Run(ctx context.Context, c pipeline.Collector) (pipeline.Report, error)
}

// Job is one scheduled collector. A zero Interval means manual runs only.
type Job struct {
	Collector pipeline.Collector
	Interval  time.Duration
}

// Scheduler fans runs out to goroutines, at most one per collector.
type Scheduler struct {
	runner Runner
	jobs   map[string]Job
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]bool
	ctx     context.Context
	// stopped is set before Run waits on wg; no run starts after it.
	stopped bool
	wg      sync.WaitGroup
}

// New validates jobs. Ids must be unique and non-empty.
func New(runner Runner, jobs []Job, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler requires a runner")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byID := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		id := j.Collector.ID
		if id == "" {
			return nil, errors.New("collector id is required")
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("duplicate collector id %q", id)
		}
		if j.Interval < 0 {
			return nil, fmt.Errorf("collector %q: interval must be >= 0", id)
		}
		byID[id] = j
	}
	return &Scheduler{
		runner:  runner,
		jobs:    byID,
		logger:  logger,
		running: map[string]bool{},
	}, nil
}

// IDs returns the configured collector ids, sorted.
func (s *Scheduler) IDs() []string {
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Running reports whether id has a run in flight.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// Run starts interval jobs, running each once immediately, and blocks until
// ctx is done and every in-flight run has returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.stopped = false
	s.mu.Unlock()

	var loops sync.WaitGroup
	for _, id := range s.IDs() {
		job := s.jobs[id]
		if job.Interval == 0 {
			continue
		}
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.loop(ctx, job)
		}()
	}
	<-ctx.Done()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	loops.Wait()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		if err := s.start(ctx, job); err != nil {
			s.logger.Info("scheduled run skipped",
				zap.String("collector_id", job.Collector.ID),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Trigger starts a run of id in the background.
func (s *Scheduler) Trigger(id string) error {
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollector, id)
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return ErrNotStarted
	}
	return s.start(ctx, job)
}

// RunNow runs id synchronously.
func (s *Scheduler) RunNow(ctx context.Context, id string) (pipeline.Report, error) {
	job, ok := s.jobs[id]
	if !ok {
		return pipeline.Report{}, fmt.Errorf("%w: %s", ErrUnknownCollector, id)
	}
	if err := s.claim(id); err != nil {
		return pipeline.Report{}, err
	}
	defer s.release(id)
	return s.runner.Run(ctx, job.Collector)
}

// start claims the collector and registers the run with wg under one lock,
// so Run never waits on wg while a run is being added.
func (s *Scheduler) start(ctx context.Context, job Job) error {
	id := job.Collector.ID
	s.mu.Lock()
	switch {
	case s.stopped, ctx.Err() != nil:
		s.mu.Unlock()
		return ErrNotStarted
	case s.running[id]:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.running[id] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.release(id)
		if _, err := s.runner.Run(ctx, job.Collector); err != nil {
			s.logger.Error("collector run failed", zap.String("collector_id", id), zap.Error(err))
		}
	}()
	return nil
}

func (s *Scheduler) claim(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.running[id] = true
	return nil
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}
