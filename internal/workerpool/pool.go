// Package workerpool runs batches of jobs on a fixed set of long-lived
// goroutines. A pool is reused across batches and runs.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/queue/memory"
	"github.com/JakeFAU/collectord/internal/telemetry"
)

var (
	// ErrPanic wraps a value recovered from a panicking job.
	ErrPanic = errors.New("job panicked")
	// ErrPoolClosed is returned for jobs submitted after Close.
	ErrPoolClosed = errors.New("pool closed")
)

// Config sizes a pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
}

// Pool owns Workers goroutines draining a bounded queue.
type Pool struct {
	cfg    Config
	queue  *memory.Queue[func()]
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New starts the pool's workers.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("pool workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:    cfg,
		queue:  memory.NewQueue[func()](cfg.QueueSize),
		logger: logger.With(zap.String("pool", cfg.Name)),
	}
	p.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go p.work()
	}
	return p, nil
}

// Name returns the pool's label.
func (p *Pool) Name() string { return p.cfg.Name }

// Workers returns the concurrency bound.
func (p *Pool) Workers() int { return p.cfg.Workers }

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		task, err := p.queue.Dequeue(context.Background())
		if err != nil {
			return
		}
		telemetry.IncActiveWorkers(p.cfg.Name)
		task()
		telemetry.DecActiveWorkers(p.cfg.Name)
	}
}

// Close stops accepting work and waits for queued jobs to finish.
func (p *Pool) Close() {
	p.queue.Close()
	p.wg.Wait()
}

// Job is one unit of work. The context it receives is detached from the
// batch context's cancellation so a started job can finish its I/O.
type Job[T any] func(ctx context.Context) (T, error)

// JobResult is the outcome of the job at Index in the submitted slice.
// Started is false for jobs skipped after cancellation.
type JobResult[T any] struct {
	Index   int
	Value   T
	Err     error
	Started bool
}

// RunAll submits jobs to p and returns exactly one result per job, indexed
// like jobs. Once ctx is done no further jobs start; jobs already running
// drain. A job must not call RunAll on its own pool.
func RunAll[T any](ctx context.Context, p *Pool, jobs []Job[T]) []JobResult[T] {
	results := make([]JobResult[T], len(jobs))
	jobCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i, job := range jobs {
		results[i].Index = i
		if ctx.Err() != nil {
			results[i].Err = skipped(ctx)
			continue
		}
		wg.Add(1)
		err := p.queue.Enqueue(ctx, func() {
			defer wg.Done()
			if ctx.Err() != nil {
				results[i].Err = skipped(ctx)
				return
			}
			results[i].Started = true
			results[i].Value, results[i].Err = runJob(jobCtx, p.logger, i, job)
		})
		if err != nil {
			wg.Done()
			if ctx.Err() != nil {
				results[i].Err = skipped(ctx)
			} else if errors.Is(err, memory.ErrClosed) {
				results[i].Err = fmt.Errorf("pool %s: %w", p.cfg.Name, ErrPoolClosed)
			} else {
				results[i].Err = fmt.Errorf("pool %s: %w", p.cfg.Name, err)
			}
		}
	}
	wg.Wait()
	return results
}

func runJob[T any](ctx context.Context, logger *zap.Logger, index int, job Job[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Int("index", index), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return job(ctx)
}

func skipped(ctx context.Context) error {
	return fmt.Errorf("%w: %w", collector.ErrRunCanceled, context.Cause(ctx))
}
