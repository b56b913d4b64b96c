package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/clock/system"
	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/id/uuid"
)

// interruptedMessage is written by Recover for runs left open by a crash.
const interruptedMessage = "interrupted: process exited during run"

// Run identifies an open run returned by Begin.
type Run struct {
	CollectorID string    `json:"collector_id"`
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
}

// Outcome is the terminal status and diagnostic message of a run.
type Outcome struct {
	Status  collector.Status `json:"status"`
	Message string           `json:"message,omitempty"`
}

// Store serializes writes per collector on top of a Repository.
type Store struct {
	repo   Repository
	clock  collector.Clock
	ids    collector.IDGenerator
	loc    *time.Location
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the event clock.
func WithClock(c collector.Clock) Option { return func(s *Store) { s.clock = c } }

// WithIDGenerator sets the run id source.
func WithIDGenerator(g collector.IDGenerator) Option { return func(s *Store) { s.ids = g } }

// WithLocation sets the zone that defines day boundaries for summaries.
func WithLocation(loc *time.Location) Option { return func(s *Store) { s.loc = loc } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// New builds a Store.
func New(repo Repository, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, errors.New("status repository is required")
	}
	s := &Store{
		repo:   repo,
		clock:  system.New(),
		ids:    uuid.New(),
		loc:    time.UTC,
		logger: zap.NewNop(),
		locks:  map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Location returns the zone used for day boundaries.
func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) lock(collectorID string) func() {
	s.mu.Lock()
	l, ok := s.locks[collectorID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collectorID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// appendLocked writes the next event for collectorID. The caller holds the
// collector's lock and passes its current last event, if any.
func (s *Store) appendLocked(ctx context.Context, last *Event, ev Event) (Event, error) {
	ev.Timestamp = s.clock.Now()
	ev.Seq = 1
	if last != nil {
		ev.Seq = last.Seq + 1
		if ev.Timestamp.Before(last.Timestamp) {
			ev.Timestamp = last.Timestamp
		}
	}
	if err := s.repo.Append(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("append %s event for %s: %w", ev.Status, ev.CollectorID, err)
	}
	return ev, nil
}

func (s *Store) last(ctx context.Context, collectorID string) (*Event, error) {
	ev, err := s.repo.Last(ctx, collectorID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last event for %s: %w", collectorID, err)
	}
	return &ev, nil
}

// Begin appends a running event and returns the open run.
func (s *Store) Begin(ctx context.Context, collectorID string) (Run, error) {
	if strings.TrimSpace(collectorID) == "" {
		return Run{}, errors.New("collector id is required")
	}
	runID, err := s.ids.NewID()
	if err != nil {
		return Run{}, fmt.Errorf("new run id: %w", err)
	}
	unlock := s.lock(collectorID)
	defer unlock()

	last, err := s.last(ctx, collectorID)
	if err != nil {
		return Run{}, err
	}
	ev, err := s.appendLocked(ctx, last, Event{
		CollectorID: collectorID,
		RunID:       runID,
		Status:      collector.StatusRunning,
	})
	if err != nil {
		return Run{}, err
	}
	s.logger.Debug("run started", zap.String("collector_id", collectorID), zap.String("run_id", runID))
	return Run{CollectorID: collectorID, RunID: runID, StartedAt: ev.Timestamp}, nil
}

// Complete appends the terminal event for run. It fails with ErrRunNotOpen
// when run is no longer the collector's latest running event.
func (s *Store) Complete(ctx context.Context, run Run, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("complete %s: status %q is not terminal", run.CollectorID, outcome.Status)
	}
	unlock := s.lock(run.CollectorID)
	defer unlock()

	last, err := s.last(ctx, run.CollectorID)
	if err != nil {
		return err
	}
	if last == nil || last.RunID != run.RunID || last.Status != collector.StatusRunning {
		return fmt.Errorf("complete %s run %s: %w", run.CollectorID, run.RunID, ErrRunNotOpen)
	}
	if _, err := s.appendLocked(ctx, last, Event{
		CollectorID: run.CollectorID,
		RunID:       run.RunID,
		Status:      outcome.Status,
		Message:     outcome.Message,
	}); err != nil {
		return err
	}
	s.logger.Debug("run completed",
		zap.String("collector_id", run.CollectorID),
		zap.String("run_id", run.RunID),
		zap.String("status", string(outcome.Status)),
	)
	return nil
}

// Track runs fn between Begin and Complete. Complete is always attempted,
// with a context that ignores cancellation, even when fn fails or panics.
// A returned error or panic without a terminal outcome records an error.
func (s *Store) Track(
	ctx context.Context,
	collectorID string,
	fn func(ctx context.Context, run Run) (Outcome, error),
) (outcome Outcome, err error) {
	run, err := s.Begin(ctx, collectorID)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panicked",
				zap.String("collector_id", collectorID),
				zap.String("run_id", run.RunID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("run panicked: %v", r)
			outcome = Outcome{Status: collector.StatusError, Message: err.Error()}
		}
		if !outcome.Status.Terminal() {
			outcome = Outcome{Status: collector.StatusError, Message: "run ended without outcome"}
			if err != nil {
				outcome.Message = err.Error()
			}
		}
		if cerr := s.Complete(context.WithoutCancel(ctx), run, outcome); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(ctx, run)
}

// CurrentStatus returns the latest event's status, or unknown.
func (s *Store) CurrentStatus(ctx context.Context, collectorID string) (collector.Status, error) {
	last, err := s.last(ctx, collectorID)
	if err != nil {
		return collector.StatusUnknown, err
	}
	if last == nil {
		return collector.StatusUnknown, nil
	}
	return last.Status, nil
}

// Latest returns the collector's latest event or ErrNotFound.
func (s *Store) Latest(ctx context.Context, collectorID string) (Event, error) {
	ev, err := s.repo.Last(ctx, collectorID)
	if err != nil {
		return Event{}, fmt.Errorf("latest event for %s: %w", collectorID, err)
	}
	return ev, nil
}

// History returns events at or after since, oldest first.
func (s *Store) History(ctx context.Context, collectorID string, since time.Time) ([]Event, error) {
	events, err := s.repo.Range(ctx, collectorID, since, farFuture)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", collectorID, err)
	}
	return events, nil
}

// Collectors lists collector ids that have history.
func (s *Store) Collectors(ctx context.Context) ([]string, error) {
	ids, err := s.repo.Collectors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collectors: %w", err)
	}
	return ids, nil
}

// Recover closes runs left open by a previous process with an error event.
// It returns the number of runs closed.
func (s *Store) Recover(ctx context.Context) (int, error) {
	ids, err := s.Collectors(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		n, err := s.recoverOne(ctx, id)
		if err != nil {
			return closed, err
		}
		closed += n
	}
	return closed, nil
}

func (s *Store) recoverOne(ctx context.Context, collectorID string) (int, error) {
	unlock := s.lock(collectorID)
	defer unlock()

	last, err := s.last(ctx, collectorID)
	if err != nil || last == nil || last.Status != collector.StatusRunning {
		return 0, err
	}
	if _, err := s.appendLocked(ctx, last, Event{
		CollectorID: collectorID,
		RunID:       last.RunID,
		Status:      collector.StatusError,
		Message:     interruptedMessage,
	}); err != nil {
		return 0, err
	}
	s.logger.Warn("closed interrupted run", zap.String("collector_id", collectorID), zap.String("run_id", last.RunID))
	return 1, nil
}

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
