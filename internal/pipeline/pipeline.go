// Package pipeline runs one collector end to end: list, download, structure,
// persist and record the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/clock/system"
	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/lister"
	"github.com/JakeFAU/collectord/internal/notify"
	"github.com/JakeFAU/collectord/internal/progress"
	"github.com/JakeFAU/collectord/internal/status"
	"github.com/JakeFAU/collectord/internal/telemetry"
	"github.com/JakeFAU/collectord/internal/workerpool"
)

const notifyTimeout = 10 * time.Second

// Fetcher returns exactly one terminal result per item.
type Fetcher interface {
	Fetch(ctx context.Context, item collector.WorkItem) collector.FetchResult
}

// Config holds run level settings.
type Config struct {
	// PartialFailureTolerance is the largest failed share of items that
	// still yields a warning instead of an error.
	PartialFailureTolerance float64
	// RunTimeout cancels a run that takes longer. Zero disables it.
	RunTimeout time.Duration
}

// Deps are the collaborators of a Pipeline. Hasher, Clock, Progress,
// Notifier and Logger are optional.
type Deps struct {
	Status     *status.Store
	Fetcher    Fetcher
	Structurer collector.Structurer
	Sink       collector.Sink
	Downloads  *workerpool.Pool
	Processing *workerpool.Pool
	Hasher     collector.Hasher
	Clock      collector.Clock
	Progress   progress.Emitter
	Notifier   notify.Publisher
	Logger     *zap.Logger
}

// Collector is one schedulable job.
type Collector struct {
	ID     string
	Lister collector.Lister
}

// Pipeline is safe for concurrent runs of different collectors.
type Pipeline struct {
	cfg  Config
	deps Deps
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.PartialFailureTolerance < 0 || cfg.PartialFailureTolerance > 1 {
		return nil, fmt.Errorf("partial failure tolerance must be within [0,1], got %v", cfg.PartialFailureTolerance)
	}
	if cfg.RunTimeout < 0 {
		return nil, fmt.Errorf("run timeout must be >= 0, got %s", cfg.RunTimeout)
	}
	switch {
	case deps.Status == nil:
		return nil, errors.New("pipeline requires a status store")
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline requires a fetcher")
	case deps.Structurer == nil:
		return nil, errors.New("pipeline requires a structurer")
	case deps.Sink == nil:
		return nil, errors.New("pipeline requires a sink")
	case deps.Downloads == nil || deps.Processing == nil:
		return nil, errors.New("pipeline requires download and processing pools")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// Run executes one run of c. The status store always receives a terminal
// event for the run, including on cancellation and panics. The returned
// error reports listing or status store failures; item failures are only
// reflected in the report.
func (p *Pipeline) Run(ctx context.Context, c Collector) (Report, error) {
	if c.ID == "" || c.Lister == nil {
		return Report{}, errors.New("collector id and lister are required")
	}
	if p.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RunTimeout)
		defer cancel()
	}

	report := Report{CollectorID: c.ID, StartedAt: p.deps.Clock.Now()}
	outcome, err := p.deps.Status.Track(ctx, c.ID, func(ctx context.Context, run status.Run) (status.Outcome, error) {
		report.RunID = run.RunID
		report.StartedAt = run.StartedAt
		p.emit(progress.Event{CollectorID: c.ID, RunID: run.RunID, Stage: progress.StageRunStart})
		return p.execute(ctx, c, run, &report)
	})
	report.Status = outcome.Status
	report.Message = outcome.Message
	report.FinishedAt = p.deps.Clock.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	if report.RunID == "" {
		// Begin failed; nothing was recorded.
		return report, err
	}

	p.emit(progress.Event{
		CollectorID: c.ID,
		RunID:       report.RunID,
		Stage:       progress.StageRunDone,
		Kind:        string(report.Status),
		Dur:         report.Duration,
		Note:        report.Message,
	})
	telemetry.ObserveRun(c.ID, string(report.Status), report.Duration)
	p.publish(ctx, report)

	logger := p.deps.Logger.With(zap.String("collector_id", c.ID), zap.String("run_id", report.RunID))
	fields := []zap.Field{
		zap.String("status", string(report.Status)),
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration),
	}
	if report.Status == collector.StatusOK {
		logger.Info("run finished", fields...)
	} else {
		logger.Warn("run finished", append(fields, zap.String("message", report.Message))...)
	}
	return report, err
}

func (p *Pipeline) execute(ctx context.Context, c Collector, run status.Run, report *Report) (status.Outcome, error) {
	listings, err := c.Lister.List(ctx)
	if err != nil {
		err = fmt.Errorf("list documents: %w", err)
		return status.Outcome{Status: collector.StatusError, Message: err.Error()}, err
	}
	items := workItems(c.ID, listings)
	report.Listed = len(listings)
	report.Total = len(items)

	downloads := p.download(ctx, run, items)
	results := make([]*ItemResult, len(items))
	var pending []pendingItem
	seen := map[string]string{}
	for i, d := range downloads {
		if !d.Started {
			continue
		}
		res := &ItemResult{Item: items[i], Attempts: d.Value.Attempts, FromCache: d.Value.FromCache}
		results[i] = res
		if d.Err != nil {
			res.fail(d.Err, collector.KindPermanentRequest)
			continue
		}
		if !d.Value.OK() {
			res.State = ItemFailed
			res.Kind = d.Value.Failure.Kind
			res.Error = d.Value.Failure.Message
			continue
		}
		doc := *d.Value.Document
		res.Bytes = len(doc.Body)
		res.ContentHash = p.hash(doc.Body)
		if res.ContentHash != "" {
			if first, dup := seen[res.ContentHash]; dup {
				res.State = ItemDeduplicated
				p.deps.Logger.Debug("duplicate content skipped",
					zap.String("collector_id", c.ID),
					zap.String("url", items[i].URL),
					zap.String("duplicate_of", first),
				)
				continue
			}
			seen[res.ContentHash] = items[i].ID
		}
		pending = append(pending, pendingItem{index: i, doc: doc})
	}

	processed := p.process(ctx, run, items, pending, results)
	for j, pr := range processed {
		res := results[pending[j].index]
		switch {
		case !pr.Started:
			res.State = ItemCanceled
			res.Kind = collector.KindRunCanceled
			res.Error = pr.Err.Error()
		case pr.Err != nil:
			res.fail(pr.Err, collector.KindStructuring)
		default:
			res.State = ItemStructured
		}
	}

	for _, res := range results {
		if res != nil {
			report.Items = append(report.Items, *res)
		}
	}
	report.tally()
	return report.outcome(p.cfg.PartialFailureTolerance, context.Cause(ctx)), nil
}

type pendingItem struct {
	index int
	doc   collector.Document
}

func (p *Pipeline) download(ctx context.Context, run status.Run, items []collector.WorkItem) []workerpool.JobResult[collector.FetchResult] {
	jobs := make([]workerpool.Job[collector.FetchResult], len(items))
	for i, item := range items {
		// The pool hands jobs a detached context so started work drains.
		// Fetch gets the run context instead: it keeps the in-flight attempt
		// alive on its own and must stop retrying once the run is canceled.
		jobs[i] = func(context.Context) (collector.FetchResult, error) {
			res := p.deps.Fetcher.Fetch(ctx, item)
			evt := progress.Event{
				CollectorID: run.CollectorID,
				RunID:       run.RunID,
				ItemID:      item.ID,
				Site:        item.Source(),
				URL:         item.URL,
				Attempts:    res.Attempts,
				FromCache:   res.FromCache,
				Dur:         res.Elapsed,
			}
			if res.OK() {
				evt.Stage = progress.StageItemFetched
				evt.Bytes = int64(len(res.Document.Body))
			} else {
				evt.Stage = progress.StageItemFailed
				evt.Kind = string(res.Failure.Kind)
				evt.Note = res.Failure.Message
			}
			p.emit(evt)
			return res, nil
		}
	}
	return workerpool.RunAll(ctx, p.deps.Downloads, jobs)
}

func (p *Pipeline) process(
	ctx context.Context,
	run status.Run,
	items []collector.WorkItem,
	pending []pendingItem,
	results []*ItemResult,
) []workerpool.JobResult[collector.Record] {
	jobs := make([]workerpool.Job[collector.Record], len(pending))
	for j, pi := range pending {
		item := items[pi.index]
		hash := results[pi.index].ContentHash
		jobs[j] = func(ctx context.Context) (collector.Record, error) {
			start := p.deps.Clock.Now()
			rec, err := p.structure(ctx, run, item, pi.doc, hash)
			evt := progress.Event{
				CollectorID: run.CollectorID,
				RunID:       run.RunID,
				ItemID:      item.ID,
				Site:        item.Source(),
				URL:         item.URL,
				Dur:         p.deps.Clock.Now().Sub(start),
			}
			if err != nil {
				evt.Stage = progress.StageItemFailed
				evt.Kind = string(collector.KindOf(err))
				evt.Note = err.Error()
			} else {
				evt.Stage = progress.StageItemStructured
				evt.Bytes = int64(len(rec.Text))
			}
			p.emit(evt)
			return rec, err
		}
	}
	return workerpool.RunAll(ctx, p.deps.Processing, jobs)
}

func (p *Pipeline) structure(
	ctx context.Context,
	run status.Run,
	item collector.WorkItem,
	doc collector.Document,
	hash string,
) (collector.Record, error) {
	rec, err := p.deps.Structurer.Structure(ctx, item, doc)
	if err != nil {
		if collector.KindOf(err) == "" {
			err = collector.NewError(collector.KindStructuring, item.URL, 0, err)
		}
		return collector.Record{}, err
	}
	rec.CollectorID = run.CollectorID
	rec.RunID = run.RunID
	rec.ItemID = item.ID
	rec.URL = item.URL
	rec.ContentHash = hash
	if rec.ContentType == "" {
		rec.ContentType = doc.ContentType
	}
	if rec.StructuredAt.IsZero() {
		rec.StructuredAt = p.deps.Clock.Now().UTC()
	}
	if err := p.deps.Sink.Accept(ctx, rec); err != nil {
		return collector.Record{}, collector.NewError(collector.KindPersistence, item.URL, 0, err)
	}
	return rec, nil
}

func (p *Pipeline) hash(body []byte) string {
	if p.deps.Hasher == nil {
		return ""
	}
	sum, err := p.deps.Hasher.Hash(body)
	if err != nil {
		p.deps.Logger.Warn("hash document", zap.Error(err))
		return ""
	}
	return sum
}

func (p *Pipeline) emit(evt progress.Event) {
	evt.TS = p.deps.Clock.Now()
	p.deps.Progress.Emit(evt)
}

func (p *Pipeline) publish(ctx context.Context, report Report) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	attrs := map[string]string{
		"collector_id": report.CollectorID,
		"run_id":       report.RunID,
		"status":       string(report.Status),
	}
	if _, err := p.deps.Notifier.Publish(ctx, report, attrs); err != nil {
		p.deps.Logger.Warn("publish run report",
			zap.String("collector_id", report.CollectorID),
			zap.String("run_id", report.RunID),
			zap.Error(err),
		)
	}
}

// fail records err. Unclassified errors, such as recovered panics, take
// fallback as their kind.
func (r *ItemResult) fail(err error, fallback collector.ErrorKind) {
	r.State = ItemFailed
	r.Kind = collector.KindOf(err)
	if r.Kind == "" {
		r.Kind = fallback
	}
	r.Error = err.Error()
}

// workItems drops repeated URLs and assigns item ids in listing order.
func workItems(collectorID string, listings []collector.Listing) []collector.WorkItem {
	seen := make(map[string]struct{}, len(listings))
	items := make([]collector.WorkItem, 0, len(listings))
	for _, l := range listings {
		if _, dup := seen[l.URL]; dup {
			continue
		}
		seen[l.URL] = struct{}{}
		key := l.CacheKey
		if key == "" {
			key = lister.CacheKey(collectorID, l.URL)
		}
		items = append(items, collector.WorkItem{
			ID:       strconv.Itoa(len(items) + 1),
			URL:      l.URL,
			CacheKey: key,
		})
	}
	return items
}
