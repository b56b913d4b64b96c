// Package app builds every collectord component from configuration and owns
// their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/api"
	"github.com/JakeFAU/collectord/internal/cache"
	localcache "github.com/JakeFAU/collectord/internal/cache/local"
	memorycache "github.com/JakeFAU/collectord/internal/cache/memory"
	rediscache "github.com/JakeFAU/collectord/internal/cache/redis"
	"github.com/JakeFAU/collectord/internal/clock/system"
	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/config"
	"github.com/JakeFAU/collectord/internal/fetcher"
	collyfetcher "github.com/JakeFAU/collectord/internal/fetcher/colly"
	"github.com/JakeFAU/collectord/internal/hash/sha256"
	"github.com/JakeFAU/collectord/internal/id/uuid"
	"github.com/JakeFAU/collectord/internal/lister"
	collylister "github.com/JakeFAU/collectord/internal/lister/colly"
	"github.com/JakeFAU/collectord/internal/notify"
	memorynotify "github.com/JakeFAU/collectord/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/collectord/internal/notify/pubsub"
	"github.com/JakeFAU/collectord/internal/pipeline"
	"github.com/JakeFAU/collectord/internal/policy/ratelimit"
	"github.com/JakeFAU/collectord/internal/progress"
	progresssinks "github.com/JakeFAU/collectord/internal/progress/sinks"
	"github.com/JakeFAU/collectord/internal/scheduler"
	blobsink "github.com/JakeFAU/collectord/internal/sink/blob"
	memorysink "github.com/JakeFAU/collectord/internal/sink/memory"
	pgsink "github.com/JakeFAU/collectord/internal/sink/postgres"
	"github.com/JakeFAU/collectord/internal/status"
	statusmemory "github.com/JakeFAU/collectord/internal/status/memory"
	statuspg "github.com/JakeFAU/collectord/internal/status/postgres"
	statussqlite "github.com/JakeFAU/collectord/internal/status/sqlite"
	gcsstorage "github.com/JakeFAU/collectord/internal/storage/gcs"
	localstorage "github.com/JakeFAU/collectord/internal/storage/local"
	"github.com/JakeFAU/collectord/internal/structuring/document"
	"github.com/JakeFAU/collectord/internal/structuring/remote"
	"github.com/JakeFAU/collectord/internal/workerpool"
)

const (
	shutdownTimeout = 10 * time.Second
	cacheKeyPrefix  = "collectord:cache:"
)

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	clock      collector.Clock
	fs         afero.Fs
}

// WithRegisterer sets where the progress metrics are registered. The default
// is prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithClock replaces the system clock.
func WithClock(c collector.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithFs sets the filesystem used by the local cache and the local sink.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	opts       options
	logger     *zap.Logger
	store      *status.Store
	cache      cache.Cache
	sink       collector.Sink
	notifier   notify.Publisher
	structurer collector.Structurer
	hub        *progress.Hub
	downloads  *workerpool.Pool
	processing *workerpool.Pool
	pipeline   *pipeline.Pipeline
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server
	closers    []closer
}

type closer struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. Everything opened before a
// failure is released again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{
		registerer: prometheus.DefaultRegisterer,
		clock:      system.New(),
		fs:         afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, opts: o, logger: logger}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	a.logger.Info("building application dependencies",
		zap.String("cache", cfg.Cache.Backend),
		zap.String("status", cfg.Status.Backend),
		zap.String("sink", cfg.Sink.Backend),
		zap.String("notify", cfg.Notify.Backend),
		zap.String("structuring", cfg.Structuring.Backend),
		zap.Int("collectors", len(cfg.Collectors)),
	)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"status store", a.setupStatus},
		{"cache", a.setupCache},
		{"sink", a.setupSink},
		{"notifier", a.setupNotifier},
		{"structurer", a.setupStructurer},
		{"progress", a.setupProgress},
		{"pipeline", a.setupPipeline},
		{"scheduler", a.setupScheduler},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return nil, fmt.Errorf("%s init failed: %w", step.name, err)
		}
	}
	return a, nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupStatus(ctx context.Context) error {
	var repo status.Repository
	switch a.cfg.Status.Backend {
	case "postgres":
		pg, err := statuspg.New(ctx, statuspg.Config{DSN: a.cfg.Status.DSN})
		if err != nil {
			return err
		}
		a.onClose("status postgres", func() error { pg.Close(); return nil })
		repo = pg
	case "sqlite":
		lite, err := statussqlite.Open(ctx, a.cfg.Status.SQLitePath)
		if err != nil {
			return err
		}
		a.onClose("status sqlite", lite.Close)
		repo = lite
		a.logger.Debug("sqlite status backend", zap.String("path", a.cfg.Status.SQLitePath))
	default:
		a.logger.Warn("using in-memory status backend; run history is lost on restart")
		repo = statusmemory.New()
	}

	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}
	a.store, err = status.New(repo,
		status.WithClock(a.opts.clock),
		status.WithIDGenerator(uuid.New()),
		status.WithLocation(loc),
		status.WithLogger(a.logger.Named("status")),
	)
	return err
}

func (a *App) setupCache(ctx context.Context) error {
	switch a.cfg.Cache.Backend {
	case "redis":
		client, err := rediscache.Dial(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		a.onClose("redis client", client.Close)
		c, err := rediscache.New(client, cacheKeyPrefix, a.opts.clock, a.logger.Named("cache"))
		if err != nil {
			return err
		}
		a.cache = c
	case "local":
		c, err := localcache.New(a.opts.fs, localcache.Config{Dir: a.cfg.Cache.Dir}, a.opts.clock, a.logger.Named("cache"))
		if err != nil {
			return err
		}
		a.cache = c
		a.logger.Debug("local cache backend", zap.String("dir", a.cfg.Cache.Dir))
	default:
		a.cache = memorycache.New(a.opts.clock)
	}
	return nil
}

func (a *App) setupSink(ctx context.Context) error {
	switch a.cfg.Sink.Backend {
	case "postgres":
		s, err := pgsink.New(ctx, a.cfg.Sink.DSN, "")
		if err != nil {
			return err
		}
		a.onClose("sink postgres", func() error { s.Close(); return nil })
		a.sink = s
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Sink.GCSBucket})
		if err != nil {
			_ = client.Close()
			return err
		}
		a.onClose("gcs client", store.Close)
		a.sink, err = blobsink.New(store, a.cfg.Sink.Prefix, a.logger.Named("sink"))
		if err != nil {
			return err
		}
		a.logger.Debug("GCS sink backend", zap.String("bucket", a.cfg.Sink.GCSBucket))
	case "local":
		store, err := localstorage.New(a.opts.fs, localstorage.Config{BaseDir: a.cfg.Sink.Dir})
		if err != nil {
			return err
		}
		a.sink, err = blobsink.New(store, a.cfg.Sink.Prefix, a.logger.Named("sink"))
		if err != nil {
			return err
		}
	default:
		a.logger.Warn("using in-memory sink; structured records are discarded on exit")
		a.sink = memorysink.New()
	}
	return nil
}

func (a *App) setupNotifier(ctx context.Context) error {
	switch a.cfg.Notify.Backend {
	case "pubsub":
		p, err := pubsubnotify.Dial(ctx, a.cfg.Notify.ProjectID, a.cfg.Notify.Topic)
		if err != nil {
			return err
		}
		a.onClose("pubsub publisher", p.Close)
		a.notifier = p
		a.logger.Info("Pub/Sub notifier initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
	case "memory":
		a.notifier = memorynotify.New()
	default:
		a.notifier = notify.Nop{}
	}
	return nil
}

func (a *App) setupStructurer(context.Context) error {
	if a.cfg.Structuring.Backend != "remote" {
		a.structurer = document.New(document.WithClock(a.opts.clock))
		return nil
	}
	s, err := remote.New(
		remote.Config{Endpoint: a.cfg.Structuring.Endpoint, Timeout: a.cfg.Structuring.Timeout},
		&http.Client{},
		a.opts.clock,
		a.logger.Named("structuring"),
	)
	if err != nil {
		return err
	}
	a.structurer = s
	return nil
}

func (a *App) setupProgress(context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.opts.registerer)
	if err != nil {
		return err
	}
	a.hub = progress.NewHub(a.cfg.Progress, a.logger.Named("progress_hub"),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", a.cfg.Progress.BufferSize),
		zap.Int("max_batch_events", a.cfg.Progress.MaxBatchEvents),
		zap.Duration("max_batch_wait", a.cfg.Progress.MaxBatchWait),
	)
	return nil
}

func (a *App) setupPipeline(context.Context) error {
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetch.UserAgent,
		RespectRobots: a.cfg.Fetch.RespectRobots,
		Timeout:       a.cfg.Fetch.Timeout,
		MaxBodySize:   int(a.cfg.Fetch.MaxBytes),
	})
	limiter := ratelimit.New(ratelimit.Config{
		RPS:       a.cfg.RateLimit.RPS,
		PerSource: a.cfg.RateLimit.PerSource,
	})
	f, err := fetcher.New(transport, a.cache, limiter, fetcher.Config{
		MaxRetries:          a.cfg.Retry.MaxRetries,
		BaseDelay:           a.cfg.Retry.BaseDelay,
		MaxDelay:            a.cfg.Retry.MaxDelay,
		BackoffFactor:       a.cfg.Retry.BackoffFactor,
		Timeout:             a.cfg.Fetch.Timeout,
		CacheTTL:            a.cfg.Cache.TTL,
		AllowedContentTypes: a.cfg.Fetch.AllowedContentTypes,
		MaxBytes:            a.cfg.Fetch.MaxBytes,
	}, fetcher.WithLogger(a.logger.Named("fetcher")))
	if err != nil {
		return err
	}

	a.downloads, err = workerpool.New(workerpool.Config{
		Name:    "download",
		Workers: a.cfg.Pipeline.DownloadConcurrency,
	}, a.logger)
	if err != nil {
		return err
	}
	a.processing, err = workerpool.New(workerpool.Config{
		Name:    "processing",
		Workers: a.cfg.Pipeline.ProcessingConcurrency,
	}, a.logger)
	if err != nil {
		return err
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		PartialFailureTolerance: a.cfg.Pipeline.PartialFailureTolerance,
		RunTimeout:              a.cfg.Pipeline.RunTimeout,
	}, pipeline.Deps{
		Status:     a.store,
		Fetcher:    f,
		Structurer: a.structurer,
		Sink:       a.sink,
		Downloads:  a.downloads,
		Processing: a.processing,
		Hasher:     sha256.New(),
		Clock:      a.opts.clock,
		Progress:   a.hub,
		Notifier:   a.notifier,
		Logger:     a.logger.Named("pipeline"),
	})
	return err
}

func (a *App) setupScheduler(context.Context) error {
	jobs := make([]scheduler.Job, 0, len(a.cfg.Collectors))
	infos := make([]api.CollectorInfo, 0, len(a.cfg.Collectors))
	for _, col := range a.cfg.Collectors {
		l, err := a.buildLister(col)
		if err != nil {
			return fmt.Errorf("collector %q: %w", col.ID, err)
		}
		jobs = append(jobs, scheduler.Job{
			Collector: pipeline.Collector{ID: col.ID, Lister: l},
			Interval:  col.Interval,
		})
		infos = append(infos, api.CollectorInfo{ID: col.ID, Parent: col.Parent})
	}
	var err error
	a.scheduler, err = scheduler.New(a.pipeline, jobs, a.logger.Named("scheduler"))
	if err != nil {
		return err
	}
	a.apiServer = api.NewServer(a.store, a.scheduler, infos, a.logger.Named("api"), api.WithClock(a.opts.clock))
	return nil
}

func (a *App) buildLister(col config.CollectorConfig) (collector.Lister, error) {
	var listers lister.Multi
	if len(col.URLs) > 0 {
		listers = append(listers, lister.NewStatic(col.ID, col.URLs))
	}
	if col.IndexURL != "" {
		var pattern *regexp.Regexp
		if col.LinkPattern != "" {
			var err error
			if pattern, err = regexp.Compile(col.LinkPattern); err != nil {
				return nil, fmt.Errorf("link pattern: %w", err)
			}
		}
		idx, err := collylister.New(collylister.Config{
			CollectorID: col.ID,
			IndexURL:    col.IndexURL,
			LinkPattern: pattern,
			UserAgent:   a.cfg.Fetch.UserAgent,
			Timeout:     a.cfg.Fetch.Timeout,
		})
		if err != nil {
			return nil, err
		}
		listers = append(listers, idx)
	}
	if len(listers) == 1 {
		return listers[0], nil
	}
	return listers, nil
}

// Store exposes the run history.
func (a *App) Store() *status.Store { return a.store }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Notifier returns the run report publisher.
func (a *App) Notifier() notify.Publisher { return a.notifier }

// Sink returns the structured record sink.
func (a *App) Sink() collector.Sink { return a.sink }

// RunOnce runs one collector synchronously.
func (a *App) RunOnce(ctx context.Context, collectorID string) (pipeline.Report, error) {
	return a.scheduler.RunNow(ctx, collectorID)
}

// Serve closes runs interrupted by a previous process, then runs the
// scheduler and the HTTP API until ctx is done. In-flight runs are awaited.
func (a *App) Serve(ctx context.Context) error {
	n, err := a.store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if n > 0 {
		a.logger.Warn("closed interrupted runs", zap.Int("count", n))
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
			stop()
		}
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.logger.Info("scheduler started", zap.Strings("collectors", a.scheduler.IDs()))
		a.scheduler.Run(ctx)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone

	select {
	case err := <-srvErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application. It must not be called while
// a run is in flight.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.downloads != nil {
		a.downloads.Close()
	}
	if a.processing != nil {
		a.processing.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
