// Package fetcher performs one logical document fetch: cache lookup, then
// rate limited attempts with exponential backoff on transient failures.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/cache"
	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/telemetry"
)

// Transport performs a single network attempt. HTTP status failures should
// be returned as *collector.Error so they keep their status code.
type Transport interface {
	Do(ctx context.Context, item collector.WorkItem) (collector.Document, error)
}

// Limiter admits requests per source.
type Limiter interface {
	Acquire(ctx context.Context, sourceKey string) error
}

// Config controls retries, timeouts, caching and content bounds.
type Config struct {
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	BackoffFactor       float64
	Timeout             time.Duration
	CacheTTL            time.Duration
	AllowedContentTypes []string
	MaxBytes            int64
}

// DefaultConfig returns the stock retry policy: 3 retries, 1s base delay
// doubling up to 60s, 30s per attempt, 24h cache TTL.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
		Timeout:       30 * time.Second,
		CacheTTL:      24 * time.Hour,
		MaxBytes:      10 << 20,
	}
}

// Fetcher implements the cached, rate limited, retrying fetch.
type Fetcher struct {
	cfg       Config
	transport Transport
	cache     cache.Cache
	limiter   Limiter
	backoff   Backoff
	sleeper   Sleeper
	logger    *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithSleeper replaces the timer used between attempts.
func WithSleeper(s Sleeper) Option {
	return func(f *Fetcher) { f.sleeper = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New builds a Fetcher. The cache may be nil to disable caching.
func New(transport Transport, c cache.Cache, limiter Limiter, cfg Config, opts ...Option) (*Fetcher, error) {
	if transport == nil {
		return nil, errors.New("fetcher transport is required")
	}
	if limiter == nil {
		return nil, errors.New("fetcher limiter is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be > 0, got %s", cfg.Timeout)
	}
	if c != nil && cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be > 0, got %s", cfg.CacheTTL)
	}
	f := &Fetcher{
		cfg:       cfg,
		transport: transport,
		cache:     c,
		limiter:   limiter,
		backoff:   Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Factor: cfg.BackoffFactor},
		sleeper:   timerSleeper{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	return f, nil
}

// Fetch returns exactly one terminal result for item.
func (f *Fetcher) Fetch(ctx context.Context, item collector.WorkItem) collector.FetchResult {
	start := time.Now()
	result := collector.FetchResult{Item: item}
	if doc, ok := f.lookup(ctx, item); ok {
		result.Document = &doc
		result.FromCache = true
		result.Elapsed = time.Since(start)
		return result
	}

	source := item.Source()
	logger := f.logger.With(zap.String("item_id", item.ID), zap.String("url", item.URL))
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoff.Delay(attempt - 1)
			telemetry.ObserveRetry(source)
			logger.Debug("retrying fetch", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(lastErr))
			if err := f.sleeper.Sleep(ctx, delay); err != nil {
				lastErr = collector.NewError(collector.KindRunCanceled, item.URL, 0, err)
				break
			}
		}
		if err := f.limiter.Acquire(ctx, source); err != nil {
			lastErr = collector.NewError(collector.KindRunCanceled, item.URL, 0, err)
			break
		}
		result.Attempts++
		doc, err := f.attempt(ctx, item)
		if err == nil {
			err = f.validate(item, &doc)
		}
		if err == nil {
			telemetry.ObserveFetchAttempt(source, "ok", len(doc.Body))
			f.store(context.WithoutCancel(ctx), item, doc)
			result.Document = &doc
			result.Elapsed = time.Since(start)
			return result
		}
		lastErr = err
		telemetry.ObserveFetchAttempt(source, string(collector.KindOf(err)), 0)
		if !collector.Retryable(err) {
			break
		}
	}

	result.Failure = newFailure(lastErr, result.Attempts)
	result.Elapsed = time.Since(start)
	logger.Warn("fetch failed",
		zap.String("kind", string(result.Failure.Kind)),
		zap.Int("attempts", result.Attempts),
		zap.Error(lastErr),
	)
	return result
}

// attempt runs one request. An attempt already on the wire is bounded by the
// timeout only, so canceling the run stops further attempts without cutting
// off the one in flight.
func (f *Fetcher) attempt(ctx context.Context, item collector.WorkItem) (collector.Document, error) {
	if err := checkURL(item.URL); err != nil {
		return collector.Document{}, collector.NewError(collector.KindPermanentRequest, item.URL, 0, err)
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.Timeout)
	defer cancel()
	doc, err := f.transport.Do(actx, item)
	if err != nil {
		return collector.Document{}, classify(ctx, item, err)
	}
	return doc, nil
}

// checkURL rejects addresses no transport can serve.
func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}

func (f *Fetcher) validate(item collector.WorkItem, doc *collector.Document) error {
	if len(doc.Body) == 0 {
		return collector.NewError(collector.KindContentMismatch, item.URL, 0, errors.New("empty body"))
	}
	if f.cfg.MaxBytes > 0 && int64(len(doc.Body)) > f.cfg.MaxBytes {
		return collector.NewError(collector.KindContentMismatch, item.URL, 0,
			fmt.Errorf("body of %d bytes exceeds limit of %d", len(doc.Body), f.cfg.MaxBytes))
	}
	if doc.ContentType == "" {
		doc.ContentType = http.DetectContentType(doc.Body)
	}
	if len(f.cfg.AllowedContentTypes) == 0 {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(doc.ContentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(doc.ContentType))
	}
	for _, allowed := range f.cfg.AllowedContentTypes {
		if strings.HasPrefix(mediaType, strings.ToLower(allowed)) {
			return nil
		}
	}
	return collector.NewError(collector.KindContentMismatch, item.URL, 0,
		fmt.Errorf("content type %q not in %v", doc.ContentType, f.cfg.AllowedContentTypes))
}

func (f *Fetcher) lookup(ctx context.Context, item collector.WorkItem) (collector.Document, bool) {
	if f.cache == nil || item.CacheKey == "" {
		return collector.Document{}, false
	}
	raw, err := f.cache.Get(ctx, item.CacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			f.logger.Warn("cache lookup failed, fetching", zap.String("key", item.CacheKey), zap.Error(err))
		}
		return collector.Document{}, false
	}
	var doc collector.Document
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc.Body) == 0 {
		f.logger.Warn("cached document unreadable, fetching",
			zap.String("key", item.CacheKey),
			zap.String("kind", string(collector.KindCacheCorruption)),
			zap.Error(err),
		)
		if invErr := f.cache.Invalidate(ctx, item.CacheKey); invErr != nil {
			f.logger.Warn("cache invalidate failed", zap.String("key", item.CacheKey), zap.Error(invErr))
		}
		return collector.Document{}, false
	}
	return doc, true
}

func (f *Fetcher) store(ctx context.Context, item collector.WorkItem, doc collector.Document) {
	if f.cache == nil || item.CacheKey == "" {
		return
	}
	raw, err := json.Marshal(doc)
	if err == nil {
		err = f.cache.Put(ctx, item.CacheKey, raw, f.cfg.CacheTTL)
	}
	if err != nil {
		f.logger.Warn("cache store failed", zap.String("key", item.CacheKey), zap.Error(err))
	}
}

func newFailure(err error, attempts int) *collector.Failure {
	failure := &collector.Failure{
		Kind:     collector.KindOf(err),
		Attempts: attempts,
	}
	if failure.Kind == "" {
		failure.Kind = collector.KindPermanentRequest
	}
	var ce *collector.Error
	if errors.As(err, &ce) {
		failure.StatusCode = ce.StatusCode
	}
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	failure.Message = fmt.Sprintf("%s (after %d attempt(s))", msg, attempts)
	return failure
}
