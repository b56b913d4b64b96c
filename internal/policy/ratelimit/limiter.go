// Package ratelimit throttles requests per source with continuously refilled
// token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/collectord/internal/telemetry"
)

// Limiter hands out request admissions per source key. Buckets are created
// lazily and shared by every caller in the process.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	overrides map[string]rate.Limit
}

// Config holds rate limiter configuration.
//   - RPS: requests per second per source; <= 0 disables throttling.
//   - PerSource: RPS overrides keyed by lower-case host.
//
// Buckets hold a single token, so N back-to-back requests to one source
// take at least (N-1)/RPS.
type Config struct {
	RPS       float64
	PerSource map[string]float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	overrides := make(map[string]rate.Limit, len(cfg.PerSource))
	for source, rps := range cfg.PerSource {
		overrides[strings.ToLower(source)] = toLimit(rps)
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		rate:      toLimit(cfg.RPS),
		overrides: overrides,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Acquire blocks until one more request to sourceKey is allowed. It only
// fails when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, sourceKey string) error {
	key := strings.ToLower(sourceKey)
	if key == "" {
		key = "unknown"
	}
	limiter := l.bucket(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", key, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		r := l.rate
		if override, found := l.overrides[key]; found {
			r = override
		}
		limiter = rate.NewLimiter(r, 1)
		l.limiters[key] = limiter
	}
	return limiter
}
