package fetcher

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Backoff computes min(Max, Base*Factor^attempt). Delays never decrease as
// attempt grows.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// Delay returns the wait before the retry that follows failed attempt
// number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && (math.IsInf(d, 0) || math.IsNaN(d) || d > float64(b.Max)) {
		return b.Max
	}
	return time.Duration(d)
}

// Sleeper pauses between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

// Sleep waits for d or until ctx ends.
func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
