// Package backoff retries startup operations with exponential delay.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted wraps the last error once every attempt has failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy describes the delay before attempt n+1: Initial * Factor^(n-1),
// stretched by up to Jitter of itself and capped at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// DefaultPolicy waits 250ms, doubling up to 10s with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait after the given failed attempt (1-indexed).
// random must lie in [0, 1).
func (p Policy) Delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(total)
}

// Retry calls fn until it succeeds, ctx ends, or attempts run out. The
// attempt number passed to fn starts at 1. onRetry, when non-nil, observes
// each failure that will be retried along with the upcoming delay.
func Retry(ctx context.Context, policy Policy, attempts int, fn func(attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, lastErr)
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		wait := policy.Delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
		if onRetry != nil {
			onRetry(attempt, lastErr, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return errors.Join(err, lastErr)
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
