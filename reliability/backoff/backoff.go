// Package backoff provides retry delay calculations and context-aware waiting.
package backoff

import (
	"context"
	"fmt"
	"math"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// Capped is Exponential bounded by ceiling. A non-positive ceiling disables the bound.
func Capped(base, ceiling time.Duration, attempt int) time.Duration {
	delay := Exponential(base, attempt)
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}

	return delay
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(mrand.Int64N(int64(delay))) // #nosec G404 -- jitter, not a secret
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext sleeps for duration unless ctx ends first.
// Zero or negative durations return immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// PollUntil calls attempt immediately and then every interval until it
// reports done, returns an error, or ctx ends. The interval never grows.
// When ctx ends first, the context error is returned wrapped.
func PollUntil(ctx context.Context, interval time.Duration, attempt func(context.Context) (bool, error)) error {
	for {
		done, err := attempt(ctx)
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		if err := SleepWithContext(ctx, interval); err != nil {
			return err
		}
	}
}
