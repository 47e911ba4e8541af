//go:build unit

package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, 0))
	assert.Equal(t, 400*time.Millisecond, Exponential(100*time.Millisecond, 2))
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, -3))
	assert.Zero(t, Exponential(0, 5))
	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 100))
}

func TestCapped(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 800*time.Millisecond, Capped(100*time.Millisecond, 0, 3))
	assert.Equal(t, 500*time.Millisecond, Capped(100*time.Millisecond, 500*time.Millisecond, 3))
	assert.Equal(t, 200*time.Millisecond, Capped(100*time.Millisecond, 500*time.Millisecond, 1))
}

func TestFullJitterBounds(t *testing.T) {
	t.Parallel()

	assert.Zero(t, FullJitter(0))
	assert.Zero(t, FullJitter(-time.Second))

	for range 100 {
		d := ExponentialWithJitter(10*time.Millisecond, 2)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 40*time.Millisecond)
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, SleepWithContext(ctx, 0), context.Canceled)
}

func TestPollUntil_StopsWhenDone(t *testing.T) {
	t.Parallel()

	calls := 0

	err := PollUntil(context.Background(), time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollUntil_PropagatesAttemptError(t *testing.T) {
	t.Parallel()

	errStore := errors.New("store unavailable")

	err := PollUntil(context.Background(), time.Millisecond, func(context.Context) (bool, error) {
		return false, errStore
	})

	require.ErrorIs(t, err, errStore)
}

func TestPollUntil_HonoursDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	calls := 0

	err := PollUntil(ctx, 5*time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, calls, 1)
	assert.Less(t, time.Since(start), time.Second)
}
