//go:build unit

package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/internal/metrictest"
	"github.com/LerianStudio/lib-reliability/reliability/lock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func newTestLockManager(t *testing.T, opts ...LockOption) (*LockManager, *miniredis.Miniredis, *sdkmetric.ManualReader) {
	t.Helper()

	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider, reader := metrictest.NewProvider()

	m, err := NewLockManager(
		StaticClient{Client: rdb},
		append([]LockOption{
			WithLockInstanceID("node-a"),
			WithLockPollInterval(5 * time.Millisecond),
			WithLockMeterProvider(provider),
		}, opts...)...,
	)
	require.NoError(t, err)

	return m, mr, reader
}

func TestNewLockManager_Validation(t *testing.T) {
	_, err := NewLockManager(nil)
	assert.ErrorIs(t, err, ErrNilClient)

	_, err = NewLockManager(StaticClient{}, WithLockDriftFactor(1))
	assert.ErrorIs(t, err, ErrLockDriftFactorInvalid)
}

func TestLockManager_TryAcquireReleaseCycle(t *testing.T) {
	ctx := context.Background()
	m, mr, reader := newTestLockManager(t)

	token, ok, err := m.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(token, "node-a-"))

	stored, err := mr.Get("lock:job-1")
	require.NoError(t, err)
	assert.Equal(t, token, stored)

	_, ok, err = m.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := m.Release(ctx, "job-1", token)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("lock:job-1"))

	_, ok, err = m.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(2), metrictest.Int64Sum(t, reader, "distributed.lock.acquired"))
	assert.Equal(t, int64(1), metrictest.Int64Sum(t, reader, "distributed.lock.failed"))
	assert.Equal(t, int64(1), metrictest.Int64Sum(t, reader, "distributed.lock.released"))
}

func TestLockManager_ReleaseWrongTokenLeavesHolder(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestLockManager(t)

	token, ok, err := m.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := m.Release(ctx, "job-1", "node-b-forged")
	require.NoError(t, err)
	assert.False(t, released)

	holder, ok, err := m.Holder(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, token, holder.Token)
	assert.False(t, holder.ExpiresAt.IsZero())
}

func TestLockManager_LeaseExpiryAllowsReacquisition(t *testing.T) {
	ctx := context.Background()
	m, mr, _ := newTestLockManager(t)

	token, ok, err := m.TryAcquire(ctx, "job-1", 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = m.Holder(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.TryAcquire(ctx, "job-1", 0, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := m.Release(ctx, "job-1", token)
	require.NoError(t, err)
	assert.False(t, released, "stale token must not release the new holder")

	mr.FastForward(2 * time.Second)

	released, err = m.Release(ctx, "job-1", token)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestLockManager_Extend(t *testing.T) {
	ctx := context.Background()
	m, mr, _ := newTestLockManager(t)

	token, ok, err := m.TryAcquire(ctx, "job-1", 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := m.Extend(ctx, "job-1", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Equal(t, time.Minute, mr.TTL("lock:job-1"))

	extended, err = m.Extend(ctx, "job-1", "node-b-forged", time.Hour)
	require.NoError(t, err)
	assert.False(t, extended)
	assert.Equal(t, time.Minute, mr.TTL("lock:job-1"))

	_, err = m.Extend(ctx, "job-1", token, 0)
	assert.ErrorIs(t, err, lock.ErrInvalidLease)
}

func TestLockManager_TryAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestLockManager(t)

	token, ok, err := m.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = m.Release(context.Background(), "job-1", token)
	}()

	_, ok, err = m.TryAcquire(ctx, "job-1", 2*time.Second, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockManager_TryAcquireWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestLockManager(t)

	_, ok, err := m.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	started := time.Now()

	_, ok, err = m.TryAcquire(ctx, "job-1", 50*time.Millisecond, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(started), time.Second)
}

func TestLockManager_TryAcquireCallerCancellation(t *testing.T) {
	m, _, _ := newTestLockManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := m.TryAcquire(ctx, "job-1", time.Second, 30*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestLockManager_UnreachableServerIsAnError(t *testing.T) {
	m, mr, _ := newTestLockManager(t)
	mr.Close()

	_, ok, err := m.TryAcquire(context.Background(), "job-1", 0, 30*time.Second)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestLockManager_Validation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestLockManager(t)

	_, _, err := m.TryAcquire(ctx, " ", 0, time.Second)
	assert.ErrorIs(t, err, lock.ErrEmptyLockName)

	_, err = m.Release(ctx, "", "t")
	assert.ErrorIs(t, err, lock.ErrEmptyLockName)

	var nilManager *LockManager

	_, _, err = nilManager.TryAcquire(ctx, "job-1", 0, time.Second)
	assert.ErrorIs(t, err, ErrNilLockManager)
}

func TestLockManager_WithLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestLockManager(t)

	const workers = 8

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
		runs    atomic.Int32
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := m.WithLock(ctx, "shared", 5*time.Second, 30*time.Second, func(context.Context) error {
				current := inside.Add(1)
				for {
					seen := maxSeen.Load()
					if current <= seen || maxSeen.CompareAndSwap(seen, current) {
						break
					}
				}

				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				runs.Add(1)

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(workers), runs.Load())
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestLockManager_ExecuteWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	m, mr, _ := newTestLockManager(t)

	boom := errors.New("boom")

	_, err := lock.ExecuteWithLock(ctx, m, "job-1", 0, 30*time.Second, func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:job-1"))
}
