//go:build unit

package toolkit

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-reliability/reliability"
	"github.com/LerianStudio/lib-reliability/reliability/clock"
	"github.com/LerianStudio/lib-reliability/reliability/fallback"
	"github.com/LerianStudio/lib-reliability/reliability/idempotency"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/LerianStudio/lib-reliability/reliability/outbox"
	libRedis "github.com/LerianStudio/lib-reliability/reliability/redis"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newMemoryToolkit(t *testing.T, cfg Config, opts ...Option) *Toolkit {
	t.Helper()

	tk, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tk.Shutdown(context.Background()) })

	return tk
}

func redisConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendRedis
	cfg.Redis.Address = addr

	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.OutboxBatchSize = 0

	tk, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, tk)
}

func TestNew_MemoryBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tk := newMemoryToolkit(t, DefaultConfig(), WithClock(clock.NewManual(epoch)), WithLogger(log.NewNop()))

	require.NotNil(t, tk.Idempotency)
	require.NotNil(t, tk.Locks)
	require.NotNil(t, tk.Outbox)
	require.NotNil(t, tk.Breakers)
	require.NotNil(t, tk.Fallback)
	assert.Nil(t, tk.Reaper(), "reaper is off unless configured")
	assert.Equal(t, DefaultConfig(), tk.Config())

	result, err := tk.Idempotency.CheckOrBegin(ctx, "k1", "h1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeNotSeen, result.Outcome)

	result, err = tk.Idempotency.CheckOrBegin(ctx, "k1", "h1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeInProgress, result.Outcome)

	require.NoError(t, tk.Idempotency.Complete(ctx, "k1", "ok", 200))

	result, err = tk.Idempotency.CheckOrBegin(ctx, "k1", "h1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeCompleted, result.Outcome)
	assert.Equal(t, 200, result.Code)

	token, acquired, err := tk.Locks.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = tk.Locks.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	released, err := tk.Locks.Release(ctx, "job-1", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = tk.Outbox.Publish(ctx, "Order", "42", "order.created", map[string]string{"id": "42"})
	require.NoError(t, err)
	assert.Equal(t, 1, tk.Outbox.Dispatcher().DispatchOnce(ctx).Delivered)

	pending, err := tk.Outbox.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestNew_FallbackUsesSharedBreakers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tk := newMemoryToolkit(t, DefaultConfig(), WithClock(clock.NewManual(epoch)))

	value, err := fallback.Execute(ctx, tk.Fallback, "rates",
		func(context.Context) (string, error) { return "1.08", nil },
		func(context.Context, error) (string, error) { return "", errors.New("unused") },
		time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "1.08", value)

	var fallbackCalls atomic.Int32

	value, err = fallback.ExecuteWithCachedFallback(ctx, tk.Fallback, "rates",
		func(context.Context) (string, error) { return "", errors.New("rates service down") },
		func(context.Context, error) (string, error) {
			fallbackCalls.Add(1)

			return "1.00", nil
		},
		time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "1.08", value)
	assert.Zero(t, fallbackCalls.Load())

	assert.Contains(t, tk.Breakers.Names(), "rates")
	assert.Contains(t, tk.Fallback.DegradationStatus(), "rates")
}

func TestNew_RedisBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)

	tk, err := New(ctx, redisConfig(mr.Addr()))
	require.NoError(t, err)

	result, err := tk.Idempotency.CheckOrBegin(ctx, "order-1", "h1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeNotSeen, result.Outcome)

	hasIdempotencyKey := false

	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "{reliability:idempotency}") {
			hasIdempotencyKey = true
		}
	}

	assert.True(t, hasIdempotencyKey, "idempotency records live in redis: %v", mr.Keys())

	token, acquired, err := tk.Locks.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.True(t, mr.Exists("reliability:lock:job-1"))

	released, err := tk.Locks.Release(ctx, "job-1", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = fallback.Execute(ctx, tk.Fallback, "rates",
		func(context.Context) (string, error) { return "1.08", nil },
		func(context.Context, error) (string, error) { return "", errors.New("unused") },
		time.Minute)
	require.NoError(t, err)

	cached, err := fallback.ExecuteWithCachedFallback(ctx, tk.Fallback, "rates",
		func(context.Context) (string, error) { return "", errors.New("down") },
		func(context.Context, error) (string, error) { return "synthetic", nil },
		time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "1.08", cached)

	require.NoError(t, tk.Shutdown(ctx))
	require.NoError(t, tk.Shutdown(ctx), "shutdown is idempotent")
}

type exchangeRate struct {
	Pair     string `json:"pair"`
	RateBps  int64  `json:"rateBps"`
	Provider string `json:"provider"`
}

func TestNew_RedisFallbackCacheKeepsResultTypes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)

	tk, err := New(ctx, redisConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tk.Shutdown(context.Background()) })

	var fallbackCalls atomic.Int32

	_, err = fallback.Execute(ctx, tk.Fallback, "balance",
		func(context.Context) (int, error) { return 42, nil },
		func(context.Context, error) (int, error) { return -1, nil },
		time.Minute)
	require.NoError(t, err)

	balance, err := fallback.ExecuteWithCachedFallback(ctx, tk.Fallback, "balance",
		func(context.Context) (int, error) { return 0, errors.New("ledger down") },
		func(context.Context, error) (int, error) {
			fallbackCalls.Add(1)

			return -1, nil
		},
		time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 42, balance)

	want := exchangeRate{Pair: "EURUSD", RateBps: 10800, Provider: "ecb"}

	_, err = fallback.Execute(ctx, tk.Fallback, "rates",
		func(context.Context) (exchangeRate, error) { return want, nil },
		func(context.Context, error) (exchangeRate, error) { return exchangeRate{}, nil },
		time.Minute)
	require.NoError(t, err)

	rate, err := fallback.ExecuteWithCachedFallback(ctx, tk.Fallback, "rates",
		func(context.Context) (exchangeRate, error) { return exchangeRate{}, errors.New("rates down") },
		func(context.Context, error) (exchangeRate, error) {
			fallbackCalls.Add(1)

			return exchangeRate{}, nil
		},
		time.Minute)
	require.NoError(t, err)
	assert.Equal(t, want, rate)
	assert.Zero(t, fallbackCalls.Load(), "a populated cache answers without the fallback")
}

func TestNew_RedisInjectedClientStaysOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)

	client, err := libRedis.New(ctx, libRedis.Config{
		Topology: libRedis.Topology{Standalone: &libRedis.StandaloneTopology{Address: mr.Addr()}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	tk, err := New(ctx, redisConfig("unused:6379"), WithRedisClient(client))
	require.NoError(t, err)
	require.NoError(t, tk.Shutdown(ctx))

	connected, err := client.IsConnected()
	require.NoError(t, err)
	assert.True(t, connected)
}

func TestNew_RedisUnreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), redisConfig(addr))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}

func TestToolkit_ReaperPurgesExpiredRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manual := clock.NewManual(epoch)

	cfg := DefaultConfig()
	cfg.ReaperInterval = time.Hour

	tk := newMemoryToolkit(t, cfg, WithClock(manual))
	require.NotNil(t, tk.Reaper())

	_, err := tk.Idempotency.CheckOrBegin(ctx, "k1", "h1")
	require.NoError(t, err)

	_, acquired, err := tk.Locks.TryAcquire(ctx, "job-1", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	removed, err := tk.Reaper().ReapOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	manual.Advance(25 * time.Hour)

	removed, err = tk.Reaper().ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestToolkit_ReaperSchedule(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ReaperSchedule = "@every 1m"

	tk := newMemoryToolkit(t, cfg)
	assert.NotNil(t, tk.Reaper())

	cfg.ReaperSchedule = "every minute"

	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestToolkit_RunUnderLauncher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.OutboxInterval = 10 * time.Millisecond
	cfg.ReaperInterval = 10 * time.Millisecond

	tk, err := New(ctx, cfg)
	require.NoError(t, err)

	var delivered atomic.Int32

	require.NoError(t, tk.Outbox.RegisterHandler("order.created", func(context.Context, *outbox.Event) error {
		delivered.Add(1)

		return nil
	}))

	launcher := reliability.NewLauncher(
		reliability.WithLogger(log.NewNop()),
		reliability.RunApp("reliability", tk),
	)

	done := make(chan error, 1)

	go func() { done <- launcher.RunWithError() }()

	_, err = tk.Outbox.Publish(ctx, "Order", "42", "order.created", map[string]string{"id": "42"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	require.NoError(t, tk.Shutdown(shutdownCtx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("launcher did not return after shutdown")
	}
}

func TestToolkit_NilReceiver(t *testing.T) {
	t.Parallel()

	var tk *Toolkit

	require.ErrorIs(t, tk.Run(nil), ErrNilToolkit)
	require.ErrorIs(t, tk.Shutdown(context.Background()), ErrNilToolkit)
	assert.Nil(t, tk.Reaper())
	assert.Equal(t, Config{}, tk.Config())
}
