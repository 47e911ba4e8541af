//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/internal/metrictest"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var errService = errors.New("service error")

func newTestManager(t *testing.T, opts ...Option) (Manager, *sdkmetric.ManualReader) {
	t.Helper()

	provider, reader := metrictest.NewProvider()

	m, err := NewManager(log.NewNop(), append([]Option{WithMeterProvider(provider)}, opts...)...)
	require.NoError(t, err)

	return m, reader
}

func tripConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             50 * time.Millisecond,
		ConsecutiveFailures: 3,
		FailureRatio:        0.5,
		MinRequests:         4,
	}
}

func fail() (any, error) { return nil, errService }

func TestCircuitBreaker_InitialState(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	_, err := m.GetOrCreate("test-service", DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, StateClosed, m.GetState("test-service"))
	assert.True(t, m.IsHealthy("test-service"))
}

func TestCircuitBreaker_OpenStateFastFails(t *testing.T) {
	t.Parallel()

	m, reader := newTestManager(t)

	_, err := m.GetOrCreate("test-service", tripConfig())
	require.NoError(t, err)

	for range 3 {
		_, err := m.Execute("test-service", fail)
		require.ErrorIs(t, err, errService)
	}

	assert.Equal(t, StateOpen, m.GetState("test-service"))
	assert.False(t, m.IsHealthy("test-service"))

	called := false
	_, err = m.Execute("test-service", func() (any, error) {
		called = true
		return nil, nil
	})

	require.ErrorIs(t, err, ErrOpen)
	assert.Contains(t, err.Error(), "test-service")
	assert.False(t, called)

	assert.Equal(t, int64(1), metrictest.Int64Sum(t, reader, "circuit_breaker.state_changes",
		"name", "test-service", "from", "closed", "to", "open"))
}

func TestCircuitBreaker_SuccessfulExecution(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	cb, err := m.GetOrCreate("test-service", DefaultConfig())
	require.NoError(t, err)

	result, err := cb.Execute(func() (any, error) { return "success", nil })
	require.NoError(t, err)
	assert.Equal(t, "success", result)

	counts := m.GetCounts("test-service")
	assert.Equal(t, uint32(1), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Zero(t, counts.TotalFailures)
}

func TestCircuitBreaker_FailureRatioTrips(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	cfg := tripConfig()
	cfg.ConsecutiveFailures = 0

	cb, err := m.GetOrCreate("ratio", cfg)
	require.NoError(t, err)

	ok := func() (any, error) { return "ok", nil }

	for _, fn := range []func() (any, error){ok, fail, ok} {
		_, _ = cb.Execute(fn)
	}

	assert.Equal(t, StateClosed, cb.State(), "ratio is not evaluated below MinRequests")

	_, _ = cb.Execute(fail)

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	cb, err := m.GetOrCreate("recovering", tripConfig())
	require.NoError(t, err)

	for range 3 {
		_, _ = cb.Execute(fail)
	}

	require.Equal(t, StateOpen, cb.State())

	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 10*time.Millisecond)

	result, err := cb.Execute(func() (any, error) { return "back", nil })
	require.NoError(t, err)
	assert.Equal(t, "back", result)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SlowCallsTrip(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	cb, err := m.GetOrCreate("slow", Config{
		MaxRequests:      1,
		Timeout:          time.Minute,
		MinRequests:      2,
		SlowCallDuration: 5 * time.Millisecond,
		SlowCallRatio:    0.5,
	})
	require.NoError(t, err)

	slowOK := func() (any, error) {
		time.Sleep(15 * time.Millisecond)
		return "late", nil
	}

	for range 2 {
		result, err := cb.Execute(slowOK)
		require.NoError(t, err, "a slow success is still a success for the caller")
		assert.Equal(t, "late", result)
	}

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Stats(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	cfg := tripConfig()
	cfg.ConsecutiveFailures = 10
	cfg.FailureRatio = 0.9
	cfg.SlowCallDuration = time.Hour
	cfg.SlowCallRatio = 1

	cb, err := m.GetOrCreate("stats", cfg)
	require.NoError(t, err)

	stats := cb.Stats()
	assert.Equal(t, "stats", stats.Name)
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, float64(-1), stats.FailureRate)
	assert.Equal(t, float64(-1), stats.SlowCallRate)

	for _, fn := range []func() (any, error){fail, fail, fail} {
		_, _ = cb.Execute(fn)
	}

	_, _ = cb.Execute(func() (any, error) { return nil, nil })

	stats, ok := m.Stats("stats")
	require.True(t, ok)
	assert.InDelta(t, 75.0, stats.FailureRate, 0.001)
	assert.InDelta(t, 0.0, stats.SlowCallRate, 0.001)
	assert.Equal(t, uint32(4), stats.Counts.Requests)

	stats, ok = m.Stats("missing")
	assert.False(t, ok)
	assert.Equal(t, StateUnknown, stats.State)
}

func TestManager_ResetClosesExistingHandles(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	cb, err := m.GetOrCreate("reset", tripConfig())
	require.NoError(t, err)

	for range 3 {
		_, _ = cb.Execute(fail)
	}

	require.Equal(t, StateOpen, cb.State())

	m.Reset("reset")
	m.Reset("unknown")

	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().Requests)
}

func TestManager_ExecuteUnknownBreaker(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	_, err := m.Execute("nope", func() (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrBreakerNotFound)

	assert.Equal(t, StateUnknown, m.GetState("nope"))
	assert.Equal(t, Counts{}, m.GetCounts("nope"))
	assert.False(t, m.IsHealthy("nope"))
}

func TestManager_GetOrCreateKeepsFirstConfig(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	first, err := m.GetOrCreate("svc", tripConfig())
	require.NoError(t, err)

	second, err := m.GetOrCreate("svc", Config{})
	require.NoError(t, err, "existing breakers ignore the new config")
	assert.Same(t, first, second)

	_, err = m.GetOrCreate("  ", DefaultConfig())
	require.ErrorIs(t, err, ErrEmptyName)

	_, err = m.GetOrCreate("bad", Config{FailureRatio: 2})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManager_BreakerForAndNames(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, WithDefaultConfig(AggressiveConfig()))

	_, err := m.BreakerFor("payments")
	require.NoError(t, err)
	_, err = m.BreakerFor("accounts")
	require.NoError(t, err)

	assert.Equal(t, []string{"accounts", "payments"}, m.Names())
}

func TestNewManager_RejectsInvalidDefaultConfig(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil, WithDefaultConfig(Config{}))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

type recordingListener struct {
	mu      sync.Mutex
	changes []string
}

func (l *recordingListener) OnStateChange(name string, from State, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.changes = append(l.changes, name+":"+string(from)+"->"+string(to))
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.changes...)
}

type panickingListener struct{}

func (panickingListener) OnStateChange(string, State, State) { panic("listener boom") }

func TestManager_NotifiesListeners(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	listener := &recordingListener{}
	m.RegisterStateChangeListener(panickingListener{})
	m.RegisterStateChangeListener(listener)
	m.RegisterStateChangeListener(nil)

	cb, err := m.GetOrCreate("notify", tripConfig())
	require.NoError(t, err)

	for range 3 {
		_, _ = cb.Execute(fail)
	}

	require.Eventually(t, func() bool {
		return len(listener.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"notify:closed->open"}, listener.snapshot())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	presets := map[string]Config{
		"default":      DefaultConfig(),
		"aggressive":   AggressiveConfig(),
		"conservative": ConservativeConfig(),
		"http":         HTTPServiceConfig(),
		"database":     DatabaseConfig(),
	}

	for name, cfg := range presets {
		assert.NoError(t, cfg.Validate(), name)
	}

	invalid := []Config{
		{},
		{ConsecutiveFailures: 1, FailureRatio: -0.1},
		{ConsecutiveFailures: 1, SlowCallRatio: 1.5},
		{ConsecutiveFailures: 1, Timeout: -time.Second},
	}

	for _, cfg := range invalid {
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "%+v", cfg)
	}
}

func TestCircuitBreaker_ContextErrorsCountAsFailures(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	cb, err := m.GetOrCreate("ctx", tripConfig())
	require.NoError(t, err)

	_, err = cb.Execute(func() (any, error) { return nil, context.DeadlineExceeded })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures)
}
