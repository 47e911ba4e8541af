package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/LerianStudio/lib-reliability/reliability/runtime"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// errSlowCall makes gobreaker count a successful call as a failure once the
// slow-call ratio is reached. It never escapes Execute.
var errSlowCall = errors.New("circuitbreaker: slow call ratio reached")

// Option configures a Manager.
type Option func(*manager)

// WithMeterProvider sets the provider for the state change counter.
// Without it the global provider is used.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(m *manager) {
		if !nilcheck.Interface(provider) {
			m.meterProvider = provider
		}
	}
}

// WithDefaultConfig sets the configuration used by BreakerFor.
func WithDefaultConfig(cfg Config) Option {
	return func(m *manager) {
		m.defaultConfig = cfg
	}
}

type manager struct {
	breakers      map[string]*circuitBreaker
	listeners     []StateChangeListener
	mu            sync.RWMutex
	logger        log.Logger
	defaultConfig Config
	meterProvider metric.MeterProvider
	metrics       managerMetrics
}

// NewManager creates a circuit breaker manager. A nil logger discards logs.
func NewManager(logger log.Logger, opts ...Option) (Manager, error) {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	m := &manager{
		breakers:      make(map[string]*circuitBreaker),
		logger:        logger,
		defaultConfig: DefaultConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if err := m.defaultConfig.Validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}

	metrics, err := newManagerMetrics(m.meterProvider)
	if err != nil {
		return nil, err
	}

	m.metrics = metrics

	return m, nil
}

func (m *manager) GetOrCreate(serviceName string, config Config) (CircuitBreaker, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return nil, ErrEmptyName
	}

	m.mu.RLock()
	cb, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return cb, nil
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", serviceName, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[serviceName]; exists {
		return cb, nil
	}

	cb = &circuitBreaker{
		name:   serviceName,
		config: config,
		slow:   &slowCallWindow{},
	}
	cb.breaker.Store(m.newBreaker(cb))
	m.breakers[serviceName] = cb

	m.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker", log.String("breaker", serviceName))

	return cb, nil
}

func (m *manager) BreakerFor(serviceName string) (CircuitBreaker, error) {
	return m.GetOrCreate(serviceName, m.defaultConfig)
}

func (m *manager) newBreaker(cb *circuitBreaker) *gobreaker.CircuitBreaker {
	config := cb.config

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "service-" + cb.name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= config.ConsecutiveFailures {
				return true
			}

			if config.FailureRatio > 0 && counts.Requests > 0 && counts.Requests >= config.MinRequests {
				if float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio {
					return true
				}
			}

			calls, slowCalls := cb.slow.snapshot()

			return slowRatioReached(config, calls, slowCalls)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			cb.slow.reset(time.Now())
			m.handleStateChange(cb.name, convertGobreakerState(from), convertGobreakerState(to))
		},
	})
}

func (m *manager) lookup(serviceName string) (*circuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cb, ok := m.breakers[serviceName]

	return cb, ok
}

func (m *manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	cb, exists := m.lookup(serviceName)
	if !exists {
		return nil, fmt.Errorf("%w: %s (call GetOrCreate first)", ErrBreakerNotFound, serviceName)
	}

	result, err := cb.Execute(fn)
	if errors.Is(err, ErrOpen) {
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker is open, request rejected",
			log.String("breaker", serviceName))
	}

	return result, err
}

func (m *manager) GetState(serviceName string) State {
	cb, exists := m.lookup(serviceName)
	if !exists {
		return StateUnknown
	}

	return cb.State()
}

func (m *manager) GetCounts(serviceName string) Counts {
	cb, exists := m.lookup(serviceName)
	if !exists {
		return Counts{}
	}

	return cb.Counts()
}

func (m *manager) Stats(serviceName string) (Stats, bool) {
	cb, exists := m.lookup(serviceName)
	if !exists {
		return Stats{Name: serviceName, State: StateUnknown, FailureRate: -1, SlowCallRate: -1}, false
	}

	return cb.Stats(), true
}

func (m *manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))

	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	slices.Sort(names)

	return names
}

func (m *manager) IsHealthy(serviceName string) bool {
	state := m.GetState(serviceName)
	// OPEN and HALF-OPEN both need health checker intervention.
	isHealthy := state == StateClosed

	if m.logger.Enabled(log.LevelDebug) {
		m.logger.Log(context.Background(), log.LevelDebug, "circuit breaker health check",
			log.String("breaker", serviceName),
			log.String("state", string(state)),
			log.Bool("healthy", isHealthy))
	}

	return isHealthy
}

func (m *manager) Reset(serviceName string) {
	cb, exists := m.lookup(serviceName)
	if !exists {
		return
	}

	cb.slow.reset(time.Now())
	cb.breaker.Store(m.newBreaker(cb))

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("breaker", serviceName))
}

// RegisterStateChangeListener registers a listener for state change notifications.
func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		m.logger.Log(context.Background(), log.LevelWarn, "attempted to register a nil state change listener")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *manager) handleStateChange(serviceName string, from State, to State) {
	ctx := context.Background()

	level := log.LevelInfo
	if to == StateOpen {
		level = log.LevelError
	}

	m.logger.Log(ctx, level, "circuit breaker state changed",
		log.String("breaker", serviceName),
		log.String("from", string(from)),
		log.String("to", string(to)))

	m.metrics.stateChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", serviceName),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))

	m.mu.RLock()
	listeners := slices.Clone(m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		// gobreaker holds its own lock while calling OnStateChange.
		runtime.SafeGo(m.logger, "circuitbreaker.state_change_listener", runtime.KeepRunning, func() {
			listener.OnStateChange(serviceName, from, to)
		})
	}
}

type circuitBreaker struct {
	name    string
	config  Config
	slow    *slowCallWindow
	breaker atomic.Pointer[gobreaker.CircuitBreaker]
}

// Execute runs fn through the breaker. Rejections wrap ErrOpen or
// ErrTooManyRequests.
func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	result, err := cb.breaker.Load().Execute(func() (any, error) {
		if cb.config.SlowCallDuration <= 0 {
			return fn()
		}

		started := time.Now()
		res, callErr := fn()
		finished := time.Now()

		slowCall := finished.Sub(started) >= cb.config.SlowCallDuration
		calls, slowCalls := cb.slow.record(slowCall, finished, cb.config.Interval)

		if callErr == nil && slowCall && slowRatioReached(cb.config, calls, slowCalls) {
			return res, errSlowCall
		}

		return res, callErr
	})

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, errSlowCall):
		return result, nil
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, fmt.Errorf("%w: service %s is currently unavailable: %w", ErrOpen, cb.name, err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: service %s is recovering: %w", ErrTooManyRequests, cb.name, err)
	default:
		return result, err
	}
}

func (cb *circuitBreaker) State() State {
	return convertGobreakerState(cb.breaker.Load().State())
}

func (cb *circuitBreaker) Counts() Counts {
	counts := cb.breaker.Load().Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func (cb *circuitBreaker) Stats() Stats {
	state := cb.State()
	counts := cb.Counts()
	calls, slowCalls := cb.slow.snapshot()

	slowRate := float64(-1)
	if cb.config.SlowCallDuration > 0 {
		slowRate = percentage(slowCalls, calls, cb.config.MinRequests)
	}

	return Stats{
		Name:         cb.name,
		State:        state,
		FailureRate:  percentage(counts.TotalFailures, counts.Requests, cb.config.MinRequests),
		SlowCallRate: slowRate,
		SlowCalls:    slowCalls,
		Counts:       counts,
	}
}

func convertGobreakerState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
