package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/circuitbreaker"
	"github.com/LerianStudio/lib-reliability/reliability/clock"
	"github.com/LerianStudio/lib-reliability/reliability/codec"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliability/reliability/opentelemetry"
	"github.com/LerianStudio/lib-reliability/reliability/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// BreakerProvider hands out circuit breakers by name.
// circuitbreaker.Manager satisfies it.
type BreakerProvider interface {
	BreakerFor(name string) (circuitbreaker.CircuitBreaker, error)
	Names() []string
}

// Status is the degradation snapshot of one breaker. Rates are percentages,
// or -1 while the breaker has too few calls to compute them.
type Status struct {
	Name            string  `json:"name"`
	State           string  `json:"state"`
	FailureRate     float64 `json:"failureRate"`
	SlowCallRate    float64 `json:"slowCallRate"`
	FailedCalls     uint32  `json:"failedCalls"`
	SuccessfulCalls uint32  `json:"successfulCalls"`
	Requests        uint32  `json:"requests"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for cache expiry.
func WithClock(c clock.Clock) Option {
	return func(coordinator *Coordinator) {
		if !nilcheck.Interface(c) {
			coordinator.clock = c
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger log.Logger) Option {
	return func(coordinator *Coordinator) {
		if !nilcheck.Interface(logger) {
			coordinator.logger = logger
		}
	}
}

// WithTracer sets the tracer used for coordinator spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(coordinator *Coordinator) {
		if !nilcheck.Interface(tracer) {
			coordinator.tracer = tracer
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(coordinator *Coordinator) {
		if !nilcheck.Interface(provider) {
			coordinator.meterProvider = provider
		}
	}
}

// WithFallbackFilter decides which primary errors degrade. Errors it
// rejects are returned to the caller unchanged. By default every error
// degrades.
func WithFallbackFilter(shouldFallback func(error) bool) Option {
	return func(coordinator *Coordinator) {
		if shouldFallback != nil {
			coordinator.shouldFallback = shouldFallback
		}
	}
}

// Coordinator wraps calls in named circuit breakers and degrades to cached
// or fallback values.
type Coordinator struct {
	breakers       BreakerProvider
	cache          store.Store[json.RawMessage]
	clock          clock.Clock
	logger         log.Logger
	tracer         trace.Tracer
	meterProvider  metric.MeterProvider
	shouldFallback func(error) bool
	metrics        coordinatorMetrics
}

// NewCoordinator creates a Coordinator. A nil cache uses an in-memory store.
// Cached results are held as JSON and decoded into the caller's type on read,
// so the same cache serves every backend.
func NewCoordinator(breakers BreakerProvider, cache store.Store[json.RawMessage], opts ...Option) (*Coordinator, error) {
	if nilcheck.Interface(breakers) {
		return nil, ErrNilProvider
	}

	coordinator := &Coordinator{
		breakers:       breakers,
		clock:          clock.System{},
		logger:         log.NewNop(),
		tracer:         noop.NewTracerProvider().Tracer("reliability.noop"),
		shouldFallback: func(error) bool { return true },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}

	if nilcheck.Interface(cache) {
		cache = store.NewMemory[json.RawMessage](store.WithClock(coordinator.clock))
	}

	coordinator.cache = cache

	metrics, err := newCoordinatorMetrics(coordinator.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init fallback metrics: %w", err)
	}

	coordinator.metrics = metrics

	return coordinator, nil
}

// Execute runs primary through the breaker named name. On success the value
// is cached for cacheTTL when cacheTTL is positive. On failure fallback is
// called with the primary error.
func Execute[T any](
	ctx context.Context,
	c *Coordinator,
	name string,
	primary func(context.Context) (T, error),
	fallback func(ctx context.Context, cause error) (T, error),
	cacheTTL time.Duration,
) (T, error) {
	return execute(ctx, c, name, primary, fallback, cacheTTL, false)
}

// ExecuteWithCachedFallback is Execute, but a failed primary is answered from
// the cache when a live value exists, and fallback runs only on a cache miss.
func ExecuteWithCachedFallback[T any](
	ctx context.Context,
	c *Coordinator,
	name string,
	primary func(context.Context) (T, error),
	fallback func(ctx context.Context, cause error) (T, error),
	cacheTTL time.Duration,
) (T, error) {
	return execute(ctx, c, name, primary, fallback, cacheTTL, true)
}

func execute[T any](
	ctx context.Context,
	c *Coordinator,
	name string,
	primary func(context.Context) (T, error),
	fallback func(ctx context.Context, cause error) (T, error),
	cacheTTL time.Duration,
	preferCache bool,
) (T, error) {
	var zero T

	if c == nil {
		return zero, ErrNilCoordinator
	}

	if ctx == nil {
		ctx = context.Background()
	}

	name = strings.TrimSpace(name)

	switch {
	case name == "":
		return zero, ErrEmptyName
	case primary == nil:
		return zero, ErrNilPrimary
	case fallback == nil:
		return zero, ErrNilFallback
	}

	ctx, span := c.tracer.Start(ctx, "fallback.execute")
	defer span.End()

	span.SetAttributes(attribute.String("fallback.name", name), attribute.Bool("fallback.prefer_cache", preferCache))

	breaker, err := c.breakers.BreakerFor(name)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "resolve circuit breaker", err)

		return zero, fmt.Errorf("resolve circuit breaker %s: %w", name, err)
	}

	raw, primaryErr := breaker.Execute(func() (any, error) {
		return primary(ctx)
	})
	if primaryErr == nil {
		value, _ := raw.(T)

		if cacheTTL > 0 {
			c.cacheResult(ctx, name, value, cacheTTL)
		}

		span.SetAttributes(attribute.String("fallback.source", "primary"))

		return value, nil
	}

	if !c.shouldFallback(primaryErr) {
		libOpentelemetry.HandleSpanError(span, "primary action failed", primaryErr)

		return zero, primaryErr
	}

	if preferCache {
		c.logger.Log(ctx, log.LevelWarn, "primary action failed, checking fallback cache",
			log.String("name", name), log.Err(primaryErr))

		if value, ok := cachedValue[T](ctx, c, name); ok {
			c.metrics.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
			c.logger.Log(ctx, log.LevelInfo, "using cached fallback", log.String("name", name))
			span.SetAttributes(attribute.String("fallback.source", "cache"))

			return value, nil
		}
	} else {
		c.logger.Log(ctx, log.LevelWarn, "primary action failed, using fallback",
			log.String("name", name), log.Err(primaryErr))
	}

	return useFallback(ctx, c, span, name, fallback, primaryErr)
}

func useFallback[T any](
	ctx context.Context,
	c *Coordinator,
	span trace.Span,
	name string,
	fallback func(ctx context.Context, cause error) (T, error),
	primaryErr error,
) (T, error) {
	c.metrics.fallbackUsed.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
	c.metrics.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("error", errorKind(primaryErr)),
	))

	span.SetAttributes(attribute.String("fallback.source", "fallback"))

	value, fallbackErr := fallback(ctx, primaryErr)
	if fallbackErr != nil {
		composite := &CompositeError{Name: name, Primary: primaryErr, Fallback: fallbackErr}

		c.logger.Log(ctx, log.LevelError, "fallback also failed",
			log.String("name", name), log.Err(fallbackErr))
		libOpentelemetry.HandleSpanError(span, "primary and fallback failed", composite)

		var zero T

		return zero, composite
	}

	return value, nil
}

func (c *Coordinator) cacheResult(ctx context.Context, name string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Log(ctx, log.LevelWarn, "primary result is not cacheable",
			log.String("name", name), log.Err(fmt.Errorf("%w: encode %T: %w", codec.ErrSerialization, value, err)))

		return
	}

	_, err = c.cache.Put(ctx, store.Entry[json.RawMessage]{
		Key:       name,
		Value:     raw,
		ExpiresAt: c.clock.Now().Add(ttl),
	})
	if err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to cache primary result",
			log.String("name", name), log.Err(err))
	}
}

func cachedValue[T any](ctx context.Context, c *Coordinator, name string) (T, bool) {
	var zero T

	entry, ok, err := c.cache.Get(ctx, name)
	if err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to read fallback cache",
			log.String("name", name), log.Err(err))

		return zero, false
	}

	if !ok {
		return zero, false
	}

	var value T
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "cached fallback does not decode into the requested type",
			log.String("name", name), log.String("type", fmt.Sprintf("%T", zero)), log.Err(err))

		return zero, false
	}

	return value, true
}

// Forget drops the cached value for name.
func (c *Coordinator) Forget(ctx context.Context, name string) error {
	if c == nil {
		return ErrNilCoordinator
	}

	return c.cache.Delete(ctx, strings.TrimSpace(name))
}

// IsDegraded reports whether the breaker for name is open or half-open,
// whether or not a cached value exists.
func (c *Coordinator) IsDegraded(name string) bool {
	if c == nil {
		return false
	}

	breaker, err := c.breakers.BreakerFor(strings.TrimSpace(name))
	if err != nil {
		return false
	}

	state := breaker.State()

	return state == circuitbreaker.StateOpen || state == circuitbreaker.StateHalfOpen
}

// DegradationStatus returns a snapshot of every known breaker keyed by name.
func (c *Coordinator) DegradationStatus() map[string]Status {
	if c == nil {
		return map[string]Status{}
	}

	names := c.breakers.Names()
	status := make(map[string]Status, len(names))

	for _, name := range names {
		breaker, err := c.breakers.BreakerFor(name)
		if err != nil {
			continue
		}

		stats := breaker.Stats()
		status[name] = Status{
			Name:            name,
			State:           string(stats.State),
			FailureRate:     stats.FailureRate,
			SlowCallRate:    stats.SlowCallRate,
			FailedCalls:     stats.Counts.TotalFailures,
			SuccessfulCalls: stats.Counts.TotalSuccesses,
			Requests:        stats.Counts.Requests,
		}
	}

	return status
}
