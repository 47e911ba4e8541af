package idempotency

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability"
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

const (
	// DefaultTTL is how long a record is retained after CheckOrBegin.
	DefaultTTL = 24 * time.Hour

	maxTransitionAttempts = 8
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for CreatedAt and ExpiresAt.
func WithClock(c clock.Clock) Option {
	return func(coordinator *Coordinator) {
		if !nilcheck.Interface(c) {
			coordinator.clock = c
		}
	}
}

// WithTTL sets the default record TTL.
func WithTTL(ttl time.Duration) Option {
	return func(coordinator *Coordinator) {
		if ttl > 0 {
			coordinator.ttl = ttl
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

// WithSerializer sets the serializer Complete uses for responses.
func WithSerializer(serializer codec.Serializer) Option {
	return func(coordinator *Coordinator) {
		if !nilcheck.Interface(serializer) {
			coordinator.serializer = serializer
		}
	}
}

// Coordinator deduplicates operations by idempotency key. It is safe for
// concurrent use; all atomicity comes from the injected store.
type Coordinator struct {
	store         store.Store[Record]
	clock         clock.Clock
	ttl           time.Duration
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	serializer    codec.Serializer
	metrics       coordinatorMetrics
}

// NewCoordinator creates a Coordinator over records.
func NewCoordinator(records store.Store[Record], opts ...Option) (*Coordinator, error) {
	if nilcheck.Interface(records) {
		return nil, ErrStoreRequired
	}

	coordinator := &Coordinator{
		store:      records,
		clock:      clock.System{},
		ttl:        DefaultTTL,
		logger:     log.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("reliability.noop"),
		serializer: codec.JSON{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}

	metrics, err := newCoordinatorMetrics(coordinator.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init idempotency metrics: %w", err)
	}

	coordinator.metrics = metrics

	return coordinator, nil
}

// TTL returns the default record TTL.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}

// CheckOrBegin looks up key and, when absent, records it as PROCESSING with
// the default TTL.
func (c *Coordinator) CheckOrBegin(ctx context.Context, key, fingerprint string) (Result, error) {
	return c.CheckOrBeginTTL(ctx, key, fingerprint, c.ttl)
}

// CheckOrBeginTTL is CheckOrBegin with an explicit TTL. A non-positive ttl
// uses the default.
func (c *Coordinator) CheckOrBeginTTL(ctx context.Context, key, fingerprint string, ttl time.Duration) (Result, error) {
	if c == nil {
		return Result{}, ErrCoordinatorRequired
	}

	ctx, span := c.tracer.Start(ctx, "idempotency.check_or_begin")
	defer span.End()

	scoped, err := scopedKey(ctx, key)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid idempotency key", err)

		return Result{}, err
	}

	if strings.TrimSpace(fingerprint) == "" {
		libOpentelemetry.HandleSpanError(span, "missing fingerprint", ErrFingerprintRequired)

		return Result{}, ErrFingerprintRequired
	}

	if ttl <= 0 {
		ttl = c.ttl
	}

	for range maxTransitionAttempts {
		now := c.clock.Now()
		record := Record{
			Key:         scoped,
			Fingerprint: fingerprint,
			Status:      StatusProcessing,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}

		existing, inserted, err := c.store.PutIfAbsent(ctx, store.Entry[Record]{
			Key:       scoped,
			Value:     record,
			ExpiresAt: record.ExpiresAt,
		})
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "idempotency store failed", err)

			return Result{}, fmt.Errorf("check idempotency key: %w", err)
		}

		if inserted {
			c.metrics.misses.Add(ctx, 1)
			span.SetAttributes(attribute.String("idempotency.outcome", OutcomeNotSeen.String()))

			return Result{Outcome: OutcomeNotSeen}, nil
		}

		result, retry, err := c.resolveExisting(ctx, existing, record)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "idempotency store failed", err)

			return Result{}, err
		}

		if retry {
			continue
		}

		span.SetAttributes(attribute.String("idempotency.outcome", result.Outcome.String()))

		return result, nil
	}

	libOpentelemetry.HandleSpanError(span, "idempotency record contention", ErrContention)

	return Result{}, ErrContention
}

// resolveExisting classifies a live record found by PutIfAbsent. A FAILED
// record is replaced by the fresh PROCESSING one; retry reports a lost race.
func (c *Coordinator) resolveExisting(ctx context.Context, existing store.Entry[Record], fresh Record) (Result, bool, error) {
	stored := existing.Value

	if stored.Fingerprint != fresh.Fingerprint {
		c.metrics.conflicts.Add(ctx, 1)
		c.logger.Log(ctx, log.LevelWarn, "idempotency key reused with a different request",
			log.String("idempotency_key", fresh.Key),
		)

		return Result{Outcome: OutcomeConflict}, false, nil
	}

	switch stored.Status {
	case StatusProcessing:
		c.metrics.hits.Add(ctx, 1)

		return Result{Outcome: OutcomeInProgress}, false, nil
	case StatusCompleted:
		c.metrics.hits.Add(ctx, 1)

		return Result{
			Outcome: OutcomeCompleted,
			Payload: bytes.Clone(stored.ResponsePayload),
			Code:    stored.ResponseCode,
		}, false, nil
	default:
		swapped, err := c.store.CompareAndSwap(ctx, existing, store.Entry[Record]{
			Key:       fresh.Key,
			Value:     fresh,
			ExpiresAt: fresh.ExpiresAt,
		})
		if err != nil {
			return Result{}, false, fmt.Errorf("restart failed idempotency record: %w", err)
		}

		if !swapped {
			return Result{}, true, nil
		}

		c.metrics.misses.Add(ctx, 1)

		return Result{Outcome: OutcomeNotSeen}, false, nil
	}
}

// Complete serializes response and stores it as the replay value for key.
func (c *Coordinator) Complete(ctx context.Context, key string, response any, code int) error {
	if c == nil {
		return ErrCoordinatorRequired
	}

	payload, err := c.serializer.Encode(response)
	if err != nil {
		c.logger.Log(ctx, log.LevelError, "failed to serialize idempotent response", log.Err(err))

		return fmt.Errorf("complete idempotency key: %w", err)
	}

	return c.CompleteRaw(ctx, key, payload, code)
}

// CompleteRaw transitions key from PROCESSING to COMPLETED with an already
// encoded payload. The record keeps its original expiry.
func (c *Coordinator) CompleteRaw(ctx context.Context, key string, payload []byte, code int) error {
	if c == nil {
		return ErrCoordinatorRequired
	}

	ctx, span := c.tracer.Start(ctx, "idempotency.complete")
	defer span.End()

	scoped, err := scopedKey(ctx, key)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid idempotency key", err)

		return err
	}

	for range maxTransitionAttempts {
		current, ok, err := c.store.Get(ctx, scoped)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "idempotency store failed", err)

			return fmt.Errorf("complete idempotency key: %w", err)
		}

		if !ok {
			c.logger.Log(ctx, log.LevelWarn, "completing unknown idempotency key",
				log.String("idempotency_key", scoped),
			)

			return ErrRecordNotFound
		}

		if current.Value.Status != StatusProcessing {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Value.Status, StatusCompleted)
		}

		completed := current.Value.clone()
		completed.Status = StatusCompleted
		completed.ResponsePayload = bytes.Clone(payload)
		completed.ResponseCode = code

		swapped, err := c.store.CompareAndSwap(ctx, current, store.Entry[Record]{
			Key:       scoped,
			Value:     completed,
			ExpiresAt: current.ExpiresAt,
		})
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "idempotency store failed", err)

			return fmt.Errorf("complete idempotency key: %w", err)
		}

		if swapped {
			if c.logger.Enabled(log.LevelDebug) {
				c.logger.Log(ctx, log.LevelDebug, "idempotent processing completed",
					log.String("idempotency_key", scoped), log.Int("response_code", code))
			}

			return nil
		}
	}

	libOpentelemetry.HandleSpanError(span, "idempotency record contention", ErrContention)

	return ErrContention
}

// Fail removes a PROCESSING record so the next attempt with the same key is
// treated as new. Completed records are left untouched, and failing an
// unknown key is a no-op.
func (c *Coordinator) Fail(ctx context.Context, key string) error {
	if c == nil {
		return ErrCoordinatorRequired
	}

	ctx, span := c.tracer.Start(ctx, "idempotency.fail")
	defer span.End()

	scoped, err := scopedKey(ctx, key)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid idempotency key", err)

		return err
	}

	for range maxTransitionAttempts {
		current, ok, err := c.store.Get(ctx, scoped)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "idempotency store failed", err)

			return fmt.Errorf("fail idempotency key: %w", err)
		}

		if !ok || current.Value.Status == StatusCompleted {
			return nil
		}

		deleted, err := c.store.CompareAndDelete(ctx, current)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "idempotency store failed", err)

			return fmt.Errorf("fail idempotency key: %w", err)
		}

		if deleted {
			if c.logger.Enabled(log.LevelDebug) {
				c.logger.Log(ctx, log.LevelDebug, "idempotent processing failed", log.String("idempotency_key", scoped))
			}

			return nil
		}
	}

	libOpentelemetry.HandleSpanError(span, "idempotency record contention", ErrContention)

	return ErrContention
}

// Get returns the live record for key.
func (c *Coordinator) Get(ctx context.Context, key string) (Record, bool, error) {
	if c == nil {
		return Record{}, false, ErrCoordinatorRequired
	}

	scoped, err := scopedKey(ctx, key)
	if err != nil {
		return Record{}, false, err
	}

	entry, ok, err := c.store.Get(ctx, scoped)
	if err != nil {
		return Record{}, false, fmt.Errorf("get idempotency key: %w", err)
	}

	if !ok {
		return Record{}, false, nil
	}

	return entry.Value.clone(), true, nil
}

// scopedKey trims key and prefixes it with the context tenant, if any.
func scopedKey(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKeyRequired
	}

	if tenantID := reliability.TenantIDFromContext(ctx); tenantID != "" {
		return tenantID + ":" + key, nil
	}

	return key, nil
}
