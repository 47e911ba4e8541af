package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-reliability/reliability"
	"github.com/LerianStudio/lib-reliability/reliability/clock"
	"github.com/LerianStudio/lib-reliability/reliability/codec"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliability/reliability/opentelemetry"
)

// Option configures an Outbox.
type Option func(*Outbox)

// WithSerializer sets the serializer used by Publish. Defaults to codec.JSON.
func WithSerializer(serializer codec.Serializer) Option {
	return func(o *Outbox) {
		if !nilcheck.Interface(serializer) {
			o.serializer = serializer
		}
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Outbox) {
		if !nilcheck.Interface(c) {
			o.clock = c
		}
	}
}

// WithLogger sets the outbox and dispatcher logger.
func WithLogger(logger log.Logger) Option {
	return func(o *Outbox) {
		if !nilcheck.Interface(logger) {
			o.logger = logger
		}
	}
}

// WithTracer sets the outbox and dispatcher tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Outbox) {
		if !nilcheck.Interface(tracer) {
			o.tracer = tracer
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Outbox) {
		if !nilcheck.Interface(provider) {
			o.meterProvider = provider
		}
	}
}

// WithEventSink makes sink the default handler for event types without a
// registered handler.
func WithEventSink(sink EventSink) Option {
	return func(o *Outbox) {
		if !nilcheck.Interface(sink) {
			o.sink = sink
		}
	}
}

// WithDispatcherOptions passes options to the dispatcher built by New.
func WithDispatcherOptions(opts ...DispatcherOption) Option {
	return func(o *Outbox) {
		o.dispatcherOpts = append(o.dispatcherOpts, opts...)
	}
}

// Outbox appends events and owns the dispatcher that delivers them.
type Outbox struct {
	repo           Repository
	handlers       *HandlerRegistry
	dispatcher     *Dispatcher
	serializer     codec.Serializer
	clock          clock.Clock
	logger         log.Logger
	tracer         trace.Tracer
	meterProvider  metric.MeterProvider
	sink           EventSink
	dispatcherOpts []DispatcherOption
	metrics        outboxMetrics
}

// New creates an Outbox over repo. A nil registry starts empty.
//
// When the registry has no default handler, unregistered event types go to
// the sink set with WithEventSink or, without one, are logged and treated as
// delivered. Call SetDefault on the registry to override either.
func New(repo Repository, handlers *HandlerRegistry, opts ...Option) (*Outbox, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		handlers = NewHandlerRegistry()
	}

	o := &Outbox{
		repo:       repo,
		handlers:   handlers,
		serializer: codec.JSON{},
		clock:      clock.System{},
		logger:     log.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("reliability.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	if !handlers.HasDefault() {
		fallback := LoggingHandler(o.logger)

		if o.sink != nil {
			sinkHandler, err := SinkHandler(o.sink)
			if err != nil {
				return nil, err
			}

			fallback = sinkHandler
		}

		if err := handlers.SetDefault(fallback); err != nil {
			return nil, err
		}
	}

	metrics, err := newOutboxMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	o.metrics = metrics

	dispatcherOpts := append([]DispatcherOption{
		WithDispatcherClock(o.clock),
		WithDispatcherMeterProvider(o.meterProvider),
	}, o.dispatcherOpts...)

	o.dispatcher, err = NewDispatcher(repo, handlers, o.logger, o.tracer, dispatcherOpts...)
	if err != nil {
		return nil, err
	}

	return o, nil
}

// Publish serializes payload and appends it as a pending event. The trace
// context and tenant of ctx travel with the event to its handler.
func (o *Outbox) Publish(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) (*Event, error) {
	if o == nil {
		return nil, ErrOutboxRequired
	}

	data, err := o.serializer.Encode(payload)
	if err != nil {
		if !errors.Is(err, codec.ErrSerialization) {
			err = fmt.Errorf("%w: %w", codec.ErrSerialization, err)
		}

		o.logger.Log(ctx, log.LevelError, "failed to serialize outbox event payload",
			log.String("event_type", eventType), log.Err(err))

		return nil, fmt.Errorf("publish %s: %w", eventType, err)
	}

	return o.PublishRaw(ctx, aggregateType, aggregateID, eventType, data)
}

// PublishRaw appends an already serialized payload as a pending event.
func (o *Outbox) PublishRaw(ctx context.Context, aggregateType, aggregateID, eventType string, payload []byte) (*Event, error) {
	if o == nil {
		return nil, ErrOutboxRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := o.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.String("outbox.event_type", eventType),
		attribute.String("outbox.aggregate_type", aggregateType),
	))
	defer span.End()

	event, err := NewEvent(ctx, aggregateType, aggregateID, eventType, payload, o.clock.Now())
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid outbox event", err)

		return nil, err
	}

	if headers := libOpentelemetry.InjectTraceContext(ctx); len(headers) > 0 {
		event.Headers = headers
	}

	event.TenantID = reliability.TenantIDFromContext(ctx)

	if err := o.repo.Append(ctx, event); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to append outbox event", err)

		return nil, fmt.Errorf("append outbox event: %w", err)
	}

	span.SetAttributes(attribute.String("outbox.event_id", event.ID.String()))
	o.metrics.published.Add(ctx, 1, metricEventType(event.EventType))

	if o.logger.Enabled(log.LevelDebug) {
		o.logger.Log(ctx, log.LevelDebug, "added event to outbox",
			log.String("event_id", event.ID.String()),
			log.String("aggregate_type", event.AggregateType),
			log.String("aggregate_id", event.AggregateID),
			log.String("event_type", event.EventType),
		)
	}

	return event.Clone(), nil
}

// RegisterHandler associates handler with eventType.
func (o *Outbox) RegisterHandler(eventType string, handler EventHandler) error {
	if o == nil {
		return ErrOutboxRequired
	}

	if err := o.handlers.Register(eventType, handler); err != nil {
		return err
	}

	o.logger.Log(context.Background(), log.LevelInfo, "registered outbox handler", log.String("event_type", eventType))

	return nil
}

// PendingCount returns the number of events waiting for delivery.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	if o == nil {
		return 0, ErrOutboxRequired
	}

	return o.repo.PendingCount(ctx)
}

// Get returns the current snapshot of an event.
func (o *Outbox) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	if o == nil {
		return nil, ErrOutboxRequired
	}

	return o.repo.GetByID(ctx, id)
}

// DeadLetters returns dead-lettered events, oldest first.
func (o *Outbox) DeadLetters(ctx context.Context, limit int) ([]*Event, error) {
	if o == nil {
		return nil, ErrOutboxRequired
	}

	return o.repo.ListDeadLettered(ctx, limit)
}

// Redrive returns a dead-lettered event to the queue with a fresh retry budget.
// RetryCount keeps its total of failed attempts.
func (o *Outbox) Redrive(ctx context.Context, id uuid.UUID) (*Event, error) {
	if o == nil {
		return nil, ErrOutboxRequired
	}

	event, err := o.repo.Redrive(ctx, id)
	if err != nil {
		return nil, err
	}

	o.logger.Log(ctx, log.LevelInfo, "outbox event redriven",
		log.String("event_id", id.String()), log.String("event_type", event.EventType))

	return event, nil
}

// Dispatcher returns the dispatcher delivering this outbox.
func (o *Outbox) Dispatcher() *Dispatcher {
	if o == nil {
		return nil
	}

	return o.dispatcher
}

// Handlers returns the handler registry.
func (o *Outbox) Handlers() *HandlerRegistry {
	if o == nil {
		return nil
	}

	return o.handlers
}
