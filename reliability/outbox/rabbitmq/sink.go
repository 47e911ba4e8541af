package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliability/reliability/opentelemetry"
	"github.com/LerianStudio/lib-reliability/reliability/outbox"
	"github.com/LerianStudio/lib-reliability/reliability/runtime"
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker ack.
	DefaultConfirmTimeout = 5 * time.Second

	// Must stay above the number of unconfirmed publishes so the client
	// library never blocks delivering confirmations.
	confirmChannelBuffer = 256

	contentTypeJSON = "application/json"

	// Message headers set by PublishEvent.
	HeaderEventID       = "x-event-id"
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderAggregateID   = "x-aggregate-id"
	HeaderTenantID      = "x-tenant-id"
	HeaderRetryCount    = "x-retry-count"
)

// ConfirmableChannel is the subset of *amqp.Channel the sink needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RoutingKeyFunc maps an event type to a routing key.
type RoutingKeyFunc func(eventType string) string

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the sink logger.
func WithLogger(logger log.Logger) Option {
	return func(sink *Sink) {
		if !nilcheck.Interface(logger) {
			sink.logger = logger
		}
	}
}

// WithTracer sets the tracer used for publish spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(sink *Sink) {
		if !nilcheck.Interface(tracer) {
			sink.tracer = tracer
		}
	}
}

// WithConfirmTimeout sets how long a publish waits for the broker ack.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(sink *Sink) {
		if timeout > 0 {
			sink.confirmTimeout = timeout
		}
	}
}

// WithRoutingKey overrides the routing key mapping. The event type is used
// verbatim by default.
func WithRoutingKey(fn RoutingKeyFunc) Option {
	return func(sink *Sink) {
		if fn != nil {
			sink.routingKey = fn
		}
	}
}

// WithMandatory publishes with the mandatory flag so unroutable messages are
// returned by the broker instead of silently dropped.
func WithMandatory(mandatory bool) Option {
	return func(sink *Sink) {
		sink.mandatory = mandatory
	}
}

// Sink publishes outbox events to one exchange with publisher confirms.
//
// Publishes are serialized per sink so confirmations arrive in publish order.
// Shard across several sinks (one channel each) for more throughput.
type Sink struct {
	exchange       string
	routingKey     RoutingKeyFunc
	mandatory      bool
	confirmTimeout time.Duration
	logger         log.Logger
	tracer         trace.Tracer

	publishMu sync.Mutex
	mu        sync.RWMutex
	ch        ConfirmableChannel
	confirms  chan amqp.Confirmation
	closedCh  chan struct{}
	closeOnce *sync.Once
	done      chan struct{}
	closed    bool
	shutdown  bool
}

var _ outbox.EnvelopeSink = (*Sink)(nil)

// NewSink puts ch in confirm mode and returns a sink publishing to exchange.
// An empty exchange publishes through the default exchange, routing by queue
// name.
func NewSink(ch ConfirmableChannel, exchange string, opts ...Option) (*Sink, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	sink := &Sink{
		exchange:       exchange,
		routingKey:     func(eventType string) string { return eventType },
		confirmTimeout: DefaultConfirmTimeout,
		logger:         log.NewNop(),
		tracer:         noop.NewTracerProvider().Tracer("reliability.noop"),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}

	if err := sink.attach(ch); err != nil {
		return nil, err
	}

	return sink, nil
}

// attach must be called with mu held or before the sink is shared.
func (sink *Sink) attach(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	sink.ch = ch
	sink.confirms = confirms
	sink.closedCh = make(chan struct{})
	sink.closeOnce = &sync.Once{}
	sink.closed = false

	sink.watchClose(closeNotify, sink.closedCh, sink.closeOnce, sink.done)

	return nil
}

func (sink *Sink) watchClose(closeNotify <-chan *amqp.Error, closedCh chan struct{}, once *sync.Once, done <-chan struct{}) {
	runtime.SafeGo(sink.logger, "rabbitmq-sink-close-monitor", runtime.KeepRunning, func() {
		select {
		case amqpErr, ok := <-closeNotify:
			if ok && amqpErr != nil {
				sink.logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed",
					log.Int("code", amqpErr.Code), log.String("reason", amqpErr.Reason))
			}

			sink.mu.Lock()
			if sink.closedCh == closedCh {
				sink.closed = true
			}
			sink.mu.Unlock()

			once.Do(func() { close(closedCh) })
		case <-done:
		}
	})
}

// Publish sends payload with eventType as routing input and waits for the
// broker ack.
func (sink *Sink) Publish(ctx context.Context, eventType string, payload []byte) error {
	if sink == nil {
		return ErrSinkRequired
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
		Headers:      amqp.Table{HeaderEventType: eventType},
	}

	return sink.publish(ctx, eventType, msg)
}

// PublishEvent sends event with its id as MessageId and its metadata and trace
// context as headers, then waits for the broker ack.
func (sink *Sink) PublishEvent(ctx context.Context, event *outbox.Event) error {
	if sink == nil {
		return ErrSinkRequired
	}

	if event == nil {
		return outbox.ErrEventRequired
	}

	headers := amqp.Table{}
	for k, v := range event.Headers {
		headers[k] = v
	}

	headers[HeaderEventID] = event.ID.String()
	headers[HeaderEventType] = event.EventType
	headers[HeaderAggregateType] = event.AggregateType
	headers[HeaderAggregateID] = event.AggregateID
	headers[HeaderRetryCount] = int32(event.RetryCount)

	if event.TenantID != "" {
		headers[HeaderTenantID] = event.TenantID
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Type:         event.EventType,
		Timestamp:    event.CreatedAt,
		Body:         event.Payload,
		Headers:      headers,
	}

	return sink.publish(ctx, event.EventType, msg)
}

func (sink *Sink) publish(ctx context.Context, eventType string, msg amqp.Publishing) error {
	if ctx == nil {
		ctx = context.Background()
	}

	routingKey := sink.routingKey(eventType)

	ctx, span := sink.tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", sink.exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		))
	defer span.End()

	if msg.Headers == nil {
		msg.Headers = amqp.Table{}
	}

	for k, v := range libOpentelemetry.InjectTraceContext(ctx) {
		msg.Headers[k] = v
	}

	if err := sink.publishAndWaitConfirm(ctx, routingKey, msg); err != nil {
		libOpentelemetry.HandleSpanError(span, "rabbitmq publish failed", err)

		return err
	}

	return nil
}

func (sink *Sink) publishAndWaitConfirm(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	sink.publishMu.Lock()
	defer sink.publishMu.Unlock()

	sink.mu.RLock()
	if sink.closed || sink.ch == nil {
		sink.mu.RUnlock()

		return ErrSinkClosed
	}

	ch := sink.ch
	confirms := sink.confirms
	closedCh := sink.closedCh
	sink.mu.RUnlock()

	if err := ch.PublishWithContext(ctx, sink.exchange, routingKey, sink.mandatory, false, msg); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	err := waitForConfirm(ctx, confirms, closedCh, sink.confirmTimeout)
	if err != nil && confirmStreamCorrupted(err) {
		// A late confirmation would be matched with the next publish.
		sink.invalidate(ch)
	}

	return err
}

func confirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (sink *Sink) invalidate(ch ConfirmableChannel) {
	sink.mu.Lock()
	sink.closed = true
	sink.ch = nil
	closedCh, once := sink.closedCh, sink.closeOnce
	sink.mu.Unlock()

	once.Do(func() { close(closedCh) })

	_ = ch.Close()

	sink.logger.Log(context.Background(), log.LevelWarn,
		"rabbitmq sink channel invalidated after unconfirmed publish, reconnect required")
}

func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, closedCh <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrSinkClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-closedCh:
		return ErrSinkClosed
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("rabbitmq confirm wait: %w", ctx.Err())
	}
}

// Reconnect replaces a channel that was closed by the broker or invalidated
// after an unconfirmed publish. It fails after Close.
func (sink *Sink) Reconnect(ch ConfirmableChannel) error {
	if sink == nil {
		return ErrSinkRequired
	}

	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	sink.publishMu.Lock()
	defer sink.publishMu.Unlock()

	sink.mu.Lock()
	defer sink.mu.Unlock()

	if sink.shutdown {
		return ErrReconnectAfterClose
	}

	if !sink.closed {
		return ErrReconnectWhileOpen
	}

	return sink.attach(ch)
}

// Healthy reports whether the sink has an open channel.
func (sink *Sink) Healthy() bool {
	if sink == nil {
		return false
	}

	sink.mu.RLock()
	defer sink.mu.RUnlock()

	return !sink.closed && sink.ch != nil
}

// Close waits for in-flight publishes, closes the channel and drains pending
// confirmations. The sink cannot be reused.
func (sink *Sink) Close() error {
	if sink == nil {
		return ErrSinkRequired
	}

	sink.publishMu.Lock()
	defer sink.publishMu.Unlock()

	sink.mu.Lock()
	if sink.shutdown {
		sink.mu.Unlock()

		return nil
	}

	sink.shutdown = true
	sink.closed = true
	ch := sink.ch
	sink.ch = nil
	confirms := sink.confirms
	closedCh, once := sink.closedCh, sink.closeOnce
	close(sink.done)
	sink.mu.Unlock()

	once.Do(func() { close(closedCh) })

	if ch != nil {
		if err := ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}

	drainConfirms(confirms, sink.confirmTimeout)

	return nil
}

func drainConfirms(confirms <-chan amqp.Confirmation, timeout time.Duration) {
	if confirms == nil {
		return
	}

	grace := time.NewTimer(timeout)
	defer grace.Stop()

	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}
		case <-grace.C:
			return
		}
	}
}
