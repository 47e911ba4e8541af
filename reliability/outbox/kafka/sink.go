package kafka

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliability/reliability/opentelemetry"
	"github.com/LerianStudio/lib-reliability/reliability/outbox"
)

// Message headers set by PublishEvent.
const (
	HeaderEventID       = "x-event-id"
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderAggregateID   = "x-aggregate-id"
	HeaderTenantID      = "x-tenant-id"
	HeaderRetryCount    = "x-retry-count"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a writer for brokers that waits for all in-sync replicas
// and hashes message keys to partitions. The topic is set per message.
func NewWriter(brokers []string, batchTimeout time.Duration) (*kafka.Writer, error) {
	brokers = slices.DeleteFunc(slices.Clone(brokers), func(b string) bool { return strings.TrimSpace(b) == "" })
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}

	if batchTimeout > 0 {
		writer.BatchTimeout = batchTimeout
	}

	return writer, nil
}

// Option configures a Sink.
type Option func(*Sink)

// WithTopics maps event types to topics.
func WithTopics(topicByEvent map[string]string) Option {
	return func(sink *Sink) {
		for eventType, topic := range topicByEvent {
			if topic = strings.TrimSpace(topic); topic != "" {
				sink.topics[eventType] = topic
			}
		}
	}
}

// WithDefaultTopic sets the topic for event types missing from WithTopics.
func WithDefaultTopic(topic string) Option {
	return func(sink *Sink) {
		sink.defaultTopic = strings.TrimSpace(topic)
	}
}

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

// Sink publishes outbox events to Kafka.
type Sink struct {
	writer       MessageWriter
	topics       map[string]string
	defaultTopic string
	logger       log.Logger
	tracer       trace.Tracer
}

var _ outbox.EnvelopeSink = (*Sink)(nil)

// NewSink returns a sink writing through writer.
func NewSink(writer MessageWriter, opts ...Option) (*Sink, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	sink := &Sink{
		writer: writer,
		topics: map[string]string{},
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("reliability.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}

	return sink, nil
}

// Topic returns the topic events of eventType are written to.
func (sink *Sink) Topic(eventType string) string {
	if sink == nil {
		return ""
	}

	if topic, ok := sink.topics[eventType]; ok {
		return topic
	}

	if sink.defaultTopic != "" {
		return sink.defaultTopic
	}

	return strings.TrimSpace(eventType)
}

// Topics returns a copy of the event type to topic mapping.
func (sink *Sink) Topics() map[string]string {
	if sink == nil {
		return nil
	}

	return maps.Clone(sink.topics)
}

// Publish writes payload to the topic of eventType without a key.
func (sink *Sink) Publish(ctx context.Context, eventType string, payload []byte) error {
	if sink == nil {
		return ErrSinkRequired
	}

	return sink.write(ctx, eventType, kafka.Message{
		Value:   payload,
		Time:    time.Now().UTC(),
		Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte(eventType)}},
	})
}

// PublishEvent writes event keyed by its aggregate id, with its metadata and
// trace context as headers.
func (sink *Sink) PublishEvent(ctx context.Context, event *outbox.Event) error {
	if sink == nil {
		return ErrSinkRequired
	}

	if event == nil {
		return outbox.ErrEventRequired
	}

	headers := make([]kafka.Header, 0, len(event.Headers)+6)

	for _, k := range slices.Sorted(maps.Keys(event.Headers)) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(event.Headers[k])})
	}

	headers = append(headers,
		kafka.Header{Key: HeaderEventID, Value: []byte(event.ID.String())},
		kafka.Header{Key: HeaderEventType, Value: []byte(event.EventType)},
		kafka.Header{Key: HeaderAggregateType, Value: []byte(event.AggregateType)},
		kafka.Header{Key: HeaderAggregateID, Value: []byte(event.AggregateID)},
		kafka.Header{Key: HeaderRetryCount, Value: []byte(strconv.Itoa(event.RetryCount))},
	)

	if event.TenantID != "" {
		headers = append(headers, kafka.Header{Key: HeaderTenantID, Value: []byte(event.TenantID)})
	}

	return sink.write(ctx, event.EventType, kafka.Message{
		Key:     []byte(event.AggregateID),
		Value:   event.Payload,
		Time:    event.CreatedAt,
		Headers: headers,
	})
}

func (sink *Sink) write(ctx context.Context, eventType string, msg kafka.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	topic := sink.Topic(eventType)
	if topic == "" {
		return ErrTopicRequired
	}

	msg.Topic = topic

	ctx, span := sink.tracer.Start(ctx, "kafka.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
		))
	defer span.End()

	msg.Headers = withTraceHeaders(ctx, msg.Headers)

	if err := sink.writer.WriteMessages(ctx, msg); err != nil {
		libOpentelemetry.HandleSpanError(span, "kafka write failed", err)

		sink.logger.Log(ctx, log.LevelWarn, "kafka publish failed",
			log.String("topic", topic), log.String("event_type", eventType), log.Err(err))

		return fmt.Errorf("kafka write to %s: %w", topic, err)
	}

	return nil
}

// withTraceHeaders replaces trace headers carried by the event with the
// context of the current publish span.
func withTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := libOpentelemetry.InjectTraceContext(ctx)
	if len(carrier) == 0 {
		return headers
	}

	headers = slices.DeleteFunc(headers, func(h kafka.Header) bool {
		_, replaced := carrier[h.Key]

		return replaced
	})

	for _, k := range slices.Sorted(maps.Keys(carrier)) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier[k])})
	}

	return headers
}

// Close flushes pending writes and closes the writer.
func (sink *Sink) Close() error {
	if sink == nil {
		return ErrSinkRequired
	}

	if err := sink.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}

	return nil
}
