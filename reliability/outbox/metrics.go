package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type outboxMetrics struct {
	published       metric.Int64Counter
	delivered       metric.Int64Counter
	failed          metric.Int64Counter
	deadLettered    metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	queueSize       metric.Int64Gauge
}

func newOutboxMetrics(provider metric.MeterProvider) (outboxMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("reliability.outbox")

	var (
		metrics outboxMetrics
		err     error
	)

	metrics.published, err = meter.Int64Counter(
		"outbox.events.published",
		metric.WithDescription("Number of events appended to the outbox"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.events.published counter: %w", err)
	}

	metrics.delivered, err = meter.Int64Counter(
		"outbox.events.delivered",
		metric.WithDescription("Number of outbox events successfully delivered"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.events.delivered counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of failed outbox delivery attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.deadLettered, err = meter.Int64Counter(
		"outbox.events.dead_lettered",
		metric.WithDescription("Number of outbox events moved to the dead-letter path"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.events.dead_lettered counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.queueSize, err = meter.Int64Gauge(
		"outbox.queue.size",
		metric.WithDescription("Number of pending outbox events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.queue.size gauge: %w", err)
	}

	return metrics, nil
}

func metricEventType(eventType string) metric.AddOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}
