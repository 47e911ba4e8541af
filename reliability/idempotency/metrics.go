package idempotency

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type coordinatorMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	conflicts metric.Int64Counter
}

func newCoordinatorMetrics(provider metric.MeterProvider) (coordinatorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("reliability.idempotency")

	var (
		metrics coordinatorMetrics
		err     error
	)

	metrics.hits, err = meter.Int64Counter(
		"idempotency.cache.hits",
		metric.WithDescription("Number of idempotency lookups that found a matching record"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return coordinatorMetrics{}, fmt.Errorf("create idempotency.cache.hits counter: %w", err)
	}

	metrics.misses, err = meter.Int64Counter(
		"idempotency.cache.misses",
		metric.WithDescription("Number of idempotency lookups that started a new record"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return coordinatorMetrics{}, fmt.Errorf("create idempotency.cache.misses counter: %w", err)
	}

	metrics.conflicts, err = meter.Int64Counter(
		"idempotency.conflicts",
		metric.WithDescription("Number of idempotency keys reused with a different request"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return coordinatorMetrics{}, fmt.Errorf("create idempotency.conflicts counter: %w", err)
	}

	return metrics, nil
}
