package fallback

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type coordinatorMetrics struct {
	fallbackUsed metric.Int64Counter
	cacheHits    metric.Int64Counter
	errors       metric.Int64Counter
}

func newCoordinatorMetrics(provider metric.MeterProvider) (coordinatorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("reliability.fallback")

	var (
		metrics coordinatorMetrics
		err     error
	)

	metrics.fallbackUsed, err = meter.Int64Counter(
		"graceful.degradation.fallback.used",
		metric.WithDescription("Number of times fallback was used"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return coordinatorMetrics{}, fmt.Errorf("create graceful.degradation.fallback.used counter: %w", err)
	}

	metrics.cacheHits, err = meter.Int64Counter(
		"graceful.degradation.cache.hits",
		metric.WithDescription("Number of fallback cache hits"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return coordinatorMetrics{}, fmt.Errorf("create graceful.degradation.cache.hits counter: %w", err)
	}

	metrics.errors, err = meter.Int64Counter(
		"graceful.degradation.errors",
		metric.WithDescription("Number of primary failures handed to a fallback"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return coordinatorMetrics{}, fmt.Errorf("create graceful.degradation.errors counter: %w", err)
	}

	return metrics, nil
}
