package circuitbreaker

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type managerMetrics struct {
	stateChanges metric.Int64Counter
}

func newManagerMetrics(provider metric.MeterProvider) (managerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("reliability.circuitbreaker")

	stateChanges, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return managerMetrics{}, fmt.Errorf("create circuit_breaker.state_changes counter: %w", err)
	}

	return managerMetrics{stateChanges: stateChanges}, nil
}
