package runtime

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PanicRecoveredMetricName is the counter incremented for every recovered panic.
const PanicRecoveredMetricName = "panic_recovered_total"

// PanicMetrics records recovered panics through an OpenTelemetry counter.
type PanicMetrics struct {
	counter metric.Int64Counter
}

var (
	panicMetricsInstance *PanicMetrics
	panicMetricsMu       sync.RWMutex
)

// InitPanicMetrics installs the process-wide panic counter. Subsequent calls
// are no-ops until ResetPanicMetrics.
func InitPanicMetrics(provider metric.MeterProvider) error {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	if provider == nil || panicMetricsInstance != nil {
		return nil
	}

	counter, err := provider.Meter("reliability.runtime").Int64Counter(
		PanicRecoveredMetricName,
		metric.WithDescription("Total number of recovered panics"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	panicMetricsInstance = &PanicMetrics{counter: counter}

	return nil
}

// GetPanicMetrics returns the installed instance, or nil.
func GetPanicMetrics() *PanicMetrics {
	panicMetricsMu.RLock()
	defer panicMetricsMu.RUnlock()

	return panicMetricsInstance
}

// ResetPanicMetrics clears the process-wide instance. Intended for tests.
func ResetPanicMetrics() {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	panicMetricsInstance = nil
}

// RecordPanicRecovered increments the counter with component and goroutine labels.
func (pm *PanicMetrics) RecordPanicRecovered(ctx context.Context, component, goroutineName string) {
	if pm == nil || pm.counter == nil {
		return
	}

	pm.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine_name", goroutineName),
	))
}

func recordPanicMetric(ctx context.Context, component, goroutineName string) {
	if pm := GetPanicMetrics(); pm != nil {
		pm.RecordPanicRecovered(ctx, component, goroutineName)
	}
}
