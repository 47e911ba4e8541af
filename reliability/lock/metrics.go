package lock

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the distributed.lock.* instruments. Every Locker
// implementation in this module reports through it.
type Metrics struct {
	acquired    metric.Int64Counter
	failed      metric.Int64Counter
	released    metric.Int64Counter
	acquireTime metric.Float64Histogram
}

// NewMetrics creates the lock instruments. A nil provider uses the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("reliability.lock")

	var (
		metrics Metrics
		err     error
	)

	metrics.acquired, err = meter.Int64Counter(
		"distributed.lock.acquired",
		metric.WithDescription("Number of locks acquired"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create distributed.lock.acquired counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"distributed.lock.failed",
		metric.WithDescription("Number of lock acquisition failures"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create distributed.lock.failed counter: %w", err)
	}

	metrics.released, err = meter.Int64Counter(
		"distributed.lock.released",
		metric.WithDescription("Number of locks released"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create distributed.lock.released counter: %w", err)
	}

	metrics.acquireTime, err = meter.Float64Histogram(
		"distributed.lock.acquire.time",
		metric.WithDescription("Time spent acquiring a lock, including waiting"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create distributed.lock.acquire.time histogram: %w", err)
	}

	return &metrics, nil
}

// RecordAcquire records one acquisition attempt and its duration since started.
func (m *Metrics) RecordAcquire(ctx context.Context, started time.Time, acquired bool) {
	m.acquireTime.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.Bool("success", acquired)))

	if acquired {
		m.acquired.Add(ctx, 1)

		return
	}

	m.failed.Add(ctx, 1)
}

// RecordRelease records one successful release.
func (m *Metrics) RecordRelease(ctx context.Context) {
	m.released.Add(ctx, 1)
}
