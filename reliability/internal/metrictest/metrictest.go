// Package metrictest collects OpenTelemetry metrics from a ManualReader in tests.
package metrictest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// NewProvider returns a meter provider backed by a manual reader.
func NewProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()

	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reader
}

// Collect reads the current metrics from reader.
func Collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	return rm
}

// Find returns the metric named name, or nil.
func Find(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}

	return nil
}

// Int64Sum returns the total of an int64 counter across data points whose
// attributes contain every key/value pair in attrs. A missing metric counts as 0.
func Int64Sum(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...string) int64 {
	t.Helper()

	require.Zero(t, len(attrs)%2, "attrs must be key/value pairs")

	m := Find(Collect(t, reader), name)
	if m == nil {
		return 0
	}

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] data for %s, got %T", name, m.Data)

	var total int64

	for _, dp := range sum.DataPoints {
		if matches(dp.Attributes.Iter, attrs) {
			total += dp.Value
		}
	}

	return total
}

// Int64GaugeLast returns the value of the first data point of an int64 gauge.
func Int64GaugeLast(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, bool) {
	t.Helper()

	m := Find(Collect(t, reader), name)
	if m == nil {
		return 0, false
	}

	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "expected Gauge[int64] data for %s, got %T", name, m.Data)

	if len(gauge.DataPoints) == 0 {
		return 0, false
	}

	return gauge.DataPoints[0].Value, true
}

// HistogramCount returns the number of recordings of a float64 histogram.
func HistogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()

	m := Find(Collect(t, reader), name)
	if m == nil {
		return 0
	}

	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected Histogram[float64] data for %s, got %T", name, m.Data)

	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}

	return count
}

func matches(iterFn func() attribute.Iterator, attrs []string) bool {
	for i := 0; i < len(attrs); i += 2 {
		found := false

		iter := iterFn()
		for iter.Next() {
			kv := iter.Attribute()
			if string(kv.Key) == attrs[i] && kv.Value.Emit() == attrs[i+1] {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}
