//go:build unit

package reliability

import (
	"context"
	"testing"

	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestTrackingFromEmptyContextUsesFallbacks(t *testing.T) {
	t.Parallel()

	logger, tracer, headerID := NewTrackingFromContext(context.Background())

	assert.IsType(t, &log.NopLogger{}, logger)
	assert.NotNil(t, tracer)
	assert.Empty(t, headerID)
	assert.Empty(t, TenantIDFromContext(context.Background()))
}

func TestContextHelpersStoreValues(t *testing.T) {
	t.Parallel()

	logger := log.NewGoLogger(log.LevelInfo)
	tracer := noop.NewTracerProvider().Tracer("test")

	ctx := ContextWithLogger(context.Background(), logger)
	ctx = ContextWithTracer(ctx, tracer)
	ctx = ContextWithHeaderID(ctx, " req-1 ")
	ctx = ContextWithTenantID(ctx, "tenant-a")

	gotLogger, gotTracer, headerID := NewTrackingFromContext(ctx)

	assert.Same(t, logger, gotLogger)
	assert.Equal(t, tracer, gotTracer)
	assert.Equal(t, "req-1", headerID)
	assert.Equal(t, "req-1", HeaderIDFromContext(ctx))
	assert.Equal(t, "tenant-a", TenantIDFromContext(ctx))
	assert.Same(t, logger, NewLoggerFromContext(ctx))
}

func TestChildContextDoesNotLeakIntoParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithTenantID(context.Background(), "tenant-a")
	child := ContextWithTenantID(parent, "tenant-b")

	assert.Equal(t, "tenant-a", TenantIDFromContext(parent))
	assert.Equal(t, "tenant-b", TenantIDFromContext(child))
}

func TestNilContextIsTolerated(t *testing.T) {
	t.Parallel()

	//nolint:staticcheck
	ctx := ContextWithHeaderID(nil, "req-2")

	assert.Equal(t, "req-2", HeaderIDFromContext(ctx))
	assert.IsType(t, &log.NopLogger{}, NewLoggerFromContext(nil)) //nolint:staticcheck
}
