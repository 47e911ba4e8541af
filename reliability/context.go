package reliability

import (
	"context"
	"strings"

	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type customContextKey string

// CustomContextKey is the context key holding CustomContextKeyValue.
var CustomContextKey = customContextKey("reliability_context")

// CustomContextKeyValue holds the request-scoped facilities attached to a context.
// Values are copied on every update, so a child context never changes what
// its parent observes.
type CustomContextKeyValue struct {
	HeaderID string
	TenantID string
	Tracer   trace.Tracer
	Logger   log.Logger
}

const defaultTracerName = "reliability.default"

func valuesFrom(ctx context.Context) CustomContextKeyValue {
	if ctx == nil {
		return CustomContextKeyValue{}
	}

	if values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && values != nil {
		return *values
	}

	return CustomContextKeyValue{}
}

func withValues(ctx context.Context, mutate func(*CustomContextKeyValue)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	values := valuesFrom(ctx)
	mutate(&values)

	return context.WithValue(ctx, CustomContextKey, &values)
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	return withValues(ctx, func(v *CustomContextKeyValue) { v.Logger = logger })
}

// ContextWithTracer returns a copy of ctx carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return withValues(ctx, func(v *CustomContextKeyValue) { v.Tracer = tracer })
}

// ContextWithHeaderID returns a copy of ctx carrying the correlation id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	return withValues(ctx, func(v *CustomContextKeyValue) { v.HeaderID = strings.TrimSpace(headerID) })
}

// ContextWithTenantID returns a copy of ctx carrying the tenant id. Coordinators
// use it to keep tenants in separate keyspaces.
func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	return withValues(ctx, func(v *CustomContextKeyValue) { v.TenantID = strings.TrimSpace(tenantID) })
}

// TenantIDFromContext returns the tenant id stored in ctx, or "".
func TenantIDFromContext(ctx context.Context) string {
	return valuesFrom(ctx).TenantID
}

// HeaderIDFromContext returns the correlation id stored in ctx, or "".
func HeaderIDFromContext(ctx context.Context) string {
	return valuesFrom(ctx).HeaderID
}

// NewLoggerFromContext returns the logger stored in ctx or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if logger := valuesFrom(ctx).Logger; !nilcheck.Interface(logger) {
		return logger
	}

	return log.NewNop()
}

// NewTrackingFromContext returns the logger, tracer and correlation id stored
// in ctx, falling back to a no-op logger and the global tracer.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	values := valuesFrom(ctx)

	logger := values.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	tracer := values.Tracer
	if nilcheck.Interface(tracer) {
		tracer = otel.Tracer(defaultTracerName)
	}

	return logger, tracer, values.HeaderID
}
