package assert

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/LerianStudio/lib-reliability/reliability/runtime"
)

// Logger is the logging contract used for assertion failures.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// ErrAssertionFailed is the sentinel error for failed assertions.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionSpanEventName is the span event recorded for failed assertions.
const AssertionSpanEventName = "assertion.failed"

// AssertionFailedMetricName is the counter incremented for failed assertions.
const AssertionFailedMetricName = "assertion_failed_total"

const maxValueLength = 200

// Asserter evaluates invariants and emits telemetry on failure.
type Asserter struct {
	ctx       context.Context
	logger    Logger
	component string
	operation string
}

// AssertionError is a failed assertion with its labels and key/value details.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
	Details   string
}

// Error returns the formatted assertion failure message.
func (entry *AssertionError) Error() string {
	if entry == nil {
		return ErrAssertionFailed.Error()
	}

	if entry.Details == "" {
		return "assertion failed: " + entry.Message
	}

	return "assertion failed: " + entry.Message + " (" + entry.Details + ")"
}

// Unwrap returns ErrAssertionFailed for errors.Is.
func (entry *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// New creates an Asserter labelled with component and operation.
//
//nolint:contextcheck
func New(ctx context.Context, logger Logger, component, operation string) *Asserter {
	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(logger) {
		logger = nil
	}

	return &Asserter{ctx: ctx, logger: logger, component: component, operation: operation}
}

// That fails when ok is false.
//
//	if err := asserter.That(ctx, batchSize > 0, "batch size must be positive", "batch_size", batchSize); err != nil {
//		return err
//	}
func (asserter *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return asserter.fail(ctx, "That", msg, kv...)
}

// NotNil fails when v is nil, including typed nils.
func (asserter *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !nilcheck.Interface(v) {
		return nil
	}

	return asserter.fail(ctx, "NotNil", msg, kv...)
}

// NotEmpty fails when s is empty or whitespace.
func (asserter *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if strings.TrimSpace(s) != "" {
		return nil
	}

	return asserter.fail(ctx, "NotEmpty", msg, kv...)
}

// Positive fails when d is zero or negative.
func (asserter *Asserter) Positive(ctx context.Context, d time.Duration, msg string, kv ...any) error {
	if d > 0 {
		return nil
	}

	kv = append([]any{"value", d.String()}, kv...)

	return asserter.fail(ctx, "Positive", msg, kv...)
}

// NoError fails when err is not nil; the error and its type are added to the details.
func (asserter *Asserter) NoError(ctx context.Context, err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}

	kv = append([]any{"error", err.Error(), "error_type", fmt.Sprintf("%T", err)}, kv...)

	return asserter.fail(ctx, "NoError", msg, kv...)
}

// Never always fails. Use it for unreachable branches.
func (asserter *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return asserter.fail(ctx, "Never", msg, kv...)
}

func (asserter *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	ctx, logger, component, operation := asserter.values(ctx)
	details := formatKeyValues(kv)

	fields := []log.Field{
		log.String("assertion", assertion),
		log.String("component", component),
		log.String("operation", operation),
	}

	if details != "" {
		fields = append(fields, log.String("details", details))
	}

	if !runtime.IsProductionMode() {
		fields = append(fields, log.String("stack_trace", string(debug.Stack())))
	}

	if logger != nil {
		logger.Log(ctx, log.LevelError, "ASSERTION FAILED: "+msg, fields...)
	}

	recordAssertionMetric(ctx, component, operation, assertion)
	recordAssertionToSpan(ctx, assertion, msg, component, operation)

	return &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: component,
		Operation: operation,
		Details:   details,
	}
}

func (asserter *Asserter) values(ctx context.Context) (context.Context, Logger, string, string) {
	if asserter == nil {
		if ctx == nil {
			ctx = context.Background()
		}

		return ctx, nil, "", ""
	}

	if ctx == nil {
		ctx = asserter.ctx
	}

	if ctx == nil {
		ctx = context.Background()
	}

	return ctx, asserter.logger, asserter.component, asserter.operation
}

func truncateValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) <= maxValueLength {
		return s
	}

	return s[:maxValueLength] + "... (truncated " + strconv.Itoa(len(s)-maxValueLength) + " chars)"
}

func formatKeyValues(kv []any) string {
	if len(kv) == 0 {
		return ""
	}

	parts := make([]string, 0, (len(kv)+1)/2)

	for i := 0; i < len(kv); i += 2 {
		var value any = "MISSING_VALUE"
		if i+1 < len(kv) {
			value = kv[i+1]
		}

		parts = append(parts, fmt.Sprintf("%v=%s", kv[i], truncateValue(value)))
	}

	return strings.Join(parts, " ")
}

var (
	assertionCounter   metric.Int64Counter
	assertionCounterMu sync.RWMutex
)

// InitAssertionMetrics installs the assertion counter on provider.
func InitAssertionMetrics(provider metric.MeterProvider) error {
	if provider == nil {
		return nil
	}

	counter, err := provider.Meter("reliability.assert").Int64Counter(
		AssertionFailedMetricName,
		metric.WithDescription("Total number of failed assertions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	assertionCounterMu.Lock()
	defer assertionCounterMu.Unlock()

	assertionCounter = counter

	return nil
}

// ResetAssertionMetrics removes the installed counter. Intended for tests.
func ResetAssertionMetrics() {
	assertionCounterMu.Lock()
	defer assertionCounterMu.Unlock()

	assertionCounter = nil
}

func recordAssertionMetric(ctx context.Context, component, operation, assertion string) {
	assertionCounterMu.RLock()
	counter := assertionCounter
	assertionCounterMu.RUnlock()

	if counter == nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operation),
		attribute.String("assertion", assertion),
	))
}

func recordAssertionToSpan(ctx context.Context, assertion, message, component, operation string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent(AssertionSpanEventName, trace.WithAttributes(
		attribute.String("assertion.name", assertion),
		attribute.String("assertion.message", message),
		attribute.String("assertion.component", component),
		attribute.String("assertion.operation", operation),
	))
	span.RecordError(fmt.Errorf("%w: %s", ErrAssertionFailed, message))
	span.SetStatus(codes.Error, "assertion failed in "+component+"/"+operation)
}
