package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
)

// Logger is the logging contract used for panic reports.
type Logger = log.Logger

// RecoverAndLogWithContext recovers a panic, logs it with its stack and
// records it on every configured observability sink. Use it in defer.
//
//	defer runtime.RecoverAndLogWithContext(ctx, logger, "outbox", "dispatch_loop")
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext followed by policy.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, recovered, stack)
		recordPanicObservability(ctx, recovered, stack, component, name)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// HandlePanicValue processes a panic value recovered by someone else, such as
// a framework middleware or a deferred function that must inspect the value.
func HandlePanicValue(ctx context.Context, logger Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	stack := debug.Stack()
	logPanicWithStack(ctx, logger, name, panicValue, stack)
	recordPanicObservability(ctx, panicValue, stack, component, name)
}

// CallWithRecovery runs fn and converts a panic into an error wrapping ErrPanic.
// The panic is recorded like any other recovered panic.
func CallWithRecovery(ctx context.Context, logger Logger, component, name string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			HandlePanicValue(ctx, logger, recovered, component, name)

			err = fmt.Errorf("%w: %s", ErrPanic, formatPanicValue(recovered))
		}
	}()

	return fn()
}

func logPanicWithStack(ctx context.Context, logger Logger, name string, panicValue any, stack []byte) {
	if nilcheck.Interface(logger) {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	fields := []log.Field{
		log.String("source", name),
		log.String("panic_value", formatPanicValue(panicValue)),
	}

	if !IsProductionMode() {
		fields = append(fields, log.String("stack_trace", string(stack)))
	}

	logger.Log(ctx, log.LevelError, "panic recovered", fields...)
}

func recordPanicObservability(ctx context.Context, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	recordPanicMetric(ctx, component, name)
	RecordPanicToSpanWithComponent(ctx, panicValue, stack, component, name)
	reportPanicToErrorService(ctx, panicValue, stack, component, name)
}
