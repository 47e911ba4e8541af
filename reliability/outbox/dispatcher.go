package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-reliability/reliability"
	"github.com/LerianStudio/lib-reliability/reliability/backoff"
	"github.com/LerianStudio/lib-reliability/reliability/clock"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliability/reliability/opentelemetry"
	"github.com/LerianStudio/lib-reliability/reliability/runtime"
)

// Dispatcher delivers outbox events through registered handlers.
type Dispatcher struct {
	repo            Repository
	handlers        *HandlerRegistry
	retryClassifier RetryClassifier
	deadLetterHook  DeadLetterHook
	logger          log.Logger
	tracer          trace.Tracer
	clock           clock.Clock
	cfg             DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics outboxMetrics
}

var _ reliability.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	// Processed counts events handed to a handler.
	Processed int
	Delivered int
	// Retried counts failed events put back in the queue.
	Retried      int
	DeadLettered int
	// StateUpdateFailed counts events whose outcome could not be recorded.
	// They are released to the head of the queue and delivered again, without
	// counting the attempt.
	StateUpdateFailed int
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	repo Repository,
	handlers *HandlerRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("reliability.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:            repo,
		handlers:        handlers,
		retryClassifier: DefaultRetryClassifier,
		logger:          logger,
		tracer:          tracer,
		clock:           clock.System{},
		cfg:             DefaultDispatcherConfig(),
		stop:            make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newOutboxMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the normalized dispatcher configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	if dispatcher == nil {
		return DispatcherConfig{}
	}

	return dispatcher.cfg
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *reliability.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is
// cancelled. Cycles never overlap: the next one is scheduled from the end of
// the previous one. A cycle that already started runs to completion even when
// the loop is stopped.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *reliability.Launcher) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && !nilcheck.Interface(launcher.Logger) {
		launcher.Logger.Log(ctx, log.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	stop := dispatcher.stopSignal()

	for {
		if !dispatcher.runCycle(ctx) {
			return nil
		}

		next, err := dispatcher.cfg.Schedule.Next(time.Now())
		if err != nil {
			dispatcher.logger.Log(ctx, log.LevelError, "outbox dispatch schedule exhausted", log.Err(err))

			return err
		}

		timer := time.NewTimer(time.Until(next))

		select {
		case <-stop:
			timer.Stop()

			return nil
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}
	}
}

// runCycle runs one dispatch cycle unless the loop was stopped. The cycle
// context ignores cancellation so a stop lets the in-flight batch finish.
func (dispatcher *Dispatcher) runCycle(ctx context.Context) bool {
	dispatcher.runStateMu.Lock()
	if isClosedSignal(dispatcher.stop) || ctx.Err() != nil {
		dispatcher.runStateMu.Unlock()

		return false
	}

	dispatcher.dispatchWg.Add(1)
	dispatcher.runStateMu.Unlock()

	defer dispatcher.dispatchWg.Done()

	cycleCtx := context.WithoutCancel(ctx)
	defer runtime.RecoverAndLogWithContext(cycleCtx, dispatcher.logger, "outbox", "dispatcher_cycle")

	dispatcher.DispatchOnce(cycleCtx)

	return true
}

// Stop signals the dispatcher loop to stop pulling new batches.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}

		close(stop)
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce dequeues one batch and delivers it. Events still queued in the
// batch when ctx ends are released back to the head of the queue without
// counting an attempt.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	var result DispatchResult

	events, err := dispatcher.repo.Dequeue(ctx, dispatcher.cfg.BatchSize)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to dequeue outbox events", err)
		dispatcher.logger.Log(ctx, log.LevelError, "failed to dequeue outbox events", log.Err(err))

		return result
	}

	for i, event := range events {
		if ctx.Err() != nil {
			dispatcher.release(ctx, events[i:])

			break
		}

		result.Processed++

		dispatcher.deliver(ctx, event, &result)
	}

	span.SetAttributes(
		attribute.Int("outbox.processed", result.Processed),
		attribute.Int("outbox.delivered", result.Delivered),
		attribute.Int("outbox.retried", result.Retried),
		attribute.Int("outbox.dead_lettered", result.DeadLettered),
	)

	dispatcher.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds())
	dispatcher.recordQueueSize(ctx)

	if result.Processed > 0 && dispatcher.logger.Enabled(log.LevelDebug) {
		dispatcher.logger.Log(ctx, log.LevelDebug, "outbox dispatch cycle finished",
			log.Int("processed", result.Processed),
			log.Int("delivered", result.Delivered),
			log.Int("retried", result.Retried),
			log.Int("dead_lettered", result.DeadLettered),
		)
	}

	return result
}

func (dispatcher *Dispatcher) deliver(ctx context.Context, event *Event, result *DispatchResult) {
	deliveryCtx := libOpentelemetry.ExtractTraceContext(ctx, event.Headers)
	if event.TenantID != "" {
		deliveryCtx = reliability.ContextWithTenantID(deliveryCtx, event.TenantID)
	}

	deliveryCtx, span := dispatcher.tracer.Start(deliveryCtx, "outbox.deliver",
		trace.WithLinks(trace.LinkFromContext(ctx)),
		trace.WithAttributes(
			attribute.String("outbox.event_id", event.ID.String()),
			attribute.String("outbox.event_type", event.EventType),
			attribute.Int("outbox.retry_count", event.RetryCount),
		),
	)
	defer span.End()

	err := runtime.CallWithRecovery(deliveryCtx, dispatcher.logger, "outbox", "event_handler", func() error {
		return dispatcher.handlers.Handle(deliveryCtx, event.Clone())
	})
	if err == nil {
		dispatcher.markProcessed(ctx, event, result)

		return
	}

	libOpentelemetry.HandleSpanError(span, "outbox event delivery failed", err)
	dispatcher.metrics.failed.Add(ctx, 1)
	dispatcher.handleFailure(ctx, event, err, result)
}

func (dispatcher *Dispatcher) markProcessed(ctx context.Context, event *Event, result *DispatchResult) {
	if _, err := dispatcher.repo.MarkProcessed(ctx, event.ID, dispatcher.clock.Now()); err != nil {
		result.StateUpdateFailed++

		dispatcher.logger.Log(ctx, log.LevelError, "failed to mark outbox event processed",
			log.String("event_id", event.ID.String()), log.Err(err))

		dispatcher.release(ctx, []*Event{event})

		return
	}

	result.Delivered++

	dispatcher.metrics.delivered.Add(ctx, 1)
}

func (dispatcher *Dispatcher) handleFailure(ctx context.Context, event *Event, cause error, result *DispatchResult) {
	lastError := lastErrorFrom(cause)
	attempts := event.Attempts() + 1

	if attempts < dispatcher.cfg.MaxRetries && !dispatcher.isNonRetryableError(cause) {
		nextAttemptAt := time.Time{}
		if delay := dispatcher.retryDelay(attempts); delay > 0 {
			nextAttemptAt = dispatcher.clock.Now().Add(delay)
		}

		if _, err := dispatcher.repo.Requeue(ctx, event.ID, lastError, nextAttemptAt); err != nil {
			result.StateUpdateFailed++

			dispatcher.logger.Log(ctx, log.LevelError, "failed to requeue outbox event",
				log.String("event_id", event.ID.String()), log.Err(err))

			dispatcher.release(ctx, []*Event{event})

			return
		}

		result.Retried++

		dispatcher.logger.Log(ctx, log.LevelWarn, "outbox event delivery failed, will retry",
			log.String("event_id", event.ID.String()),
			log.String("event_type", event.EventType),
			log.Int("attempt", attempts),
			log.String("error", lastError),
		)

		return
	}

	dead, err := dispatcher.repo.DeadLetter(ctx, event.ID, lastError)
	if err != nil {
		result.StateUpdateFailed++

		dispatcher.logger.Log(ctx, log.LevelError, "failed to dead-letter outbox event",
			log.String("event_id", event.ID.String()), log.Err(err))

		dispatcher.release(ctx, []*Event{event})

		return
	}

	result.DeadLettered++

	dispatcher.metrics.deadLettered.Add(ctx, 1, metricEventType(event.EventType))

	dispatcher.logger.Log(ctx, log.LevelError, "outbox event dead-lettered",
		log.String("event_id", event.ID.String()),
		log.String("event_type", event.EventType),
		log.String("aggregate_type", event.AggregateType),
		log.String("aggregate_id", event.AggregateID),
		log.Int("attempts", dead.RetryCount),
		log.String("error", lastError),
	)

	if dispatcher.deadLetterHook != nil {
		_ = runtime.CallWithRecovery(ctx, dispatcher.logger, "outbox", "dead_letter_hook", func() error {
			dispatcher.deadLetterHook(ctx, dead, cause)

			return nil
		})
	}
}

func (dispatcher *Dispatcher) release(ctx context.Context, events []*Event) {
	ids := make([]uuid.UUID, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}

	if err := dispatcher.repo.Release(context.WithoutCancel(ctx), ids...); err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to release outbox events",
			log.Int("count", len(ids)), log.Err(err))
	}
}

func (dispatcher *Dispatcher) retryDelay(attempts int) time.Duration {
	if dispatcher.cfg.RetryBackoff <= 0 {
		return 0
	}

	return backoff.FullJitter(backoff.Capped(dispatcher.cfg.RetryBackoff, dispatcher.cfg.MaxRetryBackoff, attempts-1))
}

func (dispatcher *Dispatcher) recordQueueSize(ctx context.Context) {
	pending, err := dispatcher.repo.PendingCount(ctx)
	if err != nil {
		return
	}

	dispatcher.metrics.queueSize.Record(ctx, int64(pending))
}

func (dispatcher *Dispatcher) isNonRetryableError(err error) bool {
	if err == nil || nilcheck.Interface(dispatcher.retryClassifier) {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func (dispatcher *Dispatcher) stopSignal() <-chan struct{} {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	return dispatcher.stop
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
