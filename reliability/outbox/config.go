package outbox

import (
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/clock"
	"github.com/LerianStudio/lib-reliability/reliability/cron"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultDispatchInterval is the delay between the end of one dispatch
	// cycle and the start of the next.
	DefaultDispatchInterval = 5 * time.Second
	// DefaultBatchSize bounds the events dequeued per cycle.
	DefaultBatchSize = 100
	// DefaultMaxRetries is the number of failed attempts after which an event
	// is dead-lettered.
	DefaultMaxRetries = 5
)

// DispatcherConfig controls dispatcher scheduling, batching and retries.
type DispatcherConfig struct {
	// Schedule decides when the next cycle starts, measured from the end of
	// the previous one. Defaults to cron.Every(DefaultDispatchInterval).
	Schedule cron.Schedule
	// BatchSize is the max number of events processed per cycle.
	BatchSize int
	// MaxRetries is the number of failed attempts after which an event is
	// dead-lettered. An event is never attempted more than MaxRetries times
	// through the normal path.
	MaxRetries int
	// RetryBackoff is the base of the jittered exponential delay before a
	// failed event is eligible again. Zero retries on the next cycle.
	RetryBackoff time.Duration
	// MaxRetryBackoff caps the retry delay. Zero means uncapped.
	MaxRetryBackoff time.Duration
	MeterProvider   metric.MeterProvider
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Schedule:   cron.Every(DefaultDispatchInterval),
		BatchSize:  DefaultBatchSize,
		MaxRetries: DefaultMaxRetries,
	}
}

func (cfg *DispatcherConfig) normalize() {
	if nilcheck.Interface(cfg.Schedule) {
		cfg.Schedule = cron.Every(DefaultDispatchInterval)
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}

	if cfg.MaxRetryBackoff < 0 {
		cfg.MaxRetryBackoff = 0
	}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherConfig replaces the whole configuration. Invalid values fall
// back to defaults.
func WithDispatcherConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithSchedule sets the dispatch schedule.
func WithSchedule(schedule cron.Schedule) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(schedule) {
			dispatcher.cfg.Schedule = schedule
		}
	}
}

// WithDispatchInterval runs a cycle every interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.Schedule = cron.Every(interval)
		}
	}
}

// WithBatchSize sets the max number of events processed per cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMaxRetries sets the failed-attempt budget of an event.
func WithMaxRetries(retries int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if retries > 0 {
			dispatcher.cfg.MaxRetries = retries
		}
	}
}

// WithRetryBackoff delays retried events by a jittered exponential backoff
// starting at base and capped at ceiling (zero for no cap).
func WithRetryBackoff(base, ceiling time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if base > 0 {
			dispatcher.cfg.RetryBackoff = base
		}

		if ceiling > 0 {
			dispatcher.cfg.MaxRetryBackoff = ceiling
		}
	}
}

// WithRetryClassifier sets the classifier for permanent failures. Events whose
// error it reports as non-retryable are dead-lettered on the first failure.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(classifier) {
			dispatcher.retryClassifier = classifier
		}
	}
}

// WithDeadLetterHook registers a callback for dead-lettered events, typically
// used to raise an operator alert.
func WithDeadLetterHook(hook DeadLetterHook) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if hook != nil {
			dispatcher.deadLetterHook = hook
		}
	}
}

// WithDispatcherClock sets the clock used for processed and retry timestamps.
func WithDispatcherClock(c clock.Clock) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(c) {
			dispatcher.clock = c
		}
	}
}

// WithDispatcherMeterProvider overrides the global meter provider.
func WithDispatcherMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = provider
		}
	}
}
