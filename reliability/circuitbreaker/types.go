package circuitbreaker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNilManager is returned when a nil manager is used.
	ErrNilManager = errors.New("circuitbreaker: manager is nil")
	// ErrInvalidConfig is returned by GetOrCreate for invalid configurations.
	ErrInvalidConfig = errors.New("circuitbreaker: invalid config")
	// ErrBreakerNotFound is returned by Execute for unknown names.
	ErrBreakerNotFound = errors.New("circuitbreaker: breaker not found")
	// ErrEmptyName is returned for empty breaker names.
	ErrEmptyName = errors.New("circuitbreaker: breaker name is empty")
	// ErrOpen is returned when the breaker rejects a call because it is open.
	ErrOpen = errors.New("circuitbreaker: breaker is open")
	// ErrTooManyRequests is returned when a half-open breaker rejects extra trial calls.
	ErrTooManyRequests = errors.New("circuitbreaker: too many requests while half-open")
)

// Manager manages circuit breakers for external dependencies.
type Manager interface {
	// GetOrCreate returns the breaker for name, creating it with config on first use.
	GetOrCreate(name string, config Config) (CircuitBreaker, error)
	// BreakerFor returns the breaker for name, creating it with the manager default config.
	BreakerFor(name string) (CircuitBreaker, error)
	// Execute runs fn through an existing breaker.
	Execute(name string, fn func() (any, error)) (any, error)
	// GetState returns the state of name, or StateUnknown.
	GetState(name string) State
	// GetCounts returns the counts of name.
	GetCounts(name string) Counts
	// Stats returns the rates and counts of name.
	Stats(name string) (Stats, bool)
	// Names returns every breaker name in sorted order.
	Names() []string
	// IsHealthy reports whether name is closed.
	IsHealthy(name string) bool
	// Reset replaces the breaker for name with a fresh closed one.
	Reset(name string)
	// RegisterStateChangeListener adds a listener notified on every transition.
	RegisterStateChangeListener(listener StateChangeListener)
}

// CircuitBreaker guards calls to one dependency.
type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
	Stats() Stats
}

// Config holds circuit breaker configuration. Zero thresholds are disabled.
type Config struct {
	MaxRequests         uint32        // Max trial requests in half-open state
	Interval            time.Duration // Closed-state window after which counts reset; 0 never resets
	Timeout             time.Duration // Open-state duration before half-open
	ConsecutiveFailures uint32        // Consecutive failures that open the breaker
	FailureRatio        float64       // Failure ratio (0..1] that opens the breaker
	MinRequests         uint32        // Requests required before ratios are evaluated
	SlowCallDuration    time.Duration // Calls at least this long are slow; 0 disables slow-call tracking
	SlowCallRatio       float64       // Slow-call ratio (0..1] that opens the breaker
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.FailureRatio < 0 || c.FailureRatio > 1:
		return errors.Join(ErrInvalidConfig, errors.New("failure ratio must be within [0, 1]"))
	case c.SlowCallRatio < 0 || c.SlowCallRatio > 1:
		return errors.Join(ErrInvalidConfig, errors.New("slow call ratio must be within [0, 1]"))
	case c.Interval < 0 || c.Timeout < 0 || c.SlowCallDuration < 0:
		return errors.Join(ErrInvalidConfig, errors.New("durations cannot be negative"))
	case c.ConsecutiveFailures == 0 && c.FailureRatio == 0 && c.SlowCallRatio == 0:
		return errors.Join(ErrInvalidConfig, errors.New("at least one trip threshold is required"))
	}

	return nil
}

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts represents circuit breaker statistics for the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Stats is a read-only snapshot of a breaker. Rates are percentages in
// [0, 100], or -1 while the window has fewer than MinRequests calls.
type Stats struct {
	Name         string
	State        State
	FailureRate  float64
	SlowCallRate float64
	SlowCalls    uint32
	Counts       Counts
}

// HealthChecker performs periodic health checks and resets breakers of recovered services.
type HealthChecker interface {
	// Register adds a service to health check.
	Register(name string, healthCheckFn HealthCheckFunc)
	// Start begins the health check loop in a separate goroutine.
	Start()
	// Stop stops the loop and waits for it to exit.
	Stop()
	// GetHealthStatus returns the breaker state of every registered service.
	GetHealthStatus() map[string]string

	StateChangeListener
}

// HealthCheckFunc checks a service's health.
type HealthCheckFunc func(ctx context.Context) error

// StateChangeListener is notified when a circuit breaker changes state.
type StateChangeListener interface {
	OnStateChange(name string, from State, to State)
}
