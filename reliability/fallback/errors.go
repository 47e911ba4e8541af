package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-reliability/reliability/circuitbreaker"
)

var (
	// ErrCompositeFailure matches every *CompositeError through errors.Is.
	ErrCompositeFailure = errors.New("fallback: primary and fallback both failed")
	// ErrNilCoordinator is returned when a nil coordinator is used.
	ErrNilCoordinator = errors.New("fallback: coordinator is nil")
	// ErrNilProvider is returned when the coordinator is built without breakers.
	ErrNilProvider = errors.New("fallback: breaker provider is nil")
	// ErrEmptyName is returned for empty degradation names.
	ErrEmptyName = errors.New("fallback: name is empty")
	// ErrNilPrimary is returned when the primary action is nil.
	ErrNilPrimary = errors.New("fallback: primary action is nil")
	// ErrNilFallback is returned when the fallback action is nil.
	ErrNilFallback = errors.New("fallback: fallback action is nil")
)

// CompositeError is returned when the fallback fails after the primary did.
// It unwraps to both causes.
type CompositeError struct {
	Name     string
	Primary  error
	Fallback error
}

func (e *CompositeError) Error() string {
	return fmt.Sprintf("both primary and fallback failed for %s: primary: %v; fallback: %v", e.Name, e.Primary, e.Fallback)
}

// Unwrap returns the primary and fallback errors.
func (e *CompositeError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// Is matches ErrCompositeFailure.
func (e *CompositeError) Is(target error) bool {
	return target == ErrCompositeFailure
}

// errorKind names the error for the graceful.degradation.errors counter. The
// value set stays small: known sentinels by name, everything else by type.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "circuit_half_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return fmt.Sprintf("%T", err)
	}
}
