package outbox

import "fmt"

// Status is the lifecycle state of an outbox event.
type Status string

const (
	// StatusPending events wait in the queue for the next dispatch cycle.
	StatusPending Status = "PENDING"
	// StatusProcessing events were dequeued and are owned by one delivery.
	StatusProcessing Status = "PROCESSING"
	// StatusProcessed events were delivered. Terminal.
	StatusProcessed Status = "PROCESSED"
	// StatusDeadLettered events exhausted their retry budget or failed with a
	// non-retryable error. Only an operator Redrive moves them again.
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusProcessed, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no delivery will ever touch the event again
// without operator action.
func (status Status) IsTerminal() bool {
	return status == StatusProcessed || status == StatusDeadLettered
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPending || next == StatusProcessed || next == StatusDeadLettered
	case StatusDeadLettered:
		return next == StatusPending
	case StatusProcessed:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrStatusInvalid, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrStatusInvalid, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
