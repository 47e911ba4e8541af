package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence operations for outbox events.
//
// Every method that changes an event validates the status transition and
// returns the new snapshot. Dequeue must be atomic: an event handed to one
// caller is never handed to another until it is released, requeued or
// redriven.
type Repository interface {
	// Append stores a pending event at the tail of the queue.
	Append(ctx context.Context, event *Event) error
	// Dequeue moves up to limit eligible pending events, oldest first, to
	// PROCESSING and returns them.
	Dequeue(ctx context.Context, limit int) ([]*Event, error)
	// Release returns in-flight events to the head of the queue, in the given
	// order, without recording an attempt.
	Release(ctx context.Context, ids ...uuid.UUID) error
	// MarkProcessed records a successful delivery.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) (*Event, error)
	// Requeue records a failed attempt and puts the event back at the tail of
	// the queue, eligible again at nextAttemptAt.
	Requeue(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) (*Event, error)
	// DeadLetter records a failed attempt and moves the event to the dead-letter
	// path. Dead-lettered events are kept, never deleted.
	DeadLetter(ctx context.Context, id uuid.UUID, lastError string) (*Event, error)
	// PendingCount returns the number of queued events, including delayed retries.
	PendingCount(ctx context.Context) (int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	// ListDeadLettered returns dead-lettered events, oldest first. A
	// non-positive limit returns all of them.
	ListDeadLettered(ctx context.Context, limit int) ([]*Event, error)
	// Redrive moves a dead-lettered event back to the tail of the queue with a
	// fresh retry budget: RetryBase catches up to RetryCount, which is kept.
	Redrive(ctx context.Context, id uuid.UUID) (*Event, error)
}
