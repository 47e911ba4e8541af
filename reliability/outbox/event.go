package outbox

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/assert"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the size of one event payload.
const DefaultMaxPayloadBytes = 1 << 20

// Event is a domain event stored in the outbox for reliable delivery.
//
// Events are value snapshots: repositories hand out copies and every state
// change produces a new snapshot, so holding an *Event never observes a
// concurrent delivery.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	// Headers carry propagation metadata such as the W3C trace context
	// captured at publish time.
	Headers   map[string]string
	TenantID  string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	// ProcessedAt is nil until the event is delivered.
	ProcessedAt *time.Time
	// RetryCount is the number of failed delivery attempts. It never decreases.
	RetryCount int
	// RetryBase is RetryCount as of the last Redrive. The retry budget counts
	// only the attempts past it.
	RetryBase int
	LastError  string
	// NextAttemptAt delays a retried event. Zero means eligible immediately.
	NextAttemptAt time.Time
}

// NewEvent creates a valid pending event stamped with now.
func NewEvent(
	ctx context.Context,
	aggregateType, aggregateID, eventType string,
	payload []byte,
	now time.Time,
) (*Event, error) {
	return NewEventWithID(ctx, uuid.New(), aggregateType, aggregateID, eventType, payload, now)
}

// NewEventWithID creates a valid pending event using a caller-provided ID.
func NewEventWithID(
	ctx context.Context,
	eventID uuid.UUID,
	aggregateType, aggregateID, eventType string,
	payload []byte,
	now time.Time,
) (*Event, error) {
	asserter := assert.New(ctx, nil, "outbox", "outbox.new_event")

	if err := asserter.That(ctx, eventID != uuid.Nil, "event id is required"); err != nil {
		return nil, fmt.Errorf("outbox event id: %w", err)
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	aggregateType = strings.TrimSpace(aggregateType)
	aggregateID = strings.TrimSpace(aggregateID)

	if aggregateType == "" || aggregateID == "" {
		return nil, ErrAggregateRequired
	}

	if len(payload) == 0 {
		return nil, ErrEventPayloadRequired
	}

	if err := asserter.That(ctx, len(payload) <= DefaultMaxPayloadBytes, "payload exceeds max size",
		"size", len(payload)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventPayloadTooLarge, err)
	}

	now = now.UTC()

	return &Event{
		ID:            eventID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       slices.Clone(payload),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Clone returns a deep copy of the event.
func (event *Event) Clone() *Event {
	if event == nil {
		return nil
	}

	clone := *event
	clone.Payload = slices.Clone(event.Payload)
	clone.Headers = maps.Clone(event.Headers)

	if event.ProcessedAt != nil {
		processedAt := *event.ProcessedAt
		clone.ProcessedAt = &processedAt
	}

	return &clone
}

// Attempts returns the failed attempts counted against the current retry
// budget.
func (event *Event) Attempts() int {
	if event == nil {
		return 0
	}

	return event.RetryCount - event.RetryBase
}

// IsProcessed reports whether the event was delivered.
func (event *Event) IsProcessed() bool {
	return event != nil && event.ProcessedAt != nil
}

// transition returns a copy of the event moved to next, stamped with now.
func (event *Event) transition(next Status, now time.Time) (*Event, error) {
	if err := ValidateTransition(event.Status, next); err != nil {
		return nil, fmt.Errorf("event %s: %w", event.ID, err)
	}

	updated := event.Clone()
	updated.Status = next
	updated.UpdatedAt = now.UTC()

	return updated, nil
}
