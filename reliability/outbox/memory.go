package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/clock"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/store"
	"github.com/google/uuid"
)

// DefaultRetention is how long processed events stay readable through GetByID.
const DefaultRetention = 24 * time.Hour

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithMemoryClock sets the clock used for retry eligibility and retention.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(repo *MemoryRepository) {
		if !nilcheck.Interface(c) {
			repo.clock = c
		}
	}
}

// WithRetention sets how long processed events are archived.
func WithRetention(retention time.Duration) MemoryOption {
	return func(repo *MemoryRepository) {
		if retention > 0 {
			repo.retention = retention
		}
	}
}

// MemoryRepository is an in-process Repository. Pending events form a FIFO
// queue, in-flight and dead-lettered events are indexed by id, and processed
// events move to an expiring archive.
//
// Nothing survives a restart, and Append is not part of any caller
// transaction.
type MemoryRepository struct {
	mu          sync.Mutex
	clock       clock.Clock
	retention   time.Duration
	events      map[uuid.UUID]*Event
	queue       []uuid.UUID
	deadLetters []uuid.UUID
	processed   *store.Memory[*Event]
}

var (
	_ Repository   = (*MemoryRepository)(nil)
	_ store.Purger = (*MemoryRepository)(nil)
)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	repo := &MemoryRepository{
		clock:     clock.System{},
		retention: DefaultRetention,
		events:    make(map[uuid.UUID]*Event),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.processed = store.NewMemory[*Event](store.WithClock(repo.clock))

	return repo
}

func (repo *MemoryRepository) Append(_ context.Context, event *Event) error {
	if event == nil {
		return ErrEventRequired
	}

	if event.Status != StatusPending {
		return fmt.Errorf("append event %s: %w: %s", event.ID, ErrTransitionInvalid, event.Status)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	if _, exists := repo.events[event.ID]; exists {
		return fmt.Errorf("%w: %s", ErrEventAlreadyExists, event.ID)
	}

	repo.events[event.ID] = event.Clone()
	repo.queue = append(repo.queue, event.ID)

	return nil
}

func (repo *MemoryRepository) Dequeue(_ context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	now := repo.clock.Now()
	taken := make([]*Event, 0, min(limit, len(repo.queue)))
	remaining := repo.queue[:0]

	for _, id := range repo.queue {
		event := repo.events[id]

		if len(taken) >= limit || event.NextAttemptAt.After(now) {
			remaining = append(remaining, id)

			continue
		}

		inFlight, err := event.transition(StatusProcessing, now)
		if err != nil {
			remaining = append(remaining, id)

			continue
		}

		repo.events[id] = inFlight
		taken = append(taken, inFlight.Clone())
	}

	repo.queue = remaining

	return taken, nil
}

func (repo *MemoryRepository) Release(_ context.Context, ids ...uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	now := repo.clock.Now()
	released := make([]*Event, 0, len(ids))

	for _, id := range ids {
		event, err := repo.inFlight(id)
		if err != nil {
			return err
		}

		pending, err := event.transition(StatusPending, now)
		if err != nil {
			return err
		}

		released = append(released, pending)
	}

	head := make([]uuid.UUID, 0, len(released)+len(repo.queue))

	for _, pending := range released {
		repo.events[pending.ID] = pending
		head = append(head, pending.ID)
	}

	repo.queue = append(head, repo.queue...)

	return nil
}

func (repo *MemoryRepository) MarkProcessed(_ context.Context, id uuid.UUID, processedAt time.Time) (*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, err := repo.inFlight(id)
	if err != nil {
		return nil, err
	}

	processed, err := event.transition(StatusProcessed, repo.clock.Now())
	if err != nil {
		return nil, err
	}

	processedAt = processedAt.UTC()
	processed.ProcessedAt = &processedAt
	processed.NextAttemptAt = time.Time{}

	delete(repo.events, id)

	if _, err := repo.processed.Put(context.Background(), store.Entry[*Event]{
		Key:       id.String(),
		Value:     processed,
		ExpiresAt: processedAt.Add(repo.retention),
	}); err != nil {
		return nil, err
	}

	return processed.Clone(), nil
}

func (repo *MemoryRepository) Requeue(
	_ context.Context,
	id uuid.UUID,
	lastError string,
	nextAttemptAt time.Time,
) (*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, err := repo.inFlight(id)
	if err != nil {
		return nil, err
	}

	pending, err := event.transition(StatusPending, repo.clock.Now())
	if err != nil {
		return nil, err
	}

	pending.RetryCount++
	pending.LastError = lastError
	pending.NextAttemptAt = nextAttemptAt

	repo.events[id] = pending
	repo.queue = append(repo.queue, id)

	return pending.Clone(), nil
}

func (repo *MemoryRepository) DeadLetter(_ context.Context, id uuid.UUID, lastError string) (*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, err := repo.inFlight(id)
	if err != nil {
		return nil, err
	}

	dead, err := event.transition(StatusDeadLettered, repo.clock.Now())
	if err != nil {
		return nil, err
	}

	dead.RetryCount++
	dead.LastError = lastError
	dead.NextAttemptAt = time.Time{}

	repo.events[id] = dead
	repo.deadLetters = append(repo.deadLetters, id)

	return dead.Clone(), nil
}

func (repo *MemoryRepository) PendingCount(_ context.Context) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return len(repo.queue), nil
}

func (repo *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	repo.mu.Lock()
	event, ok := repo.events[id]
	repo.mu.Unlock()

	if ok {
		return event.Clone(), nil
	}

	entry, ok, err := repo.processed.Get(ctx, id.String())
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	return entry.Value.Clone(), nil
}

func (repo *MemoryRepository) ListDeadLettered(_ context.Context, limit int) ([]*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	count := len(repo.deadLetters)
	if limit > 0 {
		count = min(limit, count)
	}

	events := make([]*Event, 0, count)

	for _, id := range repo.deadLetters[:count] {
		events = append(events, repo.events[id].Clone())
	}

	return events, nil
}

func (repo *MemoryRepository) Redrive(_ context.Context, id uuid.UUID) (*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	if event.Status != StatusDeadLettered {
		return nil, fmt.Errorf("redrive event %s: %w: %s is not dead-lettered", id, ErrTransitionInvalid, event.Status)
	}

	pending, err := event.transition(StatusPending, repo.clock.Now())
	if err != nil {
		return nil, err
	}

	pending.RetryBase = pending.RetryCount

	repo.events[id] = pending
	repo.deadLetters = slices.DeleteFunc(repo.deadLetters, func(candidate uuid.UUID) bool { return candidate == id })
	repo.queue = append(repo.queue, id)

	return pending.Clone(), nil
}

// PurgeExpired drops processed events older than the retention window.
func (repo *MemoryRepository) PurgeExpired(ctx context.Context) (int, error) {
	return repo.processed.PurgeExpired(ctx)
}

// inFlight returns the PROCESSING event for id. Callers hold mu.
func (repo *MemoryRepository) inFlight(id uuid.UUID) (*Event, error) {
	event, ok := repo.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	if event.Status != StatusProcessing {
		return nil, fmt.Errorf("event %s: %w: %s is not in flight", id, ErrTransitionInvalid, event.Status)
	}

	return event, nil
}
