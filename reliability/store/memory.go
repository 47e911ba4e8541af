package store

import (
	"context"
	"sync"

	"github.com/LerianStudio/lib-reliability/reliability/clock"
)

// Option configures an in-memory store.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// Memory is an in-process Store guarded by a single mutex. It is the
// reference implementation of the Store contract and the default backend.
type Memory[V any] struct {
	mu      sync.Mutex
	entries map[string]Entry[V]
	clock   clock.Clock
	version uint64
}

var _ Store[string] = (*Memory[string])(nil)

// NewMemory creates an empty in-memory store.
func NewMemory[V any](opts ...Option) *Memory[V] {
	o := options{clock: clock.System{}}

	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return &Memory[V]{
		entries: make(map[string]Entry[V]),
		clock:   clock.OrSystem(o.clock),
	}
}

// live returns the entry for key, dropping it when expired. Callers hold mu.
func (m *Memory[V]) live(key string) (Entry[V], bool) {
	entry, ok := m.entries[key]
	if !ok {
		return Entry[V]{}, false
	}

	if entry.Expired(m.clock.Now()) {
		delete(m.entries, key)

		return Entry[V]{}, false
	}

	return entry, true
}

func (m *Memory[V]) store(entry Entry[V]) Entry[V] {
	m.version++
	entry.Version = m.version
	m.entries[entry.Key] = entry

	return entry
}

// Get returns the live entry for key.
func (m *Memory[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	if key == "" {
		return Entry[V]{}, false, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.live(key)

	return entry, ok, nil
}

// PutIfAbsent inserts entry when no live entry exists for its key.
func (m *Memory[V]) PutIfAbsent(_ context.Context, entry Entry[V]) (Entry[V], bool, error) {
	if entry.Key == "" {
		return Entry[V]{}, false, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.live(entry.Key); ok {
		return existing, false, nil
	}

	return m.store(entry), true, nil
}

// Put overwrites the entry for entry.Key.
func (m *Memory[V]) Put(_ context.Context, entry Entry[V]) (Entry[V], error) {
	if entry.Key == "" {
		return Entry[V]{}, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store(entry), nil
}

// CompareAndSwap replaces the entry iff it still carries old.Version.
func (m *Memory[V]) CompareAndSwap(_ context.Context, old, updated Entry[V]) (bool, error) {
	if old.Key == "" {
		return false, ErrEmptyKey
	}

	if updated.Key == "" {
		updated.Key = old.Key
	}

	if updated.Key != old.Key {
		return false, ErrKeyMismatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.live(old.Key)
	if !ok || current.Version != old.Version {
		return false, nil
	}

	m.store(updated)

	return true, nil
}

// CompareAndDelete removes the entry iff it still carries old.Version.
func (m *Memory[V]) CompareAndDelete(_ context.Context, old Entry[V]) (bool, error) {
	if old.Key == "" {
		return false, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.live(old.Key)
	if !ok || current.Version != old.Version {
		return false, nil
	}

	delete(m.entries, old.Key)

	return true, nil
}

// Delete removes key.
func (m *Memory[V]) Delete(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)

	return nil
}

// Len returns the number of live entries.
func (m *Memory[V]) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	count := 0

	for _, entry := range m.entries {
		if !entry.Expired(now) {
			count++
		}
	}

	return count, nil
}

// PurgeExpired removes every entry that is expired now.
func (m *Memory[V]) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0

	for key, entry := range m.entries {
		if entry.Expired(now) {
			delete(m.entries, key)
			removed++
		}
	}

	return removed, nil
}

// Range calls fn for every live entry until fn returns false. fn runs
// without the store lock held, over a snapshot taken at call time.
func (m *Memory[V]) Range(_ context.Context, fn func(Entry[V]) bool) {
	m.mu.Lock()

	now := m.clock.Now()
	snapshot := make([]Entry[V], 0, len(m.entries))

	for _, entry := range m.entries {
		if !entry.Expired(now) {
			snapshot = append(snapshot, entry)
		}
	}

	m.mu.Unlock()

	for _, entry := range snapshot {
		if !fn(entry) {
			return
		}
	}
}
