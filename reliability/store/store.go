package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyKey is returned when an entry or lookup has an empty key.
	ErrEmptyKey = errors.New("store: key is empty")
	// ErrKeyMismatch is returned when CompareAndSwap is given entries for different keys.
	ErrKeyMismatch = errors.New("store: old and new entries have different keys")
	// ErrNilStore is returned when a component is built without a store.
	ErrNilStore = errors.New("store: store is nil")
)

// Entry is one stored record. A zero ExpiresAt never expires. Version is
// assigned by the store on every successful write and is what
// CompareAndSwap and CompareAndDelete compare against.
type Entry[V any] struct {
	Key       string
	Value     V
	ExpiresAt time.Time
	Version   uint64
}

// Expired reports whether the entry is expired at now.
func (e Entry[V]) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is a concurrent key to record map with per-key expiry and atomic
// check-then-act operations.
type Store[V any] interface {
	// Get returns the live entry for key. Expired entries are removed and reported absent.
	Get(ctx context.Context, key string) (Entry[V], bool, error)
	// PutIfAbsent inserts entry when no live entry exists for its key. When
	// one does, it returns that entry and false.
	PutIfAbsent(ctx context.Context, entry Entry[V]) (Entry[V], bool, error)
	// Put overwrites the entry unconditionally and returns the stored version.
	Put(ctx context.Context, entry Entry[V]) (Entry[V], error)
	// CompareAndSwap replaces the entry iff the live entry still has old.Version.
	CompareAndSwap(ctx context.Context, old, updated Entry[V]) (bool, error)
	// CompareAndDelete removes the entry iff the live entry still has old.Version.
	CompareAndDelete(ctx context.Context, old Entry[V]) (bool, error)
	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error
	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)
	Purger
}

// Purger removes expired entries and reports how many were removed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Purgers fans PurgeExpired out to several stores.
type Purgers []Purger

// PurgeExpired purges every member and sums the removed counts. It stops at
// the first error.
func (p Purgers) PurgeExpired(ctx context.Context) (int, error) {
	total := 0

	for _, purger := range p {
		if purger == nil {
			continue
		}

		n, err := purger.PurgeExpired(ctx)
		total += n

		if err != nil {
			return total, err
		}
	}

	return total, nil
}
