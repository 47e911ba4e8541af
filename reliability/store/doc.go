// Package store provides the expiring key/record store shared by the
// idempotency, lock, fallback and outbox components.
//
// Every coordinator owns its own Store instance (or its own key prefix on a
// shared backend); no component reads or writes another component's records.
// Records are immutable snapshots: updates replace the whole Entry through
// CompareAndSwap, never mutate a stored value in place.
//
// Expiry is lazy. Get and PutIfAbsent treat an entry whose ExpiresAt has passed
// as absent and remove it. A Reaper can additionally purge expired entries on a
// schedule; it only removes entries that are already expired at purge time.
package store
