package idempotency

import "errors"

var (
	// ErrConflict signals an idempotency key reused with a different request.
	// It is a client error and must never be retried automatically.
	ErrConflict = errors.New("idempotency key reused with a different request")
	// ErrInProgress signals that another caller is still processing the key.
	ErrInProgress = errors.New("idempotent request is still in progress")
	// ErrRecordNotFound is returned when completing a key that has no record.
	ErrRecordNotFound = errors.New("idempotency record not found")
	// ErrInvalidTransition is returned when completing a record that is not PROCESSING.
	ErrInvalidTransition = errors.New("invalid idempotency status transition")
	// ErrKeyRequired is returned for empty idempotency keys.
	ErrKeyRequired = errors.New("idempotency key is required")
	// ErrFingerprintRequired is returned for empty fingerprints.
	ErrFingerprintRequired = errors.New("idempotency fingerprint is required")
	// ErrStoreRequired is returned when a coordinator is built without a store.
	ErrStoreRequired = errors.New("idempotency store is required")
	// ErrCoordinatorRequired is returned when a nil coordinator is used.
	ErrCoordinatorRequired = errors.New("idempotency coordinator is required")
	// ErrContention is returned when a record keeps changing under a state transition.
	ErrContention = errors.New("idempotency record changed concurrently")
)
