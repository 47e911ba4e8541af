package lock

import "errors"

var (
	// ErrNotAcquired is returned by ExecuteWithLock when the wait window
	// elapsed without acquiring the lock.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrEmptyLockName is returned for empty lock names.
	ErrEmptyLockName = errors.New("lock name cannot be empty")
	// ErrInvalidLease is returned for non-positive lease extensions.
	ErrInvalidLease = errors.New("lock lease must be greater than 0")
	// ErrNilLockFn is returned when a nil function is passed to ExecuteWithLock.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrNilLocker is returned when a nil Locker is used.
	ErrNilLocker = errors.New("locker is nil")
	// ErrStoreRequired is returned when a Manager is built without a store.
	ErrStoreRequired = errors.New("lock store is required")
)
