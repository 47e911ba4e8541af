package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
)

// Locker is the distributed lock contract shared by the store-backed Manager
// and the Redis (redsync) implementation.
type Locker interface {
	// TryAcquire attempts to take name for lease, polling for up to wait.
	// acquired is false when the wait elapsed; that is not an error.
	TryAcquire(ctx context.Context, name string, wait, lease time.Duration) (token string, acquired bool, err error)
	// Release frees name iff token is the current holder's token.
	Release(ctx context.Context, name, token string) (bool, error)
	// Extend resets the lease of name to extension from now iff token is the current holder's token.
	Extend(ctx context.Context, name, token string, extension time.Duration) (bool, error)
}

// Record is the stored state of a held lock.
type Record struct {
	Name       string    `json:"name"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ExecuteWithLock acquires name, runs fn and releases the lock on every
// path, including when fn panics. When the lock cannot be acquired within
// wait it returns ErrNotAcquired without calling fn.
func ExecuteWithLock[T any](
	ctx context.Context,
	locker Locker,
	name string,
	wait, lease time.Duration,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T

	if nilcheck.Interface(locker) {
		return zero, ErrNilLocker
	}

	if fn == nil {
		return zero, ErrNilLockFn
	}

	if strings.TrimSpace(name) == "" {
		return zero, ErrEmptyLockName
	}

	token, acquired, err := locker.TryAcquire(ctx, name, wait, lease)
	if err != nil {
		return zero, fmt.Errorf("acquire lock %s: %w", SafeNameForLogs(name), err)
	}

	if !acquired {
		return zero, fmt.Errorf("%w: %s", ErrNotAcquired, SafeNameForLogs(name))
	}

	defer func() {
		releaseCtx := context.WithoutCancel(ctx)

		if released, err := locker.Release(releaseCtx, name, token); err != nil || !released {
			reliability.NewLoggerFromContext(ctx).Log(releaseCtx, log.LevelWarn, "lock not released after execution",
				log.String("lock_name", SafeNameForLogs(name)), log.Bool("released", released), log.Err(err))
		}
	}()

	return fn(ctx)
}

// WithLock is ExecuteWithLock for functions that only return an error.
func WithLock(ctx context.Context, locker Locker, name string, wait, lease time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return ErrNilLockFn
	}

	_, err := ExecuteWithLock(ctx, locker, name, wait, lease, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}
