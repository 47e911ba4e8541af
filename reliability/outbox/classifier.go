package outbox

import (
	"context"
	"errors"

	"github.com/LerianStudio/lib-reliability/reliability/codec"
)

// RetryClassifier determines whether an error should not be retried.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// ErrNonRetryable marks a handler error as permanent. Wrap it to dead-letter an
// event on the first failure.
var ErrNonRetryable = errors.New("outbox: non-retryable delivery error")

// DefaultRetryClassifier treats ErrNonRetryable, codec.ErrSerialization and
// ErrHandlerNotRegistered as permanent.
var DefaultRetryClassifier RetryClassifier = RetryClassifierFunc(func(err error) bool {
	return errors.Is(err, ErrNonRetryable) ||
		errors.Is(err, codec.ErrSerialization) ||
		errors.Is(err, ErrHandlerNotRegistered)
})

// DeadLetterHook is called after an event is dead-lettered, with the error of
// its last attempt. It runs on the dispatcher goroutine; panics are recovered.
type DeadLetterHook func(ctx context.Context, event *Event, cause error)
