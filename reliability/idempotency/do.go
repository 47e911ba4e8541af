package idempotency

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-reliability/reliability/log"
)

// Response is the outcome of Do.
type Response[T any] struct {
	Value    T
	Code     int
	Replayed bool
}

// Do runs fn at most once per (key, request) within the coordinator TTL.
//
// The request is fingerprinted, then CheckOrBegin decides: a Conflict returns
// ErrConflict, InProgress returns ErrInProgress, and Completed decodes and
// replays the cached value without calling fn. Otherwise fn runs; its value
// is stored with Complete on success. When fn returns an error or panics the
// key is released with Fail and the error (or panic) propagates.
func Do[T any](
	ctx context.Context,
	coordinator *Coordinator,
	key string,
	request any,
	fn func(context.Context) (T, int, error),
) (Response[T], error) {
	var zero Response[T]

	if coordinator == nil {
		return zero, ErrCoordinatorRequired
	}

	fingerprint, err := Fingerprint(request)
	if err != nil {
		return zero, err
	}

	result, err := coordinator.CheckOrBegin(ctx, key, fingerprint)
	if err != nil {
		return zero, err
	}

	switch result.Outcome {
	case OutcomeConflict, OutcomeInProgress:
		return zero, result.Err()
	case OutcomeCompleted:
		var value T
		if err := coordinator.serializer.Decode(result.Payload, &value); err != nil {
			return zero, fmt.Errorf("replay idempotent response: %w", err)
		}

		return Response[T]{Value: value, Code: result.Code, Replayed: true}, nil
	}

	settleCtx := context.WithoutCancel(ctx)
	settled := false

	defer func() {
		if settled {
			return
		}

		if failErr := coordinator.Fail(settleCtx, key); failErr != nil {
			coordinator.logger.Log(settleCtx, log.LevelError, "failed to release idempotency key",
				log.String("idempotency_key", key), log.Err(failErr))
		}
	}()

	value, code, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	if err := coordinator.Complete(settleCtx, key, value, code); err != nil {
		return zero, err
	}

	settled = true

	return Response[T]{Value: value, Code: code}, nil
}
