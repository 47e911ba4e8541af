// Package outbox implements the transactional outbox pattern: events are
// appended next to a state change and delivered asynchronously, at least once,
// by a Dispatcher.
//
// Each dispatch cycle dequeues a bounded batch, hands every event to the
// handler registered for its type and marks it processed on success. A failed
// event records the attempt (RetryCount and a redacted LastError) and goes back
// to the tail of the queue until it reaches the retry budget, at which point it
// is dead-lettered. Dead-lettered events are kept for inspection and can be
// returned to the queue with Redrive.
//
// Limitations of the in-memory repository:
//
//   - Publish is not atomic with any business write. A durable Repository must
//     append in the same transaction as the state change it accompanies.
//   - Events of the same aggregate are not delivered in FIFO order once a retry
//     happens, because retried events are re-enqueued at the tail. Strict
//     per-aggregate ordering needs a durable ordered log.
package outbox
