// Package http provides Fiber middleware and error rendering for the
// reliability coordinators.
//
// WithIdempotency makes unsafe requests replayable by Idempotency-Key, and
// RenderError maps coordinator errors (conflicts, in-progress keys, lock
// contention, open breakers) to HTTP statuses with one error body shape.
package http
