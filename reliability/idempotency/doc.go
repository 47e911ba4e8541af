// Package idempotency deduplicates operations by a client-supplied key and a
// fingerprint of the request.
//
// The first CheckOrBegin for a key wins and records the key as PROCESSING.
// Concurrent callers with the same fingerprint observe InProgress, callers
// with a different fingerprint observe Conflict, and once Complete stores the
// response every later caller within the TTL observes Completed with the
// cached payload. Fail removes the record so the next attempt starts fresh.
//
// Keys are scoped by the tenant carried in the context (see
// reliability.ContextWithTenantID), so two tenants never share a record.
package idempotency
