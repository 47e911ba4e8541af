// Package reliability holds the shared plumbing of the reliability toolkit:
// the App/Launcher lifecycle for background loops, request-scoped tracking
// context (logger, tracer, correlation id, tenant id) and environment-driven
// configuration helpers.
//
// The coordinators themselves live in subpackages: idempotency, lock, outbox
// and fallback, all built on the store package. The toolkit package wires them
// together from a single Config.
//
//	ctx = reliability.ContextWithLogger(ctx, logger)
//	ctx = reliability.ContextWithHeaderID(ctx, requestID)
//	ctx = reliability.ContextWithTenantID(ctx, tenantID)
package reliability
