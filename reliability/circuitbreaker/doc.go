// Package circuitbreaker manages named circuit breakers backed by sony/gobreaker.
//
// Breakers trip on consecutive failures, on a failure ratio or on a slow-call
// ratio, move to half-open after Timeout and close again after successful
// trial calls. The Manager also reports per-breaker Stats for dashboards and
// notifies StateChangeListeners, such as the HealthChecker, on transitions.
package circuitbreaker
