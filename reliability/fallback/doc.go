// Package fallback runs calls through a circuit breaker and degrades to a
// cached or fallback value when they fail.
//
// Execute caches successful primary results for a TTL and calls the fallback
// on failure. ExecuteWithCachedFallback checks the cache first, so a stale but
// real previous result wins over a synthetic fallback value. When both the
// primary and the fallback fail, the caller gets a *CompositeError carrying
// both causes.
package fallback
