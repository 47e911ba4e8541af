// Package runtime provides panic recovery for goroutines, handlers and
// background loops.
//
// Recovered panics are logged with their stack, counted in the
// panic_recovered_total metric, recorded on the active span and forwarded to an
// optional ErrorReporter. A PanicPolicy decides whether the process keeps
// running or crashes after recovery.
package runtime
