// Package assert provides invariant checks that return errors instead of panicking.
//
// Every failed assertion is logged, recorded as an event on the active span and
// counted in assertion_failed_total, then returned as *AssertionError so the
// caller decides how to propagate it.
package assert
