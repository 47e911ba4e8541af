// Package errgroup runs goroutines that share a cancellation context and
// reports every failure.
//
// The first error or recovered panic cancels the group context. Wait returns
// all of them joined, so a concurrent shutdown reports each component that
// failed to stop rather than only the first.
package errgroup
