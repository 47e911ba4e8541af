// Package log defines the logging interface shared by every reliability package.
//
// Coordinators accept a Logger and default to NewNop when none is injected.
// Adapters such as the zap package implement Logger so call sites stay identical
// across backends.
package log
