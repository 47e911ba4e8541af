// Package zap adapts go.uber.org/zap to the log.Logger interface.
//
// Entries are correlated with the active OpenTelemetry span and mirrored to
// the OpenTelemetry logs pipeline through the otelzap bridge.
package zap
