// Package zap adapts go.uber.org/zap to the eventpipe log.Logger interface.
//
// Entries are teed into the OpenTelemetry log bridge and carry trace_id and
// span_id when the context holds an active span.
package zap
