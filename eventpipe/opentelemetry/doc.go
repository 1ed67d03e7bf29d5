// Package opentelemetry holds the span and propagation helpers used by the
// outbox, broker and subscriber packages.
package opentelemetry
