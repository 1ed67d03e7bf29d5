// Package runtime recovers panics in pipeline goroutines and reports them to
// logs, the active span, a panic counter and an optional ErrorReporter.
package runtime
