// Package resilience wraps I/O calls in a retry, circuit breaker and timeout
// pipeline: retry(breaker(timeout(fn))).
//
// Each attempt is bounded by the per-attempt timeout. Failed attempts are
// recorded by a named gobreaker breaker shared by every call of the
// pipeline. Only errors classified as transient are retried, and an open
// breaker is never retried.
package resilience
