// Package eventpipe holds the process-level pieces shared by the pipeline:
// the Launcher that runs long-lived apps such as the outbox processor and
// subscriber dispatchers, and the context helpers that carry a logger,
// tracer and correlation id through a call chain.
//
// The pipeline itself lives in the subpackages: envelope, outbox, broker,
// subscriber, idempotency and resilience.
package eventpipe
