// Package broker defines the partitioned pub/sub contract shared by every
// transport, plus the pieces transports have in common: consistent-hash
// partitioning, physical naming, delivery settlement and the subscription
// loop runner.
//
// Transports live in the memory, redisstream, jetstream and rabbitmq
// subpackages. Resilient decorates any Broker with a resilience pipeline.
package broker
