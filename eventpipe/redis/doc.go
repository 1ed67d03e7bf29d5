// Package redis provides the shared Redis client and the distributed lock
// used to keep outbox and idempotency sweeps single-flight across replicas.
//
// Supported deployment modes are standalone, sentinel, and cluster.
package redis
