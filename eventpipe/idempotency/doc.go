// Package idempotency records which events each consumer group has already
// processed.
//
// A record is the pair (event id, consumer group). The subscriber writes it
// only after every handler succeeded, so a crash between handler success and
// the write redelivers the event once more. Records are never mutated and are
// removed by the retention sweep (Sweeper) or by TTL in the Redis store.
package idempotency
