// Package outbox implements the transactional outbox: events are written to a
// Store next to the business change that produced them, and a Processor later
// claims them in batches and hands them to a broker.Broker.
//
// Delivery is at least once. An entry is marked PUBLISHED only after the
// broker accepted it, so a crash between the two steps publishes it again and
// consumers must deduplicate by event id.
//
// The PostgreSQL store lives in the postgres subpackage.
package outbox
