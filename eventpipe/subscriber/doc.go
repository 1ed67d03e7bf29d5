// Package subscriber consumes envelopes from a broker.Broker and runs the
// handlers registered for their event type at most once per consumer group.
//
// Every delivery goes through the same steps. The envelope is decoded, its
// event type resolved, the idempotency store consulted, the payload decoded
// and the handlers run in registration order. A record is written to the
// store only after every handler succeeded, and the delivery is acked only
// after that write. A handler error leaves no record and requeues the
// message, so the next attempt runs every handler again.
//
// Unreadable envelopes and payloads are acked and dropped: redelivering them
// would fail the same way forever.
package subscriber
