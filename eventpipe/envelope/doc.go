// Package envelope defines the wire format exchanged with the broker and the
// registry that maps event type names to concrete Go types.
//
// An Envelope is a JSON object with camelCase keys whose payload field is
// itself the JSON encoding of the original event:
//
//	{"messageId":"…","eventId":"…","eventType":"order.placed","aggregateId":"order-1",
//	 "payload":"{\"eventId\":\"…\",\"orderId\":\"order-1\"}","correlationId":"…",
//	 "occurredAt":"…","createdAt":"…"}
package envelope
