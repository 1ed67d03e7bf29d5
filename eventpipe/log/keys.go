package log

// Field keys shared by the outbox, broker and subscriber components so that
// one event can be followed through the pipeline in a log search.
const (
	KeyEventID       = "event_id"
	KeyEventType     = "event_type"
	KeyAggregateID   = "aggregate_id"
	KeyCorrelationID = "correlation_id"
	KeyMessageID     = "message_id"
	KeyTopic         = "topic"
	KeyPartition     = "partition"
	KeyConsumerGroup = "consumer_group"
	KeyOperation     = "operation"
	KeyAttempt       = "attempt"
)
