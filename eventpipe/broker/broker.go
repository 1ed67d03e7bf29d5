package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidTopic       = errors.New("invalid topic name")
	ErrInvalidGroup       = errors.New("invalid consumer group name")
	ErrInvalidPartition   = errors.New("partition out of range")
	ErrInvalidPartitions  = errors.New("partition count must be positive")
	ErrHandlerRequired    = errors.New("handler is required")
	ErrClosed             = errors.New("broker is closed")
	ErrAlreadySettled     = errors.New("delivery already settled")
	ErrDelayUnsupported   = errors.New("transport has no native delayed redelivery")
	ErrPartitionMismatch  = errors.New("topic exists with a different partition count")
	ErrInnerBrokerMissing = errors.New("inner broker is required")
)

// Message is what producers hand to Publish. Key selects the partition. ID,
// when set, is kept as the transport message id so retries of the same
// logical message can be deduplicated downstream.
type Message struct {
	ID      string
	Key     string
	Body    []byte
	Headers map[string]string
}

// Delivery is one received message and its settlement handle. Exactly one of
// Ack, Nak or Delay takes effect; later calls return ErrAlreadySettled.
type Delivery interface {
	Message() Message
	MessageID() string
	Topic() string
	Partition() int
	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt() int
	Ack(ctx context.Context) error
	// Nak rejects the message. With requeue the transport redelivers it;
	// without, it is dropped.
	Nak(ctx context.Context, requeue bool) error
	// Delay asks for redelivery after d, or behaves as Nak(requeue) when the
	// transport cannot delay.
	Delay(ctx context.Context, d time.Duration) error
	Settled() bool
}

// Handler processes one delivery. A handler that returns without settling
// gets its delivery acked on nil and nak'd with requeue on error.
type Handler func(ctx context.Context, delivery Delivery) error

// Subscription is a running consumer.
type Subscription interface {
	// Unsubscribe stops the consumer loops and waits for them to exit.
	Unsubscribe() error
	// Done is closed once every loop has exited.
	Done() <-chan struct{}
}

// Broker is the producer, consumer and administration surface of a
// partitioned transport.
type Broker interface {
	PartitionCount() int
	GetPartition(key string) int
	EnsureTopicExists(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, msg Message) (string, error)
	// PublishBatch groups msgs by partition and preserves their order within
	// each partition. Ids are returned in input order.
	PublishBatch(ctx context.Context, topic string, msgs []Message) ([]string, error)
	// Subscribe attaches handler to every partition of topic for group.
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
	SubscribeToPartition(ctx context.Context, topic, group string, partition int, handler Handler) (Subscription, error)
	GetPendingCount(ctx context.Context, topic, group string) (int64, error)
	IsHealthy(ctx context.Context) bool
	Close() error
}
