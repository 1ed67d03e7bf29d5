// Package rabbitmq implements broker.Broker on RabbitMQ. A topic is a direct
// exchange ({prefix}_{topic}) routed by partition number; a consumer group
// owns one quorum queue per partition ({prefix}.{topic}.{group}.{N}) with
// single-active-consumer and prefetch 1, so each partition is processed by
// one consumer at a time and in order.
//
// A direct exchange drops messages no queue is bound to, so groups must be
// declared (DeclareGroup or a first Subscribe) before producers publish.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/backoff"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/opentelemetry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// HeaderKey carries the partition key next to the payload.
	HeaderKey = "eventpipe-key"

	headerDeliveryCount = "x-delivery-count"

	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

var ErrConnectionMissing = errors.New("rabbitmq connection is required")

// Option configures a Broker.
type Option func(*Broker)

func WithConfig(cfg broker.Config) Option {
	return func(b *Broker) {
		b.cfg = cfg
	}
}

func WithLogger(logger log.Logger) Option {
	return func(b *Broker) {
		if !nilcheck.Interface(logger) {
			b.logger = logger
		}
	}
}

func WithPublisherConfirmTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		b.confirmTimeout = timeout
	}
}

// Broker is a RabbitMQ transport.
type Broker struct {
	conn           *Connection
	cfg            broker.Config
	part           broker.Partitioner
	naming         broker.Naming
	logger         log.Logger
	confirmTimeout time.Duration

	pubMu     sync.Mutex
	publisher *ConfirmablePublisher

	exchanges sync.Map
	subs      broker.Registry
}

// New returns a Broker on conn. Close closes conn.
func New(conn *Connection, opts ...Option) (*Broker, error) {
	if conn == nil {
		return nil, ErrConnectionMissing
	}

	b := &Broker{conn: conn, cfg: broker.DefaultConfig(), logger: log.NewNop(), confirmTimeout: DefaultConfirmTimeout}

	for _, opt := range opts {
		opt(b)
	}

	b.cfg.Normalize()

	part, err := broker.NewPartitioner(b.cfg.Partitions)
	if err != nil {
		return nil, err
	}

	b.part = part
	b.naming = broker.Naming{Prefix: b.cfg.Prefix}

	return b, nil
}

func (b *Broker) PartitionCount() int { return b.part.Count() }

func (b *Broker) GetPartition(key string) int { return b.part.Partition(key) }

func (b *Broker) withChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	ch, err := b.conn.Channel(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = ch.Close() }()

	return fn(ch)
}

// EnsureTopicExists declares the topic exchange.
func (b *Broker) EnsureTopicExists(ctx context.Context, topic string) error {
	if err := broker.ValidateTopic(topic); err != nil {
		return err
	}

	if _, ok := b.exchanges.Load(topic); ok {
		return nil
	}

	err := b.withChannel(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(b.naming.Stream(topic), amqp.ExchangeDirect, true, false, false, false, nil)
	})
	if err != nil {
		return fmt.Errorf("declare exchange for %s: %w", topic, err)
	}

	b.exchanges.Store(topic, struct{}{})

	return nil
}

func (b *Broker) queueArgs() amqp.Table {
	return amqp.Table{
		amqp.QueueTypeArg:            amqp.QueueTypeQuorum,
		amqp.SingleActiveConsumerArg: true,
		"x-delivery-limit":           int64(b.cfg.MaxDeliver),
	}
}

// DeclareGroup declares and binds the queues of group on every partition of
// topic so messages published from now on are retained for it.
func (b *Broker) DeclareGroup(ctx context.Context, topic, group string) error {
	if err := broker.ValidateGroup(group); err != nil {
		return err
	}

	if err := b.EnsureTopicExists(ctx, topic); err != nil {
		return err
	}

	return b.withChannel(ctx, func(ch *amqp.Channel) error {
		for partition := range b.part.Count() {
			if err := b.declareQueue(ch, topic, group, partition); err != nil {
				return err
			}
		}

		return nil
	})
}

func (b *Broker) declareQueue(ch *amqp.Channel, topic, group string, partition int) error {
	queue := b.naming.Queue(topic, group, partition)

	if _, err := ch.QueueDeclare(queue, true, false, false, false, b.queueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, strconv.Itoa(partition), b.naming.Stream(topic), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	return nil
}

func (b *Broker) currentPublisher(ctx context.Context) (*ConfirmablePublisher, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.publisher != nil && !b.publisher.IsClosed() {
		return b.publisher, nil
	}

	ch, err := b.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	pub, err := NewConfirmablePublisher(ch,
		WithPublisherLogger(b.logger),
		WithConfirmTimeout(b.confirmTimeout),
	)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	b.publisher = pub

	return pub, nil
}

func toPublishing(msg broker.Message) amqp.Publishing {
	headers := amqp.Table{HeaderKey: msg.Key}
	for key, value := range msg.Headers {
		headers[key] = value
	}

	return amqp.Publishing{
		MessageId:    msg.ID,
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	}
}

// Publish sends msg and waits for the broker confirm.
func (b *Broker) Publish(ctx context.Context, topic string, msg broker.Message) (string, error) {
	if b.subs.Closed() {
		return "", broker.ErrClosed
	}

	if err := b.EnsureTopicExists(ctx, topic); err != nil {
		return "", err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	pub, err := b.currentPublisher(ctx)
	if err != nil {
		return "", err
	}

	routingKey := strconv.Itoa(b.part.Partition(msg.Key))
	if err := pub.PublishAndWaitConfirm(ctx, b.naming.Stream(topic), routingKey, toPublishing(msg)); err != nil {
		return "", fmt.Errorf("publish to %s/%s: %w", topic, routingKey, err)
	}

	return msg.ID, nil
}

func (b *Broker) PublishBatch(ctx context.Context, topic string, msgs []broker.Message) ([]string, error) {
	ids := make([]string, len(msgs))

	for _, group := range b.part.Group(msgs) {
		for _, item := range group {
			id, err := b.Publish(ctx, topic, item.Message)
			if err != nil {
				return nil, fmt.Errorf("publish batch item %d: %w", item.Index, err)
			}

			ids[item.Index] = id
		}
	}

	return ids, nil
}

func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler broker.Handler) (broker.Subscription, error) {
	partitions := make([]int, b.part.Count())
	for i := range partitions {
		partitions[i] = i
	}

	return b.subscribe(ctx, topic, group, partitions, handler)
}

func (b *Broker) SubscribeToPartition(ctx context.Context, topic, group string, partition int, handler broker.Handler) (broker.Subscription, error) {
	if !b.part.Valid(partition) {
		return nil, fmt.Errorf("%w: %d", broker.ErrInvalidPartition, partition)
	}

	return b.subscribe(ctx, topic, group, []int{partition}, handler)
}

func (b *Broker) subscribe(ctx context.Context, topic, group string, partitions []int, handler broker.Handler) (broker.Subscription, error) {
	if err := broker.ValidateGroup(group); err != nil {
		return nil, err
	}

	if handler == nil {
		return nil, broker.ErrHandlerRequired
	}

	if b.subs.Closed() {
		return nil, broker.ErrClosed
	}

	if err := b.EnsureTopicExists(ctx, topic); err != nil {
		return nil, err
	}

	err := b.withChannel(ctx, func(ch *amqp.Channel) error {
		for _, partition := range partitions {
			if err := b.declareQueue(ch, topic, group, partition); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	loops := make([]broker.Loop, 0, len(partitions))
	for _, partition := range partitions {
		pc := &partitionConsumer{broker: b, topic: topic, group: group, partition: partition, handler: handler}
		loops = append(loops, pc.run)
	}

	sub := broker.StartLoops(ctx, b.logger, loops...)
	if err := b.subs.Track(sub); err != nil {
		return nil, err
	}

	return sub, nil
}

// GetPendingCount sums the ready messages of group's queues. Messages
// delivered but not yet acknowledged are not included.
func (b *Broker) GetPendingCount(ctx context.Context, topic, group string) (int64, error) {
	var total int64

	for partition := range b.part.Count() {
		queue := b.naming.Queue(topic, group, partition)

		var q amqp.Queue

		err := b.withChannel(ctx, func(ch *amqp.Channel) error {
			var declareErr error
			q, declareErr = ch.QueueDeclarePassive(queue, true, false, false, false, b.queueArgs())

			return declareErr
		})
		if err != nil {
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
				continue
			}

			return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
		}

		total += int64(q.Messages)
	}

	return total, nil
}

func (b *Broker) IsHealthy(context.Context) bool {
	return !b.subs.Closed() && b.conn.IsHealthy()
}

// Close stops subscriptions, the publisher and the connection.
func (b *Broker) Close() error {
	errs := []error{b.subs.CloseAll()}

	b.pubMu.Lock()
	if b.publisher != nil {
		errs = append(errs, b.publisher.Close())
		b.publisher = nil
	}
	b.pubMu.Unlock()

	errs = append(errs, b.conn.Close())

	return errors.Join(errs...)
}

type partitionConsumer struct {
	broker    *Broker
	topic     string
	group     string
	partition int
	handler   broker.Handler
}

// run consumes until ctx ends, reopening the channel whenever the server
// closes it.
func (c *partitionConsumer) run(ctx context.Context) error {
	b := c.broker
	queue := b.naming.Queue(c.topic, c.group, c.partition)
	logger := b.logger.With(
		log.String(log.KeyTopic, c.topic),
		log.String(log.KeyConsumerGroup, c.group),
		log.Int(log.KeyPartition, c.partition),
	)
	failures := 0

	for ctx.Err() == nil {
		err := c.consume(ctx, logger, queue)
		if ctx.Err() != nil {
			return nil
		}

		failures++
		logger.Log(ctx, log.LevelWarn, "rabbitmq consumer stopped, restarting", log.Int(log.KeyAttempt, failures), log.Err(err))

		if waitErr := backoff.WaitContext(ctx, backoff.Capped(retryBaseDelay, failures-1, retryMaxDelay)); waitErr != nil {
			return nil
		}
	}

	return nil
}

func (c *partitionConsumer) consume(ctx context.Context, logger log.Logger, queue string) error {
	ch, err := c.broker.conn.Channel(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = ch.Close() }()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for d := range deliveries {
		c.handle(ctx, logger, d)
	}

	return errors.New("delivery channel closed")
}

func (c *partitionConsumer) handle(ctx context.Context, logger log.Logger, d amqp.Delivery) {
	msg := fromDelivery(d)
	attempt := attemptOf(d)

	delivery := broker.NewDelivery(broker.DeliveryInfo{
		Message:   msg,
		Topic:     c.topic,
		Partition: c.partition,
		Attempt:   attempt,
	}, settler{delivery: d})

	ctx = opentelemetry.ExtractTraceContextFromTable(ctx, d.Headers)

	if err := broker.Invoke(ctx, logger, c.handler, delivery); err != nil {
		logger.Log(ctx, log.LevelDebug, "handler returned error",
			log.String(log.KeyMessageID, msg.ID),
			log.Int(log.KeyAttempt, attempt),
			log.Err(err),
		)
	}
}

func fromDelivery(d amqp.Delivery) broker.Message {
	msg := broker.Message{ID: d.MessageId, Body: d.Body}

	for key, value := range d.Headers {
		text, ok := value.(string)
		if !ok {
			continue
		}

		if key == HeaderKey {
			msg.Key = text
			continue
		}

		if msg.Headers == nil {
			msg.Headers = make(map[string]string)
		}

		msg.Headers[key] = text
	}

	return msg
}

// attemptOf reads the quorum-queue delivery counter, which counts previous
// deliveries.
func attemptOf(d amqp.Delivery) int {
	switch count := d.Headers[headerDeliveryCount].(type) {
	case int64:
		return int(count) + 1
	case int32:
		return int(count) + 1
	case int:
		return count + 1
	}

	if d.Redelivered {
		return 2
	}

	return 1
}

type settler struct {
	delivery amqp.Delivery
}

func (s settler) Ack(context.Context) error { return s.delivery.Ack(false) }

func (s settler) Nak(_ context.Context, requeue bool) error {
	return s.delivery.Nack(false, requeue)
}

func (s settler) Delay(context.Context, time.Duration) error {
	return broker.ErrDelayUnsupported
}

var _ broker.Broker = (*Broker)(nil)
