// Package jetstream implements broker.Broker on NATS JetStream. A topic is
// one stream ({prefix}_{topic}) whose subjects are {prefix}.{topic}.{N}; a
// consumer group is one durable pull consumer per partition with at most one
// unacknowledged message, which keeps each partition strictly ordered.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/backoff"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	natsjs "github.com/nats-io/nats.go/jetstream"
)

const (
	// HeaderKey carries the partition key next to the payload.
	HeaderKey = "Eventpipe-Key"

	duplicateWindow = 2 * time.Minute
	retryBaseDelay  = 100 * time.Millisecond
	retryMaxDelay   = 5 * time.Second
)

var ErrConnectionRequired = errors.New("nats connection is required")

// Option configures a Broker.
type Option func(*Broker)

func WithConfig(cfg broker.Config) Option {
	return func(b *Broker) {
		b.cfg = cfg
	}
}

func WithLogger(logger log.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithNATSOptions adds connection options used by Connect.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(b *Broker) {
		b.natsOpts = append(b.natsOpts, opts...)
	}
}

// Broker is a JetStream transport.
type Broker struct {
	conn     *nats.Conn
	js       natsjs.JetStream
	ownsConn bool
	natsOpts []nats.Option

	cfg    broker.Config
	part   broker.Partitioner
	naming broker.Naming
	logger log.Logger

	ensured sync.Map
	subs    broker.Registry
}

// New returns a Broker over an existing connection, which stays owned by the
// caller.
func New(conn *nats.Conn, opts ...Option) (*Broker, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	b := newBroker(opts...)
	if err := b.init(conn); err != nil {
		return nil, err
	}

	return b, nil
}

// Connect dials url and returns a Broker that closes the connection on
// Close. The connection reconnects forever and logs its state changes.
func Connect(url string, opts ...Option) (*Broker, error) {
	b := newBroker(opts...)

	natsOpts := append([]nats.Option{
		nats.Name(b.cfg.Prefix),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Log(context.Background(), log.LevelWarn, "nats disconnected", log.Err(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			b.logger.Log(context.Background(), log.LevelInfo, "nats reconnected", log.String("url", conn.ConnectedUrlRedacted()))
		}),
	}, b.natsOpts...)

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	if err := b.init(conn); err != nil {
		conn.Close()
		return nil, err
	}

	b.ownsConn = true

	return b, nil
}

func newBroker(opts ...Option) *Broker {
	b := &Broker{cfg: broker.DefaultConfig(), logger: log.NewNop()}

	for _, opt := range opts {
		opt(b)
	}

	b.cfg.Normalize()

	return b
}

func (b *Broker) init(conn *nats.Conn) error {
	part, err := broker.NewPartitioner(b.cfg.Partitions)
	if err != nil {
		return err
	}

	js, err := natsjs.New(conn)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	b.conn = conn
	b.js = js
	b.part = part
	b.naming = broker.Naming{Prefix: b.cfg.Prefix}

	return nil
}

func (b *Broker) PartitionCount() int { return b.part.Count() }

func (b *Broker) GetPartition(key string) int { return b.part.Partition(key) }

// EnsureTopicExists creates or updates the topic stream. The duplicate window
// lets publish retries with the same message id land once.
func (b *Broker) EnsureTopicExists(ctx context.Context, topic string) error {
	if err := broker.ValidateTopic(topic); err != nil {
		return err
	}

	if _, ok := b.ensured.Load(topic); ok {
		return nil
	}

	_, err := b.js.CreateOrUpdateStream(ctx, streamConfig(b.naming, topic))
	if err != nil {
		return fmt.Errorf("ensure stream for %s: %w", topic, err)
	}

	b.ensured.Store(topic, struct{}{})

	return nil
}

func streamConfig(naming broker.Naming, topic string) natsjs.StreamConfig {
	return natsjs.StreamConfig{
		Name:       naming.Stream(topic),
		Subjects:   []string{naming.SubjectWildcard(topic)},
		Retention:  natsjs.LimitsPolicy,
		Storage:    natsjs.FileStorage,
		Duplicates: duplicateWindow,
	}
}

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

	natsMsg := toNATS(b.naming.Subject(topic, b.part.Partition(msg.Key)), msg)

	if _, err := b.js.PublishMsg(ctx, natsMsg, natsjs.WithMsgID(msg.ID)); err != nil {
		return "", fmt.Errorf("publish to %s: %w", natsMsg.Subject, err)
	}

	return msg.ID, nil
}

// PublishBatch publishes each partition group in input order and waits for
// every acknowledgement before moving on.
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

func (b *Broker) consumerConfig(topic, group string, partition int) natsjs.ConsumerConfig {
	return natsjs.ConsumerConfig{
		Durable:       b.naming.Consumer(group, partition),
		FilterSubject: b.naming.Subject(topic, partition),
		DeliverPolicy: natsjs.DeliverAllPolicy,
		AckPolicy:     natsjs.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
		MaxAckPending: 1,
	}
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

	stream := b.naming.Stream(topic)
	loops := make([]broker.Loop, 0, len(partitions))

	for _, partition := range partitions {
		consumer, err := b.js.CreateOrUpdateConsumer(ctx, stream, b.consumerConfig(topic, group, partition))
		if err != nil {
			return nil, fmt.Errorf("create consumer %s on %s: %w", b.naming.Consumer(group, partition), stream, err)
		}

		pc := &partitionConsumer{broker: b, consumer: consumer, topic: topic, group: group, partition: partition, handler: handler}
		loops = append(loops, pc.run)
	}

	sub := broker.StartLoops(ctx, b.logger, loops...)
	if err := b.subs.Track(sub); err != nil {
		return nil, err
	}

	return sub, nil
}

// GetPendingCount sums undelivered and unacknowledged messages of group's
// consumers. Missing consumers count as zero.
func (b *Broker) GetPendingCount(ctx context.Context, topic, group string) (int64, error) {
	stream := b.naming.Stream(topic)

	var total int64

	for partition := range b.part.Count() {
		consumer, err := b.js.Consumer(ctx, stream, b.naming.Consumer(group, partition))
		if err != nil {
			if errors.Is(err, natsjs.ErrConsumerNotFound) || errors.Is(err, natsjs.ErrStreamNotFound) {
				continue
			}

			return 0, fmt.Errorf("lookup consumer: %w", err)
		}

		info, err := consumer.Info(ctx)
		if err != nil {
			return 0, fmt.Errorf("consumer info: %w", err)
		}

		total += int64(info.NumPending) + int64(info.NumAckPending)
	}

	return total, nil
}

func (b *Broker) IsHealthy(context.Context) bool {
	return !b.subs.Closed() && b.conn.IsConnected()
}

// Close stops every subscription and, for brokers built with Connect,
// drains the connection.
func (b *Broker) Close() error {
	err := b.subs.CloseAll()

	if b.ownsConn {
		if drainErr := b.conn.Drain(); drainErr != nil && !errors.Is(drainErr, nats.ErrConnectionClosed) {
			err = errors.Join(err, drainErr)
		}
	}

	return err
}

type partitionConsumer struct {
	broker    *Broker
	consumer  natsjs.Consumer
	topic     string
	group     string
	partition int
	handler   broker.Handler
}

func (c *partitionConsumer) run(ctx context.Context) error {
	b := c.broker
	logger := b.logger.With(
		log.String(log.KeyTopic, c.topic),
		log.String(log.KeyConsumerGroup, c.group),
		log.Int(log.KeyPartition, c.partition),
	)
	failures := 0

	for ctx.Err() == nil {
		batch, err := c.consumer.Fetch(1, natsjs.FetchMaxWait(b.cfg.PollTimeout))
		if err == nil {
			for msg := range batch.Messages() {
				c.handle(ctx, logger, msg)
			}

			err = batch.Error()
		}

		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			if ctx.Err() != nil {
				return nil
			}

			failures++
			logger.Log(ctx, log.LevelWarn, "jetstream fetch failed", log.Int(log.KeyAttempt, failures), log.Err(err))

			if waitErr := backoff.WaitContext(ctx, backoff.Capped(retryBaseDelay, failures-1, retryMaxDelay)); waitErr != nil {
				return nil
			}

			continue
		}

		failures = 0
	}

	return nil
}

func (c *partitionConsumer) handle(ctx context.Context, logger log.Logger, msg natsjs.Msg) {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	message := fromNATS(msg.Headers(), msg.Data())

	delivery := broker.NewDelivery(broker.DeliveryInfo{
		Message:   message,
		Topic:     c.topic,
		Partition: c.partition,
		Attempt:   attempt,
	}, settler{msg: msg})

	if err := broker.Invoke(ctx, logger, c.handler, delivery); err != nil {
		logger.Log(ctx, log.LevelDebug, "handler returned error",
			log.String(log.KeyMessageID, message.ID),
			log.Int(log.KeyAttempt, attempt),
			log.Err(err),
		)
	}
}

func toNATS(subject string, msg broker.Message) *nats.Msg {
	header := nats.Header{}
	for key, value := range msg.Headers {
		header.Set(key, value)
	}

	header.Set(HeaderKey, msg.Key)

	return &nats.Msg{Subject: subject, Data: msg.Body, Header: header}
}

func fromNATS(header nats.Header, data []byte) broker.Message {
	msg := broker.Message{Body: data}

	for key, values := range header {
		if len(values) == 0 {
			continue
		}

		switch {
		case key == nats.MsgIdHdr:
			msg.ID = values[0]
		case key == HeaderKey:
			msg.Key = values[0]
		case strings.HasPrefix(key, "Nats-"):
		default:
			if msg.Headers == nil {
				msg.Headers = make(map[string]string)
			}

			msg.Headers[key] = values[0]
		}
	}

	return msg
}

// acker is the settlement surface of a JetStream message.
type acker interface {
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// settler maps drop to Term so the server stops redelivering.
type settler struct {
	msg acker
}

func (s settler) Ack(context.Context) error { return s.msg.Ack() }

func (s settler) Nak(_ context.Context, requeue bool) error {
	if requeue {
		return s.msg.Nak()
	}

	return s.msg.Term()
}

func (s settler) Delay(_ context.Context, d time.Duration) error {
	return s.msg.NakWithDelay(d)
}

var _ broker.Broker = (*Broker)(nil)
