// Package redisstream implements broker.Broker on Redis Streams. Each
// partition is one stream ({prefix}:{topic}:p{N}) and each consumer group is
// a Redis consumer group on every partition stream.
//
// Unacknowledged entries stay in the group's pending list. A periodic claim
// pass takes over entries idle for longer than the claim timeout, which is
// also how requeued messages come back. Every subscribed partition holds one
// blocking connection, so the client pool must be at least as large as the
// number of subscribed partitions.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/backoff"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldID      = "id"
	fieldKey     = "key"
	fieldBody    = "body"
	fieldHeaders = "headers"

	metaPartitions = "partitions"

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	healthTimeout  = 2 * time.Second
)

// ErrClientRequired is returned by New without a client.
var ErrClientRequired = errors.New("redis client is required")

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

// WithConsumerName fixes the consumer name inside each group. By default it
// is derived from the hostname plus a random suffix.
func WithConsumerName(name string) Option {
	return func(b *Broker) {
		if name = strings.TrimSpace(name); name != "" {
			b.consumer = name
		}
	}
}

// WithMaxLen caps every partition stream at roughly maxLen entries.
func WithMaxLen(maxLen int64) Option {
	return func(b *Broker) {
		b.maxLen = maxLen
	}
}

// Broker is a Redis Streams transport.
type Broker struct {
	client   redis.UniversalClient
	cfg      broker.Config
	part     broker.Partitioner
	naming   broker.Naming
	consumer string
	maxLen   int64
	logger   log.Logger
	subs     broker.Registry
}

// New returns a Broker over client. The client stays owned by the caller.
func New(client redis.UniversalClient, opts ...Option) (*Broker, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	b := &Broker{
		client:   client,
		cfg:      broker.DefaultConfig(),
		logger:   log.NewNop(),
		consumer: defaultConsumerName(),
	}

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

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "consumer"
	}

	return host + "-" + uuid.NewString()[:8]
}

func (b *Broker) PartitionCount() int { return b.part.Count() }

func (b *Broker) GetPartition(key string) int { return b.part.Partition(key) }

func (b *Broker) metaKey(topic string) string {
	return b.cfg.Prefix + ":" + topic + ":meta"
}

// EnsureTopicExists records the topic and its partition count. Streams are
// created lazily by the first publish or group creation. It fails with
// broker.ErrPartitionMismatch when the topic was registered with another
// partition count.
func (b *Broker) EnsureTopicExists(ctx context.Context, topic string) error {
	if err := broker.ValidateTopic(topic); err != nil {
		return err
	}

	key := b.metaKey(topic)

	if err := b.client.HSetNX(ctx, key, metaPartitions, b.part.Count()).Err(); err != nil {
		return fmt.Errorf("register topic %s: %w", topic, err)
	}

	stored, err := b.client.HGet(ctx, key, metaPartitions).Int()
	if err != nil {
		return fmt.Errorf("read topic %s metadata: %w", topic, err)
	}

	if stored != b.part.Count() {
		return fmt.Errorf("%w: %s has %d, broker uses %d", broker.ErrPartitionMismatch, topic, stored, b.part.Count())
	}

	if err := b.client.SAdd(ctx, b.cfg.Prefix+":topics", topic).Err(); err != nil {
		return fmt.Errorf("register topic %s: %w", topic, err)
	}

	return nil
}

func (b *Broker) addArgs(topic string, msg broker.Message) (*redis.XAddArgs, error) {
	values := map[string]any{
		fieldID:   msg.ID,
		fieldKey:  msg.Key,
		fieldBody: string(msg.Body),
	}

	if len(msg.Headers) > 0 {
		headers, err := json.Marshal(msg.Headers)
		if err != nil {
			return nil, fmt.Errorf("encode headers: %w", err)
		}

		values[fieldHeaders] = string(headers)
	}

	args := &redis.XAddArgs{
		Stream: b.naming.StreamKey(topic, b.part.Partition(msg.Key)),
		Values: values,
	}

	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	return args, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, msg broker.Message) (string, error) {
	if err := broker.ValidateTopic(topic); err != nil {
		return "", err
	}

	if b.subs.Closed() {
		return "", broker.ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	args, err := b.addArgs(topic, msg)
	if err != nil {
		return "", err
	}

	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return "", fmt.Errorf("xadd %s: %w", args.Stream, err)
	}

	return msg.ID, nil
}

// PublishBatch sends msgs in one pipeline. Pipelined commands run in order,
// so per-partition order follows input order.
func (b *Broker) PublishBatch(ctx context.Context, topic string, msgs []broker.Message) ([]string, error) {
	if err := broker.ValidateTopic(topic); err != nil {
		return nil, err
	}

	if b.subs.Closed() {
		return nil, broker.ErrClosed
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(msgs))

	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, msg := range msgs {
			if msg.ID == "" {
				msg.ID = uuid.NewString()
			}

			args, err := b.addArgs(topic, msg)
			if err != nil {
				return err
			}

			ids[i] = msg.ID
			pipe.XAdd(ctx, args)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("publish batch to %s: %w", topic, err)
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
	if err := broker.ValidateTopic(topic); err != nil {
		return nil, err
	}

	if err := broker.ValidateGroup(group); err != nil {
		return nil, err
	}

	if handler == nil {
		return nil, broker.ErrHandlerRequired
	}

	if b.subs.Closed() {
		return nil, broker.ErrClosed
	}

	loops := make([]broker.Loop, 0, len(partitions))

	for _, partition := range partitions {
		stream := b.naming.StreamKey(topic, partition)
		if err := b.ensureGroup(ctx, stream, group); err != nil {
			return nil, err
		}

		c := &partitionConsumer{broker: b, topic: topic, stream: stream, group: group, partition: partition, handler: handler}
		loops = append(loops, c.run)
	}

	sub := broker.StartLoops(ctx, b.logger, loops...)
	if err := b.subs.Track(sub); err != nil {
		return nil, err
	}

	return sub, nil
}

func (b *Broker) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}

	return nil
}

// GetPendingCount sums the entries delivered to group but not yet
// acknowledged across every partition of topic.
func (b *Broker) GetPendingCount(ctx context.Context, topic, group string) (int64, error) {
	var total int64

	for partition := range b.part.Count() {
		stream := b.naming.StreamKey(topic, partition)

		pending, err := b.client.XPending(ctx, stream, group).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || isMissingGroup(err) {
				continue
			}

			return 0, fmt.Errorf("xpending %s: %w", stream, err)
		}

		total += pending.Count
	}

	return total, nil
}

func (b *Broker) IsHealthy(ctx context.Context) bool {
	if b.subs.Closed() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	return b.client.Ping(ctx).Err() == nil
}

// Close stops every subscription. The client is left open.
func (b *Broker) Close() error {
	return b.subs.CloseAll()
}

func isMissingGroup(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOGROUP") || strings.Contains(msg, "no such key")
}

type partitionConsumer struct {
	broker    *Broker
	topic     string
	stream    string
	group     string
	partition int
	handler   broker.Handler

	// claimCursor is the first pending id the next claim pass looks at. Empty
	// means the start of the pending list.
	claimCursor string
}

func (c *partitionConsumer) logger() log.Logger {
	return c.broker.logger.With(
		log.String(log.KeyTopic, c.topic),
		log.String(log.KeyConsumerGroup, c.group),
		log.Int(log.KeyPartition, c.partition),
	)
}

func (c *partitionConsumer) run(ctx context.Context) error {
	b := c.broker
	logger := c.logger()
	failures := 0

	// Run a claim pass on start so entries orphaned by a dead consumer are
	// picked up without waiting a full interval.
	lastClaim := time.Time{}

	for ctx.Err() == nil {
		if time.Since(lastClaim) >= b.cfg.ClaimInterval {
			c.claimPass(ctx, logger)
			lastClaim = time.Now()
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: b.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    int64(b.cfg.ReadCount),
			Block:    b.cfg.PollTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				failures = 0
				continue
			}

			if ctx.Err() != nil {
				return nil
			}

			if isMissingGroup(err) {
				if groupErr := b.ensureGroup(ctx, c.stream, c.group); groupErr != nil {
					logger.Log(ctx, log.LevelWarn, "failed to recreate consumer group", log.Err(groupErr))
				}
			}

			failures++
			logger.Log(ctx, log.LevelWarn, "stream read failed", log.Int(log.KeyAttempt, failures), log.Err(err))

			if waitErr := backoff.WaitContext(ctx, backoff.Capped(retryBaseDelay, failures-1, retryMaxDelay)); waitErr != nil {
				return nil
			}

			continue
		}

		failures = 0

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				c.handle(ctx, logger, entry, 1)
			}
		}
	}

	return nil
}

// claimPass takes over entries idle longer than the claim timeout and drops
// those that reached the delivery ceiling. The server filters by idle time, so
// entries still being worked on never fill the page, and each pass resumes
// after the last entry the previous one saw.
func (c *partitionConsumer) claimPass(ctx context.Context, logger log.Logger) {
	b := c.broker

	start := c.claimCursor
	if start == "" {
		start = "-"
	}

	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Idle:   b.cfg.ClaimTimeout,
		Start:  start,
		End:    "+",
		Count:  int64(b.cfg.ReadCount),
	}).Result()
	if err != nil {
		c.claimCursor = ""

		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			logger.Log(ctx, log.LevelWarn, "failed to list pending entries", log.Err(err))
		}

		return
	}

	if len(pending) < b.cfg.ReadCount {
		c.claimCursor = ""
	} else {
		c.claimCursor = nextStreamID(pending[len(pending)-1].ID)
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}

		if entry.RetryCount >= int64(b.cfg.MaxDeliver) {
			logger.Log(ctx, log.LevelError, "dropping entry after max deliveries",
				log.String(log.KeyMessageID, entry.ID),
				log.Int64("deliveries", entry.RetryCount),
			)
			c.ack(ctx, logger, entry.ID)

			continue
		}

		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: b.consumer,
			MinIdle:  b.cfg.ClaimTimeout,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			logger.Log(ctx, log.LevelWarn, "failed to claim entry", log.String(log.KeyMessageID, entry.ID), log.Err(err))
			continue
		}

		if len(claimed) == 0 {
			// Another consumer won the claim, or the entry was trimmed.
			continue
		}

		for _, msg := range claimed {
			c.handle(ctx, logger, msg, int(entry.RetryCount)+1)
		}
	}
}

// nextStreamID returns the smallest stream id greater than id. An id that
// does not parse restarts from the head.
func nextStreamID(id string) string {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return ""
	}

	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return ""
	}

	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return ""
	}

	if seq == math.MaxUint64 {
		return strconv.FormatUint(ms+1, 10) + "-0"
	}

	return msPart + "-" + strconv.FormatUint(seq+1, 10)
}

func (c *partitionConsumer) handle(ctx context.Context, logger log.Logger, entry redis.XMessage, attempt int) {
	msg, err := decodeEntry(entry)
	if err != nil {
		logger.Log(ctx, log.LevelError, "dropping malformed stream entry", log.String("entry_id", entry.ID), log.Err(err))
		c.ack(ctx, logger, entry.ID)

		return
	}

	delivery := broker.NewDelivery(broker.DeliveryInfo{
		Message:   msg,
		MessageID: msg.ID,
		Topic:     c.topic,
		Partition: c.partition,
		Attempt:   attempt,
	}, &settler{consumer: c, entryID: entry.ID})

	if err := broker.Invoke(ctx, logger, c.handler, delivery); err != nil {
		logger.Log(ctx, log.LevelDebug, "handler returned error",
			log.String(log.KeyMessageID, msg.ID),
			log.Int(log.KeyAttempt, attempt),
			log.Err(err),
		)
	}
}

func (c *partitionConsumer) ack(ctx context.Context, logger log.Logger, entryID string) {
	if err := c.broker.client.XAck(ctx, c.stream, c.group, entryID).Err(); err != nil {
		logger.Log(ctx, log.LevelWarn, "xack failed", log.String("entry_id", entryID), log.Err(err))
	}
}

func decodeEntry(entry redis.XMessage) (broker.Message, error) {
	body, ok := entry.Values[fieldBody].(string)
	if !ok {
		return broker.Message{}, errors.New("missing body field")
	}

	msg := broker.Message{Body: []byte(body)}
	msg.ID, _ = entry.Values[fieldID].(string)
	msg.Key, _ = entry.Values[fieldKey].(string)

	if msg.ID == "" {
		msg.ID = entry.ID
	}

	if raw, ok := entry.Values[fieldHeaders].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
			return broker.Message{}, fmt.Errorf("decode headers: %w", err)
		}
	}

	return msg, nil
}

// settler maps settlement onto the pending-entries list: ack removes the
// entry, requeue leaves it for the claim pass, drop acks it unprocessed.
type settler struct {
	consumer *partitionConsumer
	entryID  string
}

func (s *settler) Ack(ctx context.Context) error {
	return s.xack(ctx)
}

func (s *settler) Nak(ctx context.Context, requeue bool) error {
	if requeue {
		return nil
	}

	return s.xack(ctx)
}

func (s *settler) Delay(context.Context, time.Duration) error {
	return broker.ErrDelayUnsupported
}

func (s *settler) xack(ctx context.Context) error {
	c := s.consumer

	// Settle even when the consumer is shutting down, or the work is redone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthTimeout)
	defer cancel()

	if err := c.broker.client.XAck(ctx, c.stream, c.group, s.entryID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", s.entryID, err)
	}

	return nil
}

var _ broker.Broker = (*Broker)(nil)
