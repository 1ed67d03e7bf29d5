// Package memory is an in-process broker for tests and single-process use.
// Delivery is synchronous inside Publish and nothing is persisted or
// redelivered.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/google/uuid"
)

// Option configures a Broker.
type Option func(*Broker)

func WithLogger(logger log.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPartitions overrides the default partition count.
func WithPartitions(count int) Option {
	return func(b *Broker) {
		b.partitions = count
	}
}

// Broker keeps per-topic, per-group subscriber lists in memory.
type Broker struct {
	logger     log.Logger
	partitions int
	part       broker.Partitioner

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	published []broker.Message
	// groups[group][partition] holds the handlers of that group on that
	// partition. Deliveries rotate over them.
	groups map[string]map[int]*slot
}

type slot struct {
	// serializes deliveries so each partition is processed in order.
	mu       sync.Mutex
	handlers []*handlerRef
	next     int
}

type handlerRef struct {
	handler broker.Handler
	ctx     context.Context
}

// New returns an open in-memory broker.
func New(opts ...Option) (*Broker, error) {
	b := &Broker{
		logger:     log.NewNop(),
		partitions: broker.DefaultPartitions,
		topics:     make(map[string]*topic),
	}

	for _, opt := range opts {
		opt(b)
	}

	part, err := broker.NewPartitioner(b.partitions)
	if err != nil {
		return nil, err
	}

	b.part = part

	return b, nil
}

func (b *Broker) PartitionCount() int { return b.part.Count() }

func (b *Broker) GetPartition(key string) int { return b.part.Partition(key) }

func (b *Broker) EnsureTopicExists(_ context.Context, name string) error {
	if err := broker.ValidateTopic(name); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrClosed
	}

	b.topicLocked(name)

	return nil
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{groups: make(map[string]map[int]*slot)}
		b.topics[name] = t
	}

	return t
}

// Publish delivers msg to one handler of every group subscribed to its
// partition before returning. Handler errors are logged, not returned.
func (b *Broker) Publish(ctx context.Context, topicName string, msg broker.Message) (string, error) {
	if err := broker.ValidateTopic(topicName); err != nil {
		return "", err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	partition := b.part.Partition(msg.Key)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", broker.ErrClosed
	}

	t := b.topicLocked(topicName)
	t.published = append(t.published, msg)

	slots := make([]*slot, 0, len(t.groups))
	for _, partitions := range t.groups {
		if s, ok := partitions[partition]; ok {
			slots = append(slots, s)
		}
	}
	b.mu.Unlock()

	for _, s := range slots {
		b.deliver(ctx, s, topicName, partition, msg)
	}

	return msg.ID, nil
}

func (b *Broker) deliver(ctx context.Context, s *slot, topicName string, partition int, msg broker.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := s.pick()
	if ref == nil {
		return
	}

	delivery := broker.NewDelivery(broker.DeliveryInfo{
		Message:   msg,
		Topic:     topicName,
		Partition: partition,
		Attempt:   1,
	}, noopSettler{})

	if err := broker.Invoke(ctx, b.logger, ref.handler, delivery); err != nil {
		b.logger.Log(ctx, log.LevelWarn, "in-memory handler failed",
			log.String(log.KeyTopic, topicName),
			log.Int(log.KeyPartition, partition),
			log.String(log.KeyMessageID, msg.ID),
			log.Err(err),
		)
	}
}

// pick returns the next live handler, dropping those whose subscription
// ended. Callers hold s.mu.
func (s *slot) pick() *handlerRef {
	live := s.handlers[:0]
	for _, ref := range s.handlers {
		if ref.ctx.Err() == nil {
			live = append(live, ref)
		}
	}

	s.handlers = live
	if len(live) == 0 {
		return nil
	}

	ref := live[s.next%len(live)]
	s.next++

	return ref
}

func (b *Broker) PublishBatch(ctx context.Context, topicName string, msgs []broker.Message) ([]string, error) {
	ids := make([]string, len(msgs))

	for i, msg := range msgs {
		id, err := b.Publish(ctx, topicName, msg)
		if err != nil {
			return nil, fmt.Errorf("publish batch item %d: %w", i, err)
		}

		ids[i] = id
	}

	return ids, nil
}

func (b *Broker) Subscribe(ctx context.Context, topicName, group string, handler broker.Handler) (broker.Subscription, error) {
	partitions := make([]int, b.part.Count())
	for i := range partitions {
		partitions[i] = i
	}

	return b.subscribe(ctx, topicName, group, partitions, handler)
}

func (b *Broker) SubscribeToPartition(ctx context.Context, topicName, group string, partition int, handler broker.Handler) (broker.Subscription, error) {
	if !b.part.Valid(partition) {
		return nil, fmt.Errorf("%w: %d", broker.ErrInvalidPartition, partition)
	}

	return b.subscribe(ctx, topicName, group, []int{partition}, handler)
}

func (b *Broker) subscribe(ctx context.Context, topicName, group string, partitions []int, handler broker.Handler) (broker.Subscription, error) {
	if err := broker.ValidateTopic(topicName); err != nil {
		return nil, err
	}

	if err := broker.ValidateGroup(group); err != nil {
		return nil, err
	}

	if handler == nil {
		return nil, broker.ErrHandlerRequired
	}

	subCtx, cancel := context.WithCancel(ctx)
	ref := &handlerRef{handler: handler, ctx: subCtx}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()

		return nil, broker.ErrClosed
	}

	t := b.topicLocked(topicName)

	slots, ok := t.groups[group]
	if !ok {
		slots = make(map[int]*slot)
		t.groups[group] = slots
	}

	for _, p := range partitions {
		s, ok := slots[p]
		if !ok {
			s = &slot{}
			slots[p] = s
		}

		s.mu.Lock()
		s.handlers = append(s.handlers, ref)
		s.mu.Unlock()
	}
	b.mu.Unlock()

	return &subscription{ctx: subCtx, cancel: cancel}, nil
}

// GetPendingCount is always zero: delivery completes inside Publish.
func (b *Broker) GetPendingCount(context.Context, string, string) (int64, error) {
	return 0, nil
}

func (b *Broker) IsHealthy(context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return !b.closed
}

// Close stops accepting work. Existing subscriptions simply stop receiving.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	return nil
}

// Published returns a copy of every message published to topicName.
func (b *Broker) Published(topicName string) []broker.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}

	out := make([]broker.Message, len(t.published))
	copy(out, t.published)

	return out
}

type subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *subscription) Unsubscribe() error {
	s.cancel()
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.ctx.Done() }

type noopSettler struct{}

func (noopSettler) Ack(context.Context) error                  { return nil }
func (noopSettler) Nak(context.Context, bool) error            { return nil }
func (noopSettler) Delay(context.Context, time.Duration) error { return nil }

var _ broker.Broker = (*Broker)(nil)
