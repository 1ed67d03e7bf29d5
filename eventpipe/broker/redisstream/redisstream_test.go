//go:build unit

package redisstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, partitions int, mutate ...func(*broker.Config)) (*Broker, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := broker.DefaultConfig()
	cfg.Partitions = partitions
	cfg.PollTimeout = 50 * time.Millisecond

	for _, fn := range mutate {
		fn(&cfg)
	}

	b, err := New(client, WithConfig(cfg), WithConsumerName("test-consumer"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b, client
}

type recorder struct {
	mu       sync.Mutex
	attempts map[string][]int
	headers  map[string]string
}

func newRecorder() *recorder {
	return &recorder{attempts: make(map[string][]int)}
}

func (r *recorder) record(d broker.Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[d.MessageID()] = append(r.attempts[d.MessageID()], d.Attempt())
	r.headers = d.Message().Headers
}

func (r *recorder) of(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int(nil), r.attempts[id]...)
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, ErrClientRequired)
}

func TestPublishSubscribeAck(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, 4)
	ctx := context.Background()
	rec := newRecorder()

	sub, err := b.Subscribe(ctx, "orders", "billing", func(_ context.Context, d broker.Delivery) error {
		rec.record(d)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	id, err := b.Publish(ctx, "orders", broker.Message{ID: "m-1", Key: "A", Body: []byte(`{"x":1}`), Headers: map[string]string{"traceparent": "00-abc"}})
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	require.Eventually(t, func() bool { return len(rec.of("m-1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1}, rec.of("m-1"))

	rec.mu.Lock()
	assert.Equal(t, "00-abc", rec.headers["traceparent"])
	rec.mu.Unlock()

	require.Eventually(t, func() bool {
		pending, err := b.GetPendingCount(ctx, "orders", "billing")
		return err == nil && pending == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerErrorLeavesEntryPending(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, 2)
	ctx := context.Background()
	seen := make(chan struct{}, 1)

	sub, err := b.Subscribe(ctx, "orders", "billing", func(context.Context, broker.Delivery) error {
		seen <- struct{}{}
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	_, err = b.Publish(ctx, "orders", broker.Message{Key: "A", Body: []byte("{}")})
	require.NoError(t, err)

	<-seen

	require.Eventually(t, func() bool {
		pending, err := b.GetPendingCount(ctx, "orders", "billing")
		return err == nil && pending == 1
	}, time.Second, 10*time.Millisecond)
}

func TestNakWithoutRequeueDropsEntry(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, 2)
	ctx := context.Background()
	done := make(chan struct{}, 1)

	sub, err := b.Subscribe(ctx, "orders", "billing", func(ctx context.Context, d broker.Delivery) error {
		defer func() { done <- struct{}{} }()
		return d.Nak(ctx, false)
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	_, err = b.Publish(ctx, "orders", broker.Message{Key: "A", Body: []byte("{}")})
	require.NoError(t, err)

	<-done

	require.Eventually(t, func() bool {
		pending, err := b.GetPendingCount(ctx, "orders", "billing")
		return err == nil && pending == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClaimPassRedeliversIdleEntries(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, 1, func(cfg *broker.Config) {
		cfg.ClaimTimeout = 20 * time.Millisecond
		cfg.ClaimInterval = 20 * time.Millisecond
	})

	ctx := context.Background()
	rec := newRecorder()

	sub, err := b.Subscribe(ctx, "orders", "billing", func(_ context.Context, d broker.Delivery) error {
		rec.record(d)
		if d.Attempt() == 1 {
			return errors.New("first attempt fails")
		}

		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	_, err = b.Publish(ctx, "orders", broker.Message{ID: "m-1", Key: "A", Body: []byte("{}")})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.of("m-1")) >= 2 }, 3*time.Second, 20*time.Millisecond)

	attempts := rec.of("m-1")
	assert.Equal(t, 1, attempts[0])
	assert.GreaterOrEqual(t, attempts[1], 2)
}

func TestClaimPassReachesIdleEntriesBehindBusyOnes(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := broker.DefaultConfig()
	cfg.Partitions = 1
	cfg.ReadCount = 2
	cfg.ClaimTimeout = time.Minute

	b, err := New(client, WithConfig(cfg), WithConsumerName("test-consumer"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	stream := b.naming.StreamKey("orders", 0)
	require.NoError(t, b.ensureGroup(ctx, stream, "billing"))

	now := time.Now().UTC()
	mr.SetTime(now)

	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		_, err := b.Publish(ctx, "orders", broker.Message{ID: id, Key: "A", Body: []byte("{}")})
		require.NoError(t, err)
	}

	read, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "billing",
		Consumer: "crashed",
		Streams:  []string{stream, ">"},
		Count:    10,
	}).Result()
	require.NoError(t, err)
	require.Len(t, read, 1)
	require.Len(t, read[0].Messages, 4)

	// The first two entries are still being worked on by another consumer.
	mr.SetTime(now.Add(2 * time.Minute))

	_, err = client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    "billing",
		Consumer: "busy",
		Messages: []string{read[0].Messages[0].ID, read[0].Messages[1].ID},
	}).Result()
	require.NoError(t, err)

	rec := newRecorder()
	c := &partitionConsumer{
		broker: b,
		topic:  "orders",
		stream: stream,
		group:  "billing",
		handler: func(_ context.Context, d broker.Delivery) error {
			rec.record(d)
			return nil
		},
	}

	c.claimPass(ctx, c.logger())

	assert.Empty(t, rec.of("m-1"))
	assert.Empty(t, rec.of("m-2"))
	assert.Equal(t, []int{2}, rec.of("m-3"))
	assert.Equal(t, []int{2}, rec.of("m-4"))

	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  "billing",
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "busy", pending[0].Consumer)
	assert.Equal(t, "busy", pending[1].Consumer)
}

func TestNextStreamID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1700000000000-1", nextStreamID("1700000000000-0"))
	assert.Equal(t, "5-10", nextStreamID("5-9"))
	assert.Equal(t, "6-0", nextStreamID("5-18446744073709551615"))
	assert.Empty(t, nextStreamID("garbage"))
	assert.Empty(t, nextStreamID("x-1"))
}

func TestPublishBatchKeepsPartitionOrder(t *testing.T) {
	t.Parallel()

	b, client := newTestBroker(t, 4)
	ctx := context.Background()

	ids, err := b.PublishBatch(ctx, "orders", []broker.Message{
		{ID: "1", Key: "A", Body: []byte("{}")},
		{ID: "2", Key: "B", Body: []byte("{}")},
		{ID: "3", Key: "A", Body: []byte("{}")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	entries, err := client.XRange(ctx, b.naming.StreamKey("orders", b.GetPartition("A")), "-", "+").Result()
	require.NoError(t, err)

	var got []string
	for _, entry := range entries {
		if entry.Values[fieldKey] == "A" {
			got = append(got, entry.Values[fieldID].(string))
		}
	}

	assert.Equal(t, []string{"1", "3"}, got)
}

func TestEnsureTopicDetectsPartitionMismatch(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()

	four, err := New(client, WithConfig(broker.Config{Partitions: 4}))
	require.NoError(t, err)
	require.NoError(t, four.EnsureTopicExists(ctx, "orders"))
	require.NoError(t, four.EnsureTopicExists(ctx, "orders"))

	eight, err := New(client, WithConfig(broker.Config{Partitions: 8}))
	require.NoError(t, err)
	require.ErrorIs(t, eight.EnsureTopicExists(ctx, "orders"), broker.ErrPartitionMismatch)
}

func TestPendingCountWithoutGroupIsZero(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, 2)

	pending, err := b.GetPendingCount(context.Background(), "orders", "nobody")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDecodeEntryRejectsMissingBody(t *testing.T) {
	t.Parallel()

	_, err := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]any{fieldID: "x"}})
	require.Error(t, err)

	msg, err := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]any{fieldBody: "{}"}})
	require.NoError(t, err)
	assert.Equal(t, "1-0", msg.ID)
}

func TestClosedBrokerRejectsPublish(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, 2)
	assert.True(t, b.IsHealthy(context.Background()))

	require.NoError(t, b.Close())

	_, err := b.Publish(context.Background(), "orders", broker.Message{Key: "A"})
	require.ErrorIs(t, err, broker.ErrClosed)
	assert.False(t, b.IsHealthy(context.Background()))
}
