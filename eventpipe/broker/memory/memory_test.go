//go:build unit

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handle(_ context.Context, d broker.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ids = append(c.ids, d.MessageID())

	return nil
}

func (c *collector) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.ids...)
}

func TestEveryGroupReceivesEachMessageOnce(t *testing.T) {
	t.Parallel()

	b, err := New(WithPartitions(4))
	require.NoError(t, err)

	ctx := context.Background()
	billing, audit := &collector{}, &collector{}

	_, err = b.Subscribe(ctx, "orders", "billing", billing.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "orders", "audit", audit.handle)
	require.NoError(t, err)

	ids, err := b.PublishBatch(ctx, "orders", []broker.Message{
		{ID: "1", Key: "A"}, {ID: "2", Key: "B"}, {ID: "3", Key: "A"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	assert.Equal(t, []string{"1", "2", "3"}, billing.seen())
	assert.Equal(t, []string{"1", "2", "3"}, audit.seen())
}

func TestMembersOfOneGroupShareMessages(t *testing.T) {
	t.Parallel()

	b, err := New(WithPartitions(1))
	require.NoError(t, err)

	ctx := context.Background()
	first, second := &collector{}, &collector{}

	_, err = b.Subscribe(ctx, "orders", "billing", first.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "orders", "billing", second.handle)
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3", "4"} {
		_, err := b.Publish(ctx, "orders", broker.Message{ID: id, Key: "A"})
		require.NoError(t, err)
	}

	assert.Len(t, first.seen(), 2)
	assert.Len(t, second.seen(), 2)
}

func TestPartitionSubscriptionOnlySeesItsPartition(t *testing.T) {
	t.Parallel()

	b, err := New(WithPartitions(8))
	require.NoError(t, err)

	ctx := context.Background()
	target := b.GetPartition("A")
	got := &collector{}

	_, err = b.SubscribeToPartition(ctx, "orders", "billing", target, got.handle)
	require.NoError(t, err)

	_, err = b.Publish(ctx, "orders", broker.Message{ID: "a", Key: "A"})
	require.NoError(t, err)

	for _, key := range []string{"B", "C", "D", "E", "F", "G", "H", "I"} {
		if b.GetPartition(key) == target {
			continue
		}

		_, err = b.Publish(ctx, "orders", broker.Message{ID: key, Key: key})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a"}, got.seen())

	_, err = b.SubscribeToPartition(ctx, "orders", "billing", 8, got.handle)
	require.ErrorIs(t, err, broker.ErrInvalidPartition)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b, err := New(WithPartitions(2))
	require.NoError(t, err)

	ctx := context.Background()
	got := &collector{}

	sub, err := b.Subscribe(ctx, "orders", "billing", got.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	<-sub.Done()

	_, err = b.Publish(ctx, "orders", broker.Message{ID: "1", Key: "A"})
	require.NoError(t, err)

	assert.Empty(t, got.seen())
	assert.Len(t, b.Published("orders"), 1)
}

func TestHandlerErrorDoesNotFailPublish(t *testing.T) {
	t.Parallel()

	b, err := New(WithPartitions(1))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = b.Subscribe(ctx, "orders", "billing", func(context.Context, broker.Delivery) error {
		return errors.New("handler failed")
	})
	require.NoError(t, err)

	id, err := b.Publish(ctx, "orders", broker.Message{Key: "A"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestClosedBrokerRejectsWork(t *testing.T) {
	t.Parallel()

	b, err := New()
	require.NoError(t, err)
	assert.Equal(t, broker.DefaultPartitions, b.PartitionCount())
	assert.True(t, b.IsHealthy(context.Background()))

	require.NoError(t, b.Close())
	assert.False(t, b.IsHealthy(context.Background()))

	_, err = b.Publish(context.Background(), "orders", broker.Message{Key: "A"})
	require.ErrorIs(t, err, broker.ErrClosed)

	_, err = b.Subscribe(context.Background(), "orders", "billing", (&collector{}).handle)
	require.ErrorIs(t, err, broker.ErrClosed)
}

func TestRejectsInvalidNames(t *testing.T) {
	t.Parallel()

	b, err := New()
	require.NoError(t, err)

	require.ErrorIs(t, b.EnsureTopicExists(context.Background(), "bad.topic"), broker.ErrInvalidTopic)

	_, err = b.Subscribe(context.Background(), "orders", "", (&collector{}).handle)
	require.ErrorIs(t, err, broker.ErrInvalidGroup)

	_, err = b.Subscribe(context.Background(), "orders", "billing", nil)
	require.ErrorIs(t, err, broker.ErrHandlerRequired)
}
