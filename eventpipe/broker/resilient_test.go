//go:build unit

package broker_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResilientSubscribeDeliversThroughInnerBroker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	inner, err := memory.New(memory.WithPartitions(4))
	require.NoError(t, err)

	t.Cleanup(func() { _ = inner.Close() })

	wrapped, err := broker.NewResilient(inner, nil)
	require.NoError(t, err)

	var deliveries atomic.Int32

	sub, err := wrapped.Subscribe(ctx, "orders", "G", func(context.Context, broker.Delivery) error {
		deliveries.Add(1)
		return nil
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = sub.Unsubscribe() })

	select {
	case <-sub.Done():
		t.Fatal("subscription ended right after Subscribe returned")
	default:
	}

	_, err = wrapped.Publish(ctx, "orders", broker.Message{Key: "order-1", Body: []byte("{}")})
	require.NoError(t, err)

	partition := inner.GetPartition("order-1")

	partSub, err := wrapped.SubscribeToPartition(ctx, "orders", "audit", partition, func(context.Context, broker.Delivery) error {
		deliveries.Add(1)
		return nil
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = partSub.Unsubscribe() })

	_, err = wrapped.Publish(ctx, "orders", broker.Message{Key: "order-1", Body: []byte("{}")})
	require.NoError(t, err)

	assert.Equal(t, int32(3), deliveries.Load())
}
