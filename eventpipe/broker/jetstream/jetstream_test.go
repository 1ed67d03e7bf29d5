//go:build unit

package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/nats-io/nats.go"
	natsjs "github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcker struct {
	calls []string
	delay time.Duration
}

func (f *fakeAcker) Ack() error  { f.calls = append(f.calls, "ack"); return nil }
func (f *fakeAcker) Nak() error  { f.calls = append(f.calls, "nak"); return nil }
func (f *fakeAcker) Term() error { f.calls = append(f.calls, "term"); return nil }

func (f *fakeAcker) NakWithDelay(d time.Duration) error {
	f.calls = append(f.calls, "nak-delay")
	f.delay = d

	return nil
}

func TestSettlerMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	cases := []struct {
		name   string
		settle func(broker.Delivery) error
		want   string
	}{
		{"ack", func(d broker.Delivery) error { return d.Ack(ctx) }, "ack"},
		{"requeue", func(d broker.Delivery) error { return d.Nak(ctx, true) }, "nak"},
		{"drop terminates", func(d broker.Delivery) error { return d.Nak(ctx, false) }, "term"},
		{"delay", func(d broker.Delivery) error { return d.Delay(ctx, 3*time.Second) }, "nak-delay"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			acker := &fakeAcker{}
			d := broker.NewDelivery(broker.DeliveryInfo{}, settler{msg: acker})

			require.NoError(t, tc.settle(d))
			assert.Equal(t, []string{tc.want}, acker.calls)
		})
	}
}

func TestDelayPassesDuration(t *testing.T) {
	t.Parallel()

	acker := &fakeAcker{}
	d := broker.NewDelivery(broker.DeliveryInfo{}, settler{msg: acker})

	require.NoError(t, d.Delay(context.Background(), 3*time.Second))
	assert.Equal(t, 3*time.Second, acker.delay)
}

func TestMessageHeadersSurviveTransport(t *testing.T) {
	t.Parallel()

	natsMsg := toNATS("eventpipe.orders.3", broker.Message{
		Key:     "A",
		Body:    []byte(`{"x":1}`),
		Headers: map[string]string{"Traceparent": "00-abc-def-01"},
	})
	natsMsg.Header.Set(nats.MsgIdHdr, "m-1")

	assert.Equal(t, "eventpipe.orders.3", natsMsg.Subject)

	got := fromNATS(natsMsg.Header, natsMsg.Data)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, "A", got.Key)
	assert.Equal(t, `{"x":1}`, string(got.Body))
	assert.Equal(t, map[string]string{"Traceparent": "00-abc-def-01"}, got.Headers)
}

func TestStreamAndConsumerConfig(t *testing.T) {
	t.Parallel()

	b := newBroker(WithConfig(broker.Config{Partitions: 16, MaxDeliver: 7, AckWait: 10 * time.Second}))
	part, err := broker.NewPartitioner(b.cfg.Partitions)
	require.NoError(t, err)

	b.part = part
	b.naming = broker.Naming{Prefix: b.cfg.Prefix}

	stream := streamConfig(b.naming, "orders")
	assert.Equal(t, "eventpipe_orders", stream.Name)
	assert.Equal(t, []string{"eventpipe.orders.*"}, stream.Subjects)
	assert.Equal(t, duplicateWindow, stream.Duplicates)

	consumer := b.consumerConfig("orders", "billing", 5)
	assert.Equal(t, "billing-p5", consumer.Durable)
	assert.Equal(t, "eventpipe.orders.5", consumer.FilterSubject)
	assert.Equal(t, natsjs.AckExplicitPolicy, consumer.AckPolicy)
	assert.Equal(t, 1, consumer.MaxAckPending)
	assert.Equal(t, 7, consumer.MaxDeliver)
	assert.Equal(t, 10*time.Second, consumer.AckWait)
}

func TestNewRequiresConnection(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)
}
