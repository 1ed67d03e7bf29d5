//go:build unit

package subscriber

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker/memory"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/envelope"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/idempotency"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testGroup = "G"

type orderPlaced struct {
	envelope.Metadata
	OrderID string `json:"orderId"`
	Total   int64  `json:"total"`
}

func newOrderPlaced(orderID string) orderPlaced {
	return orderPlaced{
		Metadata: envelope.NewMetadata("order.placed", orderID, "corr-1"),
		OrderID:  orderID,
		Total:    1999,
	}
}

type recordingSettler struct {
	mu      sync.Mutex
	acks    int
	naks    int
	requeue bool
}

func (s *recordingSettler) Ack(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acks++

	return nil
}

func (s *recordingSettler) Nak(_ context.Context, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.naks++
	s.requeue = requeue

	return nil
}

func (s *recordingSettler) Delay(context.Context, time.Duration) error {
	return broker.ErrDelayUnsupported
}

type failingStore struct {
	idempotency.Store
	err error
}

func (s failingStore) IsProcessed(context.Context, uuid.UUID, string) (bool, error) {
	return false, s.err
}

func newRegistry(t *testing.T) *envelope.Registry {
	t.Helper()

	registry := envelope.NewRegistry()
	require.NoError(t, envelope.Register[orderPlaced](registry, "order.placed"))

	return registry
}

func newMemoryBroker(t *testing.T) *memory.Broker {
	t.Helper()

	b, err := memory.New(memory.WithPartitions(4))
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	return b
}

func newDispatcher(t *testing.T, store idempotency.Store, handlers *Handlers, opts ...Option) *Dispatcher {
	t.Helper()

	dispatcher, err := New(newMemoryBroker(t), newRegistry(t), store, handlers, opts...)
	require.NoError(t, err)

	return dispatcher
}

func wireBody(t *testing.T, event envelope.Event) []byte {
	t.Helper()

	env, err := envelope.New(event)
	require.NoError(t, err)

	body, err := env.Marshal()
	require.NoError(t, err)

	return body
}

func newDelivery(body []byte) (broker.Delivery, *recordingSettler) {
	settler := &recordingSettler{}

	return broker.NewDelivery(broker.DeliveryInfo{
		Message:   broker.Message{ID: uuid.NewString(), Body: body},
		Topic:     "orders",
		Partition: 1,
	}, settler), settler
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	b := newMemoryBroker(t)
	registry := newRegistry(t)
	store := idempotency.NewMemoryStore()
	handlers := NewHandlers()

	_, err := New(nil, registry, store, handlers)
	require.ErrorIs(t, err, ErrBrokerRequired)

	_, err = New(b, nil, store, handlers)
	require.ErrorIs(t, err, ErrRegistryRequired)

	var typedNil *idempotency.MemoryStore
	_, err = New(b, registry, typedNil, handlers)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = New(b, registry, store, nil)
	require.ErrorIs(t, err, ErrHandlersRequired)
}

func TestOn_Validation(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, orderPlaced) error { return nil }

	require.ErrorIs(t, On(nil, "order.placed", noop), ErrHandlersRequired)
	require.ErrorIs(t, On[orderPlaced](NewHandlers(), "order.placed", nil), ErrHandlerRequired)
	require.ErrorIs(t, On(NewHandlers(), " ", noop), envelope.ErrEventTypeRequired)

	handlers := NewHandlers()
	require.NoError(t, On(handlers, "order.placed", noop))
	require.NoError(t, On(handlers, "order.placed", noop))
	assert.Equal(t, 2, handlers.Count("order.placed"))
	assert.Zero(t, handlers.Count("order.cancelled"))
}

func TestHandle_SuccessRecordsThenAcks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := idempotency.NewMemoryStore()
	handlers := NewHandlers()
	event := newOrderPlaced("order-1")

	var received []orderPlaced

	require.NoError(t, On(handlers, "order.placed", func(_ context.Context, got orderPlaced) error {
		received = append(received, got)
		return nil
	}))

	dispatcher := newDispatcher(t, store, handlers)
	delivery, settler := newDelivery(wireBody(t, event))

	assert.Equal(t, Acked, dispatcher.Handle(ctx, testGroup, delivery))
	assert.Equal(t, 1, settler.acks)
	assert.Zero(t, settler.naks)

	require.Len(t, received, 1)
	assert.Equal(t, "order-1", received[0].OrderID)
	assert.Equal(t, event.EventID(), received[0].EventID())

	processed, err := store.IsProcessed(ctx, event.EventID(), testGroup)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestHandle_DuplicateDeliveryRunsHandlersOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	handlers := NewHandlers()

	var calls atomic.Int32

	require.NoError(t, On(handlers, "order.placed", func(context.Context, orderPlaced) error {
		calls.Add(1)
		return nil
	}))

	dispatcher := newDispatcher(t, idempotency.NewMemoryStore(), handlers)
	body := wireBody(t, newOrderPlaced("order-1"))

	first, _ := newDelivery(body)
	second, settler := newDelivery(body)

	assert.Equal(t, Acked, dispatcher.Handle(ctx, testGroup, first))
	assert.Equal(t, Skipped, dispatcher.Handle(ctx, testGroup, second))
	assert.Equal(t, 1, settler.acks)
	assert.Equal(t, int32(1), calls.Load())

	other, _ := newDelivery(body)
	assert.Equal(t, Acked, dispatcher.Handle(ctx, "audit", other), "another group processes the event independently")
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandle_HandlerErrorRequeuesWithoutRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := idempotency.NewMemoryStore()
	handlers := NewHandlers()
	event := newOrderPlaced("order-1")

	var (
		order  []string
		failed atomic.Bool
	)

	require.NoError(t, On(handlers, "order.placed", func(context.Context, orderPlaced) error {
		order = append(order, "first")
		return nil
	}))
	require.NoError(t, On(handlers, "order.placed", func(context.Context, orderPlaced) error {
		order = append(order, "second")

		if failed.CompareAndSwap(false, true) {
			return errors.New("downstream unavailable")
		}

		return nil
	}))

	dispatcher := newDispatcher(t, store, handlers)
	body := wireBody(t, event)

	delivery, settler := newDelivery(body)
	assert.Equal(t, Requeued, dispatcher.Handle(ctx, testGroup, delivery))
	assert.Equal(t, 1, settler.naks)
	assert.True(t, settler.requeue)
	assert.Zero(t, settler.acks)

	processed, err := store.IsProcessed(ctx, event.EventID(), testGroup)
	require.NoError(t, err)
	assert.False(t, processed)

	redelivery, _ := newDelivery(body)
	assert.Equal(t, Acked, dispatcher.Handle(ctx, testGroup, redelivery))
	assert.Equal(t, []string{"first", "second", "first", "second"}, order)
}

func TestHandle_HandlerPanicRequeues(t *testing.T) {
	t.Parallel()

	handlers := NewHandlers()
	require.NoError(t, On(handlers, "order.placed", func(context.Context, orderPlaced) error {
		panic("boom")
	}))

	dispatcher := newDispatcher(t, idempotency.NewMemoryStore(), handlers)
	delivery, settler := newDelivery(wireBody(t, newOrderPlaced("order-1")))

	assert.Equal(t, Requeued, dispatcher.Handle(context.Background(), testGroup, delivery))
	assert.Equal(t, 1, settler.naks)
}

func TestHandle_UnknownTypeIsAckedAndDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := idempotency.NewMemoryStore()
	event := newOrderPlaced("order-1")
	event.Type = "order.shipped"

	dispatcher := newDispatcher(t, store, NewHandlers())
	delivery, settler := newDelivery(wireBody(t, event))

	assert.Equal(t, DroppedUnknown, dispatcher.Handle(ctx, testGroup, delivery))
	assert.Equal(t, 1, settler.acks)
	assert.Zero(t, store.Len())
}

func TestHandle_PoisonIsAckedAndDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := idempotency.NewMemoryStore()
	handlers := NewHandlers()

	var calls atomic.Int32

	require.NoError(t, On(handlers, "order.placed", func(context.Context, orderPlaced) error {
		calls.Add(1)
		return nil
	}))

	dispatcher := newDispatcher(t, store, handlers)

	unreadable, settler := newDelivery([]byte("not an envelope"))
	assert.Equal(t, DroppedPoison, dispatcher.Handle(ctx, testGroup, unreadable))
	assert.Equal(t, 1, settler.acks)

	env, err := envelope.New(newOrderPlaced("order-1"))
	require.NoError(t, err)

	env.Payload = `{"orderId": 42`

	body, err := env.Marshal()
	require.NoError(t, err)

	badPayload, settler := newDelivery(body)
	assert.Equal(t, DroppedPoison, dispatcher.Handle(ctx, testGroup, badPayload))
	assert.Equal(t, 1, settler.acks)

	assert.Zero(t, calls.Load())
	assert.Zero(t, store.Len())
}

func TestHandle_NoHandlers(t *testing.T) {
	t.Parallel()

	store := idempotency.NewMemoryStore()
	dispatcher := newDispatcher(t, store, NewHandlers())
	delivery, settler := newDelivery(wireBody(t, newOrderPlaced("order-1")))

	assert.Equal(t, NoHandlers, dispatcher.Handle(context.Background(), testGroup, delivery))
	assert.Equal(t, 1, settler.acks)
	assert.Zero(t, store.Len())
}

func TestHandle_StoreErrorRequeues(t *testing.T) {
	t.Parallel()

	handlers := NewHandlers()

	var calls atomic.Int32

	require.NoError(t, On(handlers, "order.placed", func(context.Context, orderPlaced) error {
		calls.Add(1)
		return nil
	}))

	dispatcher := newDispatcher(t, failingStore{err: errors.New("redis down")}, handlers)
	delivery, settler := newDelivery(wireBody(t, newOrderPlaced("order-1")))

	assert.Equal(t, Requeued, dispatcher.Handle(context.Background(), testGroup, delivery))
	assert.Equal(t, 1, settler.naks)
	assert.True(t, settler.requeue)
	assert.Zero(t, calls.Load())
}

func TestHandleTyped_FiltersOtherTypes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := idempotency.NewMemoryStore()

	dispatcher, err := New(newMemoryBroker(t), envelope.NewRegistry(), store, NewHandlers())
	require.NoError(t, err)

	var received []string

	handler := func(_ context.Context, event orderPlaced) error {
		received = append(received, event.OrderID)
		return nil
	}

	other := newOrderPlaced("order-2")
	other.Type = "order.cancelled"

	delivery, settler := newDelivery(wireBody(t, other))
	assert.Equal(t, Filtered, HandleTyped(ctx, dispatcher, testGroup, "order.placed", delivery, handler))
	assert.Equal(t, 1, settler.acks)

	delivery, _ = newDelivery(wireBody(t, newOrderPlaced("order-1")))
	assert.Equal(t, Acked, HandleTyped(ctx, dispatcher, testGroup, "order.placed", delivery, handler))

	assert.Equal(t, []string{"order-1"}, received)
	assert.Equal(t, 1, store.Len())
}

func TestSubscribeTyped_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	handler := func(context.Context, orderPlaced) error { return nil }

	_, err := SubscribeTyped(ctx, nil, "orders", testGroup, "order.placed", handler)
	require.ErrorIs(t, err, ErrDispatcherRequired)

	dispatcher := newDispatcher(t, idempotency.NewMemoryStore(), NewHandlers())

	_, err = SubscribeTyped[orderPlaced](ctx, dispatcher, "orders", testGroup, "order.placed", nil)
	require.ErrorIs(t, err, ErrHandlerRequired)

	_, err = SubscribeTyped(ctx, dispatcher, "orders", testGroup, "", handler)
	require.ErrorIs(t, err, envelope.ErrEventTypeRequired)
}

func TestOutboxToHandlerDeliversOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newMemoryBroker(t)
	require.NoError(t, b.EnsureTopicExists(ctx, "orders"))

	outboxStore := outbox.NewMemoryStore()

	publisher, err := outbox.NewPublisher(outboxStore)
	require.NoError(t, err)

	processor, err := outbox.NewProcessor(outboxStore, b, outbox.WithTopicResolver(outbox.StaticTopic("orders")))
	require.NoError(t, err)

	store := idempotency.NewMemoryStore()
	handlers := NewHandlers()

	var (
		mu       sync.Mutex
		received []uuid.UUID
	)

	require.NoError(t, On(handlers, "order.placed", func(_ context.Context, event orderPlaced) error {
		mu.Lock()
		defer mu.Unlock()

		received = append(received, event.EventID())

		return nil
	}))

	dispatcher, err := New(b, newRegistry(t), store, handlers)
	require.NoError(t, err)

	sub, err := dispatcher.Subscribe(ctx, "orders", testGroup)
	require.NoError(t, err)

	t.Cleanup(func() { _ = sub.Unsubscribe() })

	event := newOrderPlaced("order-1")
	require.NoError(t, publisher.Publish(ctx, event))

	result := processor.ProcessOnce(ctx)
	assert.Equal(t, 1, result.Published)

	// A second copy of the same wire message, as after a lost PUBLISHED write.
	published := b.Published("orders")
	require.Len(t, published, 1)

	_, err = b.Publish(ctx, "orders", published[0])
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []uuid.UUID{event.EventID()}, received)
	mu.Unlock()

	processed, err := store.IsProcessed(ctx, event.EventID(), testGroup)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestRunContext_SubscribesRoutesUntilShutdown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newMemoryBroker(t)
	handlers := NewHandlers()

	var calls atomic.Int32

	require.NoError(t, On(handlers, "order.placed", func(context.Context, orderPlaced) error {
		calls.Add(1)
		return nil
	}))

	dispatcher, err := New(b, newRegistry(t), idempotency.NewMemoryStore(), handlers, WithRoute("orders", testGroup))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- dispatcher.RunContext(ctx, nil) }()

	body := wireBody(t, newOrderPlaced("order-1"))

	require.Eventually(t, func() bool {
		_, err := b.Publish(ctx, "orders", broker.Message{Key: "order-1", Body: body})
		return err == nil && calls.Load() > 0
	}, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Shutdown(shutdownCtx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}

	assert.Equal(t, int32(1), calls.Load(), "repeated publishes of one event are deduplicated")
}

func TestRunContext_RequiresRoutes(t *testing.T) {
	t.Parallel()

	dispatcher := newDispatcher(t, idempotency.NewMemoryStore(), NewHandlers())

	require.ErrorIs(t, dispatcher.RunContext(context.Background(), nil), ErrNoRoutes)
}

func TestHandle_RecordsOutcomeMetric(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()

	dispatcher := newDispatcher(t, idempotency.NewMemoryStore(), NewHandlers(),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))

	delivery, _ := newDelivery([]byte("{}"))
	require.Equal(t, DroppedPoison, dispatcher.Handle(ctx, testGroup, delivery))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	outcomes := map[string]int64{}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || m.Name != "subscriber.messages" {
				continue
			}

			for _, point := range sum.DataPoints {
				value, _ := point.Attributes.Value("outcome")
				outcomes[value.AsString()] += point.Value
			}
		}
	}

	assert.Equal(t, map[string]int64{"dropped_poison": 1}, outcomes)
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "acked", Acked.String())
	assert.Equal(t, "requeued", Requeued.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}

func TestHandle_SettledUnhandledOutcomesAddSpanEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	handlers := NewHandlers()
	require.NoError(t, On(handlers, "order.placed", func(context.Context, orderPlaced) error { return nil }))

	dispatcher := newDispatcher(t, idempotency.NewMemoryStore(), handlers, WithTracer(provider.Tracer("test")))

	unknown := newOrderPlaced("order-1")
	unknown.Type = "order.shipped"

	poison, _ := newDelivery([]byte("{}"))
	dropped, _ := newDelivery(wireBody(t, unknown))
	handled, _ := newDelivery(wireBody(t, newOrderPlaced("order-2")))

	require.Equal(t, DroppedPoison, dispatcher.Handle(ctx, testGroup, poison))
	require.Equal(t, DroppedUnknown, dispatcher.Handle(ctx, testGroup, dropped))
	require.Equal(t, Acked, dispatcher.Handle(ctx, testGroup, handled))

	ended := recorder.Ended()
	require.Len(t, ended, 3)

	eventOutcomes := make([]string, 0, len(ended))

	for _, span := range ended {
		for _, event := range span.Events() {
			if event.Name != "subscriber.settled_unhandled" {
				continue
			}

			for _, kv := range event.Attributes {
				if kv.Key == "eventpipe.outcome" {
					eventOutcomes = append(eventOutcomes, kv.Value.AsString())
				}
			}
		}
	}

	assert.Equal(t, []string{"dropped_poison", "dropped_unknown"}, eventOutcomes)
}
