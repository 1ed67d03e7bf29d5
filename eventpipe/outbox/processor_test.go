//go:build unit

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker/memory"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/envelope"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/resilience"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type failingBroker struct {
	*memory.Broker
	err   error
	calls atomic.Int32
}

func (b *failingBroker) Publish(context.Context, string, broker.Message) (string, error) {
	b.calls.Add(1)

	return "", b.err
}

type recordingLocker struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *recordingLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()

	if l.err != nil {
		return l.err
	}

	return fn(ctx)
}

func newMemoryBroker(t *testing.T) *memory.Broker {
	t.Helper()

	b, err := memory.New(memory.WithPartitions(4))
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	return b
}

func TestNewProcessor_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewProcessor(nil, newMemoryBroker(t))
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewProcessor(NewMemoryStore(), nil)
	require.ErrorIs(t, err, ErrBrokerRequired)

	var typedNil *memory.Broker
	_, err = NewProcessor(NewMemoryStore(), typedNil)
	require.ErrorIs(t, err, ErrBrokerRequired)
}

func TestNewProcessor_Defaults(t *testing.T) {
	t.Parallel()

	processor, err := NewProcessor(NewMemoryStore(), newMemoryBroker(t), WithBatchSize(-1))
	require.NoError(t, err)

	cfg := processor.Config()
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 5*time.Minute, cfg.ProcessingTimeout)
}

func TestProcessOnce_HappyPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	b := newMemoryBroker(t)

	var received []envelope.Envelope

	_, err := b.Subscribe(ctx, "orders", "billing", func(_ context.Context, d broker.Delivery) error {
		env, err := envelope.Unmarshal(d.Message().Body)
		if err != nil {
			return err
		}

		received = append(received, env)

		return nil
	})
	require.NoError(t, err)

	publisher, err := NewPublisher(store)
	require.NoError(t, err)

	event := newOrderPlaced("order-7")
	event.Correlation = "corr-7"
	require.NoError(t, publisher.Publish(ctx, event))

	processor, err := NewProcessor(store, b, WithTopicResolver(StaticTopic("orders")))
	require.NoError(t, err)

	result := processor.ProcessOnce(ctx)
	assert.Equal(t, ProcessResult{Claimed: 1, Published: 1}, result)

	require.Len(t, received, 1)
	assert.Equal(t, event.EventID(), received[0].EventID)
	assert.Equal(t, "order.placed", received[0].EventType)
	assert.Equal(t, "corr-7", received[0].CorrelationID)

	published := b.Published("orders")
	require.Len(t, published, 1)
	assert.Equal(t, "order-7", published[0].Key)
	assert.Equal(t, received[0].MessageID.String(), published[0].ID)
	assert.Equal(t, "order.placed", published[0].Headers[HeaderEventType])

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StatusPublished])

	again := processor.ProcessOnce(ctx)
	assert.Zero(t, again.Claimed)
}

func TestProcessOnce_BatchCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	seedPending(t, store, 150)

	processor, err := NewProcessor(store, newMemoryBroker(t), WithBatchSize(100))
	require.NoError(t, err)

	first := processor.ProcessOnce(ctx)
	assert.Equal(t, 100, first.Claimed)
	assert.Equal(t, 100, first.Published)

	second := processor.ProcessOnce(ctx)
	assert.Equal(t, 50, second.Claimed)
	assert.Equal(t, 50, second.Published)

	third := processor.ProcessOnce(ctx)
	assert.Zero(t, third.Claimed)
}

func TestProcessOnce_RetryThenFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	entry := seedPending(t, store, 1)[0]

	b := &failingBroker{Broker: newMemoryBroker(t), err: errors.New("connection refused: password=topsecret")}

	processor, err := NewProcessor(store, b, WithMaxRetryAttempts(3))
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		result := processor.ProcessOnce(ctx)
		assert.Equal(t, 1, result.Retried, "attempt %d", attempt)

		got, err := store.Get(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, attempt, got.RetryCount)
		assert.NotContains(t, got.LastError, "topsecret")
	}

	result := processor.ProcessOnce(ctx)
	assert.Equal(t, 1, result.Failed)

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "connection refused")

	assert.Zero(t, processor.ProcessOnce(ctx).Claimed)
	assert.Equal(t, int32(3), b.calls.Load())
}

func TestProcessOnce_PermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	entry := seedPending(t, store, 1)[0]

	b := &failingBroker{Broker: newMemoryBroker(t), err: resilience.Permanent(errors.New("topic rejected"))}

	processor, err := NewProcessor(store, b)
	require.NoError(t, err)

	result := processor.ProcessOnce(ctx)
	assert.Equal(t, 1, result.Failed)

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestProcessOnce_ReclaimsAbandonedClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	seedPending(t, store, 2)

	_, err := store.ClaimPending(ctx, 2)
	require.NoError(t, err)

	processor, err := NewProcessor(store, newMemoryBroker(t), WithProcessingTimeout(time.Minute))
	require.NoError(t, err)

	processor.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	result := processor.ProcessOnce(ctx)
	assert.Equal(t, 2, result.Reclaimed)
	assert.Equal(t, 2, result.Published)
}

type cancellingBroker struct {
	*memory.Broker
	cancel context.CancelFunc
}

func (b *cancellingBroker) Publish(ctx context.Context, _ string, _ broker.Message) (string, error) {
	b.cancel()
	<-ctx.Done()

	return "", fmt.Errorf("publish: %w", ctx.Err())
}

func TestProcessOnce_InterruptedPublishKeepsRetryBudget(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	entry := seedPending(t, store, 1)[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted, err := NewProcessor(store, &cancellingBroker{Broker: newMemoryBroker(t), cancel: cancel}, WithMaxRetryAttempts(1))
	require.NoError(t, err)

	result := interrupted.ProcessOnce(ctx)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Interrupted)
	assert.Zero(t, result.Retried)
	assert.Zero(t, result.Failed)

	got, err := store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)

	processor, err := NewProcessor(store, newMemoryBroker(t), WithProcessingTimeout(time.Minute))
	require.NoError(t, err)

	processor.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	result = processor.ProcessOnce(context.Background())
	assert.Equal(t, 1, result.Reclaimed)
	assert.Equal(t, 1, result.Published)
}

func TestCleanupOnce_RetentionWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	entries := seedPending(t, store, 2)

	_, err := store.ClaimPending(ctx, 2)
	require.NoError(t, err)

	now := time.Now().UTC()

	store.now = func() time.Time { return now.Add(-8 * 24 * time.Hour) }
	require.NoError(t, store.MarkPublished(ctx, entries[0].ID))

	store.now = func() time.Time { return now.Add(-time.Hour) }
	require.NoError(t, store.MarkPublished(ctx, entries[1].ID))

	locker := &recordingLocker{}

	processor, err := NewProcessor(store, newMemoryBroker(t), WithLocker(locker, ""))
	require.NoError(t, err)

	deleted, err := processor.CleanupOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Get(ctx, entries[0].ID)
	require.ErrorIs(t, err, ErrEntryNotFound)

	_, err = store.Get(ctx, entries[1].ID)
	require.NoError(t, err)

	assert.Equal(t, []string{defaultCleanupLockKey}, locker.keys)
}

func TestCleanupOnce_LockErrorSkipsSweep(t *testing.T) {
	t.Parallel()

	locker := &recordingLocker{err: errors.New("lock held elsewhere")}

	processor, err := NewProcessor(NewMemoryStore(), newMemoryBroker(t), WithLocker(locker, "custom:key"))
	require.NoError(t, err)

	_, err = processor.CleanupOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"custom:key"}, locker.keys)
}

func TestProcessOnce_RecordsMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	store := NewMemoryStore()
	seedPending(t, store, 3)

	processor, err := NewProcessor(store, newMemoryBroker(t), WithMeterProvider(provider), WithBatchSize(2))
	require.NoError(t, err)

	processor.ProcessOnce(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), counterValue(t, rm, "outbox.events.published"))
	assert.Equal(t, int64(1), gaugeValue(t, rm, "outbox.queue.depth"))
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)

			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}

			return total
		}
	}

	t.Fatalf("metric %s not found", name)

	return 0
}

func gaugeValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			gauge, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok, "metric %s is not an int64 gauge", name)
			require.NotEmpty(t, gauge.DataPoints)

			return gauge.DataPoints[0].Value
		}
	}

	t.Fatalf("metric %s not found", name)

	return 0
}

func TestRunContext_LifecycleWithLauncher(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	seedPending(t, store, 3)

	processor, err := NewProcessor(store, newMemoryBroker(t), WithInterval(10*time.Millisecond))
	require.NoError(t, err)

	launcher := eventpipe.NewLauncher(eventpipe.WithLogger(log.NewNop()))
	done := make(chan error, 1)

	go func() { done <- processor.RunContext(context.Background(), launcher) }()

	require.Eventually(t, func() bool {
		counts, err := store.CountByStatus(context.Background())

		return err == nil && counts[StatusPublished] == 3
	}, time.Second, 10*time.Millisecond)

	require.ErrorIs(t, processor.RunContext(context.Background(), launcher), ErrProcessorRunning)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, processor.Shutdown(shutdownCtx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestStaticTopic(t *testing.T) {
	t.Parallel()

	resolve := StaticTopic("orders")
	assert.Equal(t, "orders", resolve(uuid.NewString()))
}
