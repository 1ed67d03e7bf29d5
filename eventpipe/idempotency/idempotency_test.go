//go:build unit

package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func (l *recordingLocker) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.keys)
}

func TestMemoryStore_MarkAndCheckPerGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	eventID := uuid.New()

	processed, err := store.IsProcessed(ctx, eventID, "billing")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkProcessed(ctx, eventID, "billing"))
	require.NoError(t, store.MarkProcessed(ctx, eventID, "billing"))
	assert.Equal(t, 1, store.Len())

	processed, err = store.IsProcessed(ctx, eventID, "billing")
	require.NoError(t, err)
	assert.True(t, processed)

	processed, err = store.IsProcessed(ctx, eventID, "shipping")
	require.NoError(t, err)
	assert.False(t, processed, "records are scoped to a consumer group")
}

func TestMemoryStore_SecondMarkKeepsFirstTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	eventID := uuid.New()

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return first }
	require.NoError(t, store.MarkProcessed(ctx, eventID, "g"))

	store.now = func() time.Time { return first.Add(48 * time.Hour) }
	require.NoError(t, store.MarkProcessed(ctx, eventID, "g"))

	deleted, err := store.DeleteOlderThan(ctx, first.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestMemoryStore_ValidatesKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.IsProcessed(ctx, uuid.Nil, "g")
	require.ErrorIs(t, err, ErrEventIDRequired)

	require.ErrorIs(t, store.MarkProcessed(ctx, uuid.New(), "  "), ErrGroupRequired)
}

func TestMemoryStore_DeleteOlderThan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	store.now = func() time.Time { return now.Add(-8 * 24 * time.Hour) }
	require.NoError(t, store.MarkProcessed(ctx, uuid.New(), "g"))
	require.NoError(t, store.MarkProcessed(ctx, uuid.New(), "g"))

	store.now = func() time.Time { return now.Add(-time.Hour) }
	recent := uuid.New()
	require.NoError(t, store.MarkProcessed(ctx, recent, "g"))

	deleted, err := store.DeleteOlderThan(ctx, now.Add(-DefaultRetention))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, 1, store.Len())

	processed, err := store.IsProcessed(ctx, recent, "g")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestMemoryStore_ConcurrentMarks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	eventID := uuid.New()

	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			assert.NoError(t, store.MarkProcessed(ctx, eventID, "g"))
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, store.Len())
}

func TestNewSweeper_RequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewSweeper(nil)
	require.ErrorIs(t, err, ErrStoreRequired)

	var typedNil *MemoryStore
	_, err = NewSweeper(typedNil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestSweeper_SweepOnceUnderLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	store.now = func() time.Time { return now.Add(-2 * time.Hour) }
	require.NoError(t, store.MarkProcessed(ctx, uuid.New(), "g"))

	store.now = func() time.Time { return now }
	require.NoError(t, store.MarkProcessed(ctx, uuid.New(), "g"))

	reader := sdkmetric.NewManualReader()
	locker := &recordingLocker{}

	sweeper, err := NewSweeper(store,
		WithRetention(time.Hour),
		WithLocker(locker, "orders:idempotency:sweep"),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
	)
	require.NoError(t, err)

	deleted, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, []string{"orders:idempotency:sweep"}, locker.keys)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var total int64

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == "idempotency.records.deleted" {
				for _, point := range sum.DataPoints {
					total += point.Value
				}
			}
		}
	}

	assert.Equal(t, int64(1), total)
}

func TestSweeper_LockErrorIsReturned(t *testing.T) {
	t.Parallel()

	boom := errors.New("lock unavailable")

	sweeper, err := NewSweeper(NewMemoryStore(), WithLocker(&recordingLocker{err: boom}, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepLockKey, sweeper.lockKey)

	_, err = sweeper.SweepOnce(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestSweeper_RunContextLifecycle(t *testing.T) {
	t.Parallel()

	locker := &recordingLocker{}

	sweeper, err := NewSweeper(NewMemoryStore(), WithSweepInterval(10*time.Millisecond), WithLocker(locker, ""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- sweeper.RunContext(ctx, nil) }()

	require.Eventually(t, func() bool { return locker.calls() >= 3 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, sweeper.RunContext(ctx, nil), ErrSweeperRunning)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()

	require.NoError(t, sweeper.Shutdown(shutdownCtx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
