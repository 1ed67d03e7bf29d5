package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/runtime"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	// DefaultRetention is how long processed records are kept.
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultSweepInterval is the pause between retention sweeps.
	DefaultSweepInterval = time.Hour
	// DefaultSweepLockKey names the distributed lock guarding a sweep.
	DefaultSweepLockKey = "eventpipe:idempotency:sweep"
)

// Sweeper periodically deletes processed records older than the retention.
// It implements eventpipe.App.
type Sweeper struct {
	store     Store
	locker    Locker
	lockKey   string
	retention time.Duration
	interval  time.Duration
	logger    log.Logger
	deleted   metric.Int64Counter
	now       func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithRetention sets how long records are kept.
func WithRetention(retention time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

// WithSweepInterval sets the pause between sweeps.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLocker runs every sweep under locker so only one replica sweeps at a time.
// An empty key keeps DefaultSweepLockKey.
func WithLocker(locker Locker, key string) SweeperOption {
	return func(s *Sweeper) {
		if nilcheck.Interface(locker) {
			return
		}

		s.locker = locker

		if key != "" {
			s.lockKey = key
		}
	}
}

func WithLogger(logger log.Logger) SweeperOption {
	return func(s *Sweeper) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// WithMeterProvider records deleted records on the idempotency.records.deleted counter.
func WithMeterProvider(provider metric.MeterProvider) SweeperOption {
	return func(s *Sweeper) {
		if nilcheck.Interface(provider) {
			return
		}

		counter, err := provider.Meter("eventpipe.idempotency").Int64Counter(
			"idempotency.records.deleted",
			metric.WithDescription("Processed-event records removed by the retention sweep"),
		)
		if err == nil {
			s.deleted = counter
		}
	}
}

// NewSweeper creates a retention sweeper over store.
func NewSweeper(store Store, opts ...SweeperOption) (*Sweeper, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	deleted, _ := noop.NewMeterProvider().Meter("eventpipe.idempotency").Int64Counter("idempotency.records.deleted")

	sweeper := &Sweeper{
		store:     store,
		lockKey:   DefaultSweepLockKey,
		retention: DefaultRetention,
		interval:  DefaultSweepInterval,
		logger:    log.NewNop(),
		deleted:   deleted,
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}

	return sweeper, nil
}

// Run sweeps every interval until Stop is called.
func (s *Sweeper) Run(launcher *eventpipe.Launcher) error {
	return s.RunContext(context.Background(), launcher)
}

// RunContext sweeps once immediately and then every interval until ctx is
// cancelled or Stop is called.
func (s *Sweeper) RunContext(parent context.Context, _ *eventpipe.Launcher) error {
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		cancel()

		return ErrSweeperRunning
	}

	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	s.logger.Log(ctx, log.LevelInfo, "idempotency sweeper started",
		log.Duration("interval", s.interval),
		log.Duration("retention", s.retention),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Log(context.Background(), log.LevelInfo, "idempotency sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, s.logger, "idempotency", "sweep")

	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Log(ctx, log.LevelWarn, "idempotency sweep failed", log.Err(err))
	}
}

// SweepOnce deletes records older than the retention, under the lock when
// one is configured.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)

	var deleted int64

	sweep := func(ctx context.Context) error {
		n, err := s.store.DeleteOlderThan(ctx, cutoff)
		deleted = n

		return err
	}

	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, s.lockKey, sweep)
	} else {
		err = sweep(ctx)
	}

	if err != nil {
		return deleted, fmt.Errorf("idempotency sweep: %w", err)
	}

	if deleted > 0 {
		s.deleted.Add(ctx, deleted)
		s.logger.Log(ctx, log.LevelInfo, "idempotency sweep removed records", log.Int64("deleted", deleted))
	}

	return deleted, nil
}

// Stop cancels the running loop, if any.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Shutdown stops the loop and waits for an in-flight sweep.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.Stop()

	done := make(chan struct{})

	runtime.SafeGo(s.logger, "idempotency.sweeper_shutdown_wait", runtime.KeepRunning, func() {
		s.wg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper shutdown: %w", ctx.Err())
	}
}
