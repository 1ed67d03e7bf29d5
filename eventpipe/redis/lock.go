package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

const maxLockTries = 1000

var (
	// ErrNilLockManager is returned when a method is called on a nil LockManager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrNilLockFn is returned when a nil function is passed to WithLock.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockNotAcquired is returned by WithLock when every attempt found the lock taken.
	ErrLockNotAcquired        = errors.New("lock is held by another process")
	ErrLockExpiryInvalid      = errors.New("lock expiry must be greater than 0")
	ErrLockTriesInvalid       = errors.New("lock tries must be at least 1")
	ErrLockTriesExceeded      = errors.New("lock tries exceeds maximum")
	ErrLockRetryDelayNegative = errors.New("lock retry delay cannot be negative")
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
)

// LockManager runs critical sections under a Redlock mutex. Its WithLock
// method satisfies the Locker contracts of the outbox processor and the
// idempotency sweeper.
//
//	locks, err := redis.NewLockManager(client)
//	if err != nil {
//	    return err
//	}
//
//	processor, err := outbox.NewProcessor(store, broker, outbox.WithLocker(locks, "orders:outbox:cleanup"))
type LockManager struct {
	redsync *redsync.Redsync
}

// LockOptions configures lock behavior. Use DefaultLockOptions for defaults.
type LockOptions struct {
	// Expiry is how long the lock is held before auto-expiring.
	Expiry time.Duration
	// Tries is the number of acquisition attempts, at most 1000.
	Tries int
	// RetryDelay is the delay between attempts.
	RetryDelay time.Duration
	// DriftFactor accounts for clock drift between Redis nodes.
	DriftFactor float64
}

// DefaultLockOptions returns the options used by WithLock.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// clientPool resolves the current redis.UniversalClient on every Get so the
// lock manager keeps working after Client reconnects.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// NewLockManager creates a Redlock manager over conn. Connectivity is checked
// once at construction.
func NewLockManager(conn *Client) (*LockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if _, err := conn.GetClient(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	}

	return &LockManager{redsync: redsync.New(&clientPool{conn: conn})}, nil
}

// WithLock executes fn while holding lockKey with DefaultLockOptions.
// The lock is released when fn returns, even on panic.
func (dl *LockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	return dl.WithLockOptions(ctx, lockKey, DefaultLockOptions(), fn)
}

// WithLockOptions executes fn while holding lockKey with custom options.
func (dl *LockManager) WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if dl == nil || dl.redsync == nil {
		return ErrNilLockManager
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	if err := validateLockOptions(opts); err != nil {
		return err
	}

	logger, tracer, _ := eventpipe.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
		redsync.WithDriftFactor(opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			logger.Log(ctx, log.LevelDebug, "lock held by another process", log.String("lock_key", safeLockKey))

			return fmt.Errorf("%w: %s", ErrLockNotAcquired, safeLockKey)
		}

		logger.Log(ctx, log.LevelError, "failed to acquire lock", log.String("lock_key", safeLockKey), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to acquire lock", err)

		return fmt.Errorf("failed to acquire lock %s: %w", safeLockKey, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			logger.Log(ctx, log.LevelError, "failed to release lock", log.String("lock_key", safeLockKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "Function execution failed", err)

		return fmt.Errorf("distributed lock: function execution: %w", err)
	}

	return nil
}

// redsync reports contention either as ErrFailed or as an ErrTaken wrapped
// in a multierror, depending on the version and node count.
func isLockContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

func validateLockOptions(opts LockOptions) error {
	if opts.Expiry <= 0 {
		return ErrLockExpiryInvalid
	}

	if opts.Tries < 1 {
		return ErrLockTriesInvalid
	}

	if opts.Tries > maxLockTries {
		return ErrLockTriesExceeded
	}

	if opts.RetryDelay < 0 {
		return ErrLockRetryDelayNegative
	}

	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return ErrLockDriftFactorInvalid
	}

	return nil
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLockKeyLogLength = 128

	safeLockKey := strconv.QuoteToASCII(lockKey)
	if len(safeLockKey) <= maxLockKeyLogLength {
		return safeLockKey
	}

	return safeLockKey[:maxLockKeyLogLength] + "...(truncated)"
}
