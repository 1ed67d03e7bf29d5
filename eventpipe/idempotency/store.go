package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEventIDRequired is returned for the zero event id.
	ErrEventIDRequired = errors.New("idempotency: event id is required")
	// ErrGroupRequired is returned for a blank consumer group.
	ErrGroupRequired = errors.New("idempotency: consumer group is required")
	// ErrStoreRequired is returned when a nil store is passed to a constructor.
	ErrStoreRequired = errors.New("idempotency: store is required")
	// ErrSweeperRunning is returned when Run is called on a running sweeper.
	ErrSweeperRunning = errors.New("idempotency: sweeper is already running")
)

// Store tracks processed (event, consumer group) pairs.
type Store interface {
	IsProcessed(ctx context.Context, eventID uuid.UUID, group string) (bool, error)
	// MarkProcessed records the pair. Marking an already recorded pair is not an error.
	MarkProcessed(ctx context.Context, eventID uuid.UUID, group string) error
	// DeleteOlderThan removes records processed before cutoff and reports how many.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker runs fn while holding a distributed lock named key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// ValidateKey checks the arguments shared by every Store method.
func ValidateKey(eventID uuid.UUID, group string) error {
	if eventID == uuid.Nil {
		return ErrEventIDRequired
	}

	if strings.TrimSpace(group) == "" {
		return ErrGroupRequired
	}

	return nil
}
