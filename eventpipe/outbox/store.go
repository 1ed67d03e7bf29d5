package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists outbox entries.
//
// ClaimPending is the only operation that needs mutual exclusion: concurrent
// callers must never receive the same entry.
type Store interface {
	Insert(ctx context.Context, entry *Entry) error
	ClaimPending(ctx context.Context, batchSize int) ([]*Entry, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	IncrementRetry(ctx context.Context, id uuid.UUID, errMsg string) error
	DeleteOlderThanPublished(ctx context.Context, cutoff time.Time) (int64, error)
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	// ReclaimStuck moves PROCESSING entries not touched since olderThan back to
	// PENDING and reports how many moved.
	ReclaimStuck(ctx context.Context, olderThan time.Time, limit int) (int, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// Locker runs fn while holding a distributed lock named key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// TopicResolver maps an event type to the broker topic it is published on.
type TopicResolver func(eventType string) string

// DefaultTopic is the topic used when no resolver is configured.
const DefaultTopic = "events"

// StaticTopic publishes every event type on topic.
func StaticTopic(topic string) TopicResolver {
	return func(string) string {
		return topic
	}
}
