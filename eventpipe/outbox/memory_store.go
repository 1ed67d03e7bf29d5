package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps entries in process memory. It serves tests and
// single-instance deployments where losing the outbox on restart is
// acceptable.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uuid.UUID]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (store *MemoryStore) Insert(_ context.Context, entry *Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.entries[entry.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.ID)
	}

	stored := entry.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = store.now()
	}

	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	store.entries[entry.ID] = stored

	return nil
}

// ClaimPending moves up to batchSize of the oldest PENDING entries to
// PROCESSING and returns copies of them.
func (store *MemoryStore) ClaimPending(ctx context.Context, batchSize int) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if batchSize <= 0 {
		return nil, nil
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	pending := store.filterLocked(StatusPending)

	slices.SortFunc(pending, func(a, b *Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return slices.Compare(a.ID[:], b.ID[:])
	})

	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	now := store.now()
	claimed := make([]*Entry, 0, len(pending))

	for _, entry := range pending {
		entry.Status = StatusProcessing
		entry.UpdatedAt = now
		claimed = append(claimed, entry.Clone())
	}

	return claimed, nil
}

func (store *MemoryStore) MarkPublished(_ context.Context, id uuid.UUID) error {
	return store.transition(id, StatusPublished, func(entry *Entry, now time.Time) {
		entry.PublishedAt = &now
		entry.LastError = ""
	})
}

func (store *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return store.transition(id, StatusFailed, func(entry *Entry, _ time.Time) {
		entry.RetryCount++
		entry.LastError = SanitizeErrorMessageForStorage(errMsg)
	})
}

func (store *MemoryStore) IncrementRetry(_ context.Context, id uuid.UUID, errMsg string) error {
	return store.transition(id, StatusPending, func(entry *Entry, _ time.Time) {
		entry.RetryCount++
		entry.LastError = SanitizeErrorMessageForStorage(errMsg)
	})
}

func (store *MemoryStore) DeleteOlderThanPublished(_ context.Context, cutoff time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var deleted int64

	for id, entry := range store.entries {
		if entry.Status != StatusPublished || entry.PublishedAt == nil {
			continue
		}

		if entry.PublishedAt.Before(cutoff) {
			delete(store.entries, id)

			deleted++
		}
	}

	return deleted, nil
}

func (store *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, ok := store.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	return entry.Clone(), nil
}

func (store *MemoryStore) ReclaimStuck(_ context.Context, olderThan time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.now()
	reclaimed := 0

	for _, entry := range store.filterLocked(StatusProcessing) {
		if reclaimed >= limit {
			break
		}

		if !entry.UpdatedAt.Before(olderThan) {
			continue
		}

		entry.Status = StatusPending
		entry.UpdatedAt = now
		reclaimed++
	}

	return reclaimed, nil
}

func (store *MemoryStore) CountByStatus(_ context.Context) (map[Status]int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	counts := make(map[Status]int64, 4)
	for _, entry := range store.entries {
		counts[entry.Status]++
	}

	return counts, nil
}

// Len reports how many entries the store holds.
func (store *MemoryStore) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return len(store.entries)
}

func (store *MemoryStore) filterLocked(status Status) []*Entry {
	out := make([]*Entry, 0)

	for _, entry := range store.entries {
		if entry.Status == status {
			out = append(out, entry)
		}
	}

	return out
}

func (store *MemoryStore) transition(id uuid.UUID, next Status, apply func(entry *Entry, now time.Time)) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, ok := store.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	if !entry.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrStateTransitionConflict, entry.Status, next)
	}

	now := store.now()
	apply(entry, now)
	entry.Status = next
	entry.UpdatedAt = now

	return nil
}
