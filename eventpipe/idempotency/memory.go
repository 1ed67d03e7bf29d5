package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type recordKey struct {
	eventID uuid.UUID
	group   string
}

// MemoryStore is an in-process Store for tests and single-replica setups.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]time.Time
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (store *MemoryStore) IsProcessed(_ context.Context, eventID uuid.UUID, group string) (bool, error) {
	if err := ValidateKey(eventID, group); err != nil {
		return false, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	_, ok := store.records[recordKey{eventID: eventID, group: group}]

	return ok, nil
}

func (store *MemoryStore) MarkProcessed(_ context.Context, eventID uuid.UUID, group string) error {
	if err := ValidateKey(eventID, group); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	key := recordKey{eventID: eventID, group: group}
	if _, ok := store.records[key]; !ok {
		store.records[key] = store.now()
	}

	return nil
}

func (store *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var deleted int64

	for key, processedAt := range store.records {
		if processedAt.Before(cutoff) {
			delete(store.records, key)
			deleted++
		}
	}

	return deleted, nil
}

// Len reports the number of stored records.
func (store *MemoryStore) Len() int {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return len(store.records)
}
