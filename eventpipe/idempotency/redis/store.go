// Package redis stores processed-event records as Redis keys with a TTL.
//
// A record is the key {prefix}:processed:{group}:{eventId} written with
// SET NX EX, so the retention is enforced by Redis expiry and no sweep is
// needed.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/idempotency"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every record key.
const DefaultPrefix = "eventpipe"

// ErrClientRequired is returned when NewStore receives a nil client.
var ErrClientRequired = errors.New("idempotency redis: client is required")

var _ idempotency.Store = (*Store)(nil)

// ClientProvider resolves the current client, letting the store follow the
// reconnects of the shared redis.Client wrapper.
type ClientProvider interface {
	GetClient(ctx context.Context) (redis.UniversalClient, error)
}

type staticProvider struct {
	client redis.UniversalClient
}

func (p staticProvider) GetClient(context.Context) (redis.UniversalClient, error) {
	return p.client, nil
}

// Store is a Redis-backed idempotency.Store.
type Store struct {
	provider  ClientProvider
	prefix    string
	retention time.Duration
	logger    log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetention sets the record TTL.
func WithRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// NewStore creates a store over a fixed client.
func NewStore(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	return NewStoreWithProvider(staticProvider{client: client}, opts...)
}

// NewStoreWithProvider creates a store that resolves its client per call.
func NewStoreWithProvider(provider ClientProvider, opts ...Option) (*Store, error) {
	if nilcheck.Interface(provider) {
		return nil, ErrClientRequired
	}

	store := &Store{
		provider:  provider,
		prefix:    DefaultPrefix,
		retention: idempotency.DefaultRetention,
		logger:    log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// Key returns the Redis key of the (eventID, group) record.
func (s *Store) Key(eventID uuid.UUID, group string) string {
	return fmt.Sprintf("%s:processed:%s:%s", s.prefix, group, eventID)
}

func (s *Store) IsProcessed(ctx context.Context, eventID uuid.UUID, group string) (bool, error) {
	if err := idempotency.ValidateKey(eventID, group); err != nil {
		return false, err
	}

	client, err := s.provider.GetClient(ctx)
	if err != nil {
		return false, fmt.Errorf("idempotency redis: resolve client: %w", err)
	}

	n, err := client.Exists(ctx, s.Key(eventID, group)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency redis: exists: %w", err)
	}

	return n > 0, nil
}

// MarkProcessed writes the record with SET NX EX. An existing record keeps
// its original TTL.
func (s *Store) MarkProcessed(ctx context.Context, eventID uuid.UUID, group string) error {
	if err := idempotency.ValidateKey(eventID, group); err != nil {
		return err
	}

	client, err := s.provider.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("idempotency redis: resolve client: %w", err)
	}

	created, err := client.SetNX(ctx, s.Key(eventID, group), 1, s.retention).Result()
	if err != nil {
		return fmt.Errorf("idempotency redis: set: %w", err)
	}

	if !created {
		s.logger.Log(ctx, log.LevelDebug, "idempotency record already present",
			log.String(log.KeyEventID, eventID.String()),
			log.String(log.KeyConsumerGroup, group),
		)
	}

	return nil
}

// DeleteOlderThan is a no-op: records expire through their TTL.
func (s *Store) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}
