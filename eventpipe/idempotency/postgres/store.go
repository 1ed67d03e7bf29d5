// Package postgres stores processed-event records in the processed_events
// table created by the eventpipe/postgres migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/idempotency"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/sqlident"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultTableName matches the table created by the bundled migrations.
const DefaultTableName = "processed_events"

const uniqueViolationCode = "23505"

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrTransactionRequired = errors.New("postgres transaction is required")
)

var _ idempotency.Store = (*Store)(nil)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is a PostgreSQL-backed idempotency.Store. Lookups run on the primary:
// a lagging replica would let a duplicate through.
type Store struct {
	db        *sql.DB
	logger    log.Logger
	tableName string
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if !nilcheck.Interface(logger) {
			store.logger = logger
		}
	}
}

// WithTableName overrides the table, optionally schema qualified.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// NewStore creates a store over db.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		db:        db,
		logger:    log.NewNop(),
		tableName: DefaultTableName,
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = DefaultTableName
	}

	if err := sqlident.ValidatePath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

func (store *Store) table() string {
	return sqlident.QuotePath(store.tableName)
}

func (store *Store) IsProcessed(ctx context.Context, eventID uuid.UUID, group string) (bool, error) {
	if err := idempotency.ValidateKey(eventID, group); err != nil {
		return false, err
	}

	query := "SELECT EXISTS (SELECT 1 FROM " + store.table() + " WHERE event_id = $1 AND consumer_group = $2)"

	var processed bool
	if err := store.db.QueryRowContext(ctx, query, eventID, group).Scan(&processed); err != nil {
		return false, fmt.Errorf("checking processed event: %w", err)
	}

	return processed, nil
}

func (store *Store) MarkProcessed(ctx context.Context, eventID uuid.UUID, group string) error {
	return store.markProcessed(ctx, store.db, eventID, group)
}

// MarkProcessedTx records the pair inside tx, so a handler can commit its
// side effects and the idempotency record atomically.
func (store *Store) MarkProcessedTx(ctx context.Context, tx *sql.Tx, eventID uuid.UUID, group string) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	return store.markProcessed(ctx, tx, eventID, group)
}

func (store *Store) markProcessed(ctx context.Context, exec execer, eventID uuid.UUID, group string) error {
	if err := idempotency.ValidateKey(eventID, group); err != nil {
		return err
	}

	query := "INSERT INTO " + store.table() + " (event_id, consumer_group, processed_at) VALUES ($1, $2, $3)" +
		" ON CONFLICT (event_id, consumer_group) DO NOTHING"

	if _, err := exec.ExecContext(ctx, query, eventID, group, store.now()); err != nil {
		if isUniqueViolation(err) {
			store.logger.Log(ctx, log.LevelDebug, "idempotency record already present",
				log.String(log.KeyEventID, eventID.String()),
				log.String(log.KeyConsumerGroup, group),
			)

			return nil
		}

		return fmt.Errorf("marking event processed: %w", err)
	}

	return nil
}

func (store *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := store.db.ExecContext(ctx, "DELETE FROM "+store.table()+" WHERE processed_at < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting processed events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return deleted, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
