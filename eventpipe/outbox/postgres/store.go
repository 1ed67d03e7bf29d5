package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/envelope"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/sqlident"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/outbox"
	"github.com/google/uuid"
)

// DefaultTableName matches the table created by the bundled migrations.
const DefaultTableName = "outbox_entries"

const (
	defaultTransactionTimeout = 30 * time.Second
	entryColumns              = "id, event_id, event_type, aggregate_id, payload, correlation_id, occurred_at, " +
		"created_at, updated_at, published_at, retry_count, last_error, status"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrTransactionRequired = errors.New("postgres transaction is required")
	ErrInvalidIdentifier   = sqlident.ErrInvalidIdentifier
	ErrIDRequired          = errors.New("id is required")
)

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

// WithReadDB routes CountByStatus to a replica.
func WithReadDB(db *sql.DB) Option {
	return func(store *Store) {
		if db != nil {
			store.readDB = db
		}
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store persists outbox entries in PostgreSQL.
type Store struct {
	db                 *sql.DB
	readDB             *sql.DB
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
	now                func() time.Time
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a store writing through db, the primary.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		db:                 db,
		readDB:             db,
		logger:             log.NewNop(),
		tableName:          DefaultTableName,
		transactionTimeout: defaultTransactionTimeout,
		now:                func() time.Time { return time.Now().UTC() },
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

// Insert writes entry in its own statement.
func (store *Store) Insert(ctx context.Context, entry *outbox.Entry) error {
	return store.insert(ctx, store.db, entry)
}

// InsertTx writes entry inside tx, the caller's business transaction.
func (store *Store) InsertTx(ctx context.Context, tx *sql.Tx, entry *outbox.Entry) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	return store.insert(ctx, tx, entry)
}

// PublishTx builds a PENDING entry per event and writes all of them inside
// tx. Nothing is visible to the processor until the caller commits.
func (store *Store) PublishTx(ctx context.Context, tx *sql.Tx, events ...envelope.Event) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	for _, event := range events {
		entry, err := outbox.NewEntry(ctx, event)
		if err != nil {
			return fmt.Errorf("build outbox entry: %w", err)
		}

		if err := store.insert(ctx, tx, entry); err != nil {
			return err
		}
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (store *Store) insert(ctx context.Context, exec execer, entry *outbox.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	now := store.now()

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	query := "INSERT INTO " + store.table() + " (" + entryColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)"

	_, err := exec.ExecContext(ctx, query,
		entry.ID,
		entry.EventID,
		entry.EventType,
		entry.AggregateID,
		entry.Payload,
		entry.CorrelationID,
		entry.OccurredAt.UTC(),
		createdAt.UTC(),
		updatedAt.UTC(),
		nullableTime(entry.PublishedAt),
		entry.RetryCount,
		nullableString(entry.LastError),
		entry.Status.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", outbox.ErrDuplicateEntry, entry.ID)
		}

		return fmt.Errorf("inserting outbox entry: %w", err)
	}

	return nil
}

// ClaimPending selects the oldest PENDING rows with FOR UPDATE SKIP LOCKED and
// moves them to PROCESSING in the same transaction.
func (store *Store) ClaimPending(ctx context.Context, batchSize int) ([]*outbox.Entry, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	if err := outbox.ValidateTransition(outbox.StatusPending.String(), outbox.StatusProcessing.String()); err != nil {
		return nil, err
	}

	return withTx(ctx, store, func(ctx context.Context, tx *sql.Tx) ([]*outbox.Entry, error) {
		query := "SELECT " + entryColumns + " FROM " + store.table() +
			" WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2 FOR UPDATE SKIP LOCKED"

		rows, err := tx.QueryContext(ctx, query, outbox.StatusPending.String(), batchSize)
		if err != nil {
			return nil, fmt.Errorf("selecting pending entries: %w", err)
		}

		entries, err := scanEntries(rows)
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			return entries, nil
		}

		ids := make([]uuid.UUID, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.ID)
		}

		now := store.now()
		update := "UPDATE " + store.table() +
			" SET status = $1, updated_at = $2 WHERE id = ANY($3::text::uuid[]) AND status = $4"

		result, err := tx.ExecContext(ctx, update,
			outbox.StatusProcessing.String(), now, uuidArray(ids), outbox.StatusPending.String())
		if err != nil {
			return nil, fmt.Errorf("claiming pending entries: %w", err)
		}

		if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
			return nil, fmt.Errorf("claiming pending entries: %w", err)
		}

		for _, entry := range entries {
			entry.Status = outbox.StatusProcessing
			entry.UpdatedAt = now
		}

		return entries, nil
	})
}

func (store *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
	now := store.now()

	return store.transition(ctx, id, outbox.StatusPublished,
		"published_at = $1, updated_at = $1, last_error = NULL", now)
}

func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return store.transition(ctx, id, outbox.StatusFailed,
		"retry_count = retry_count + 1, last_error = $1, updated_at = $2",
		outbox.SanitizeErrorMessageForStorage(errMsg), store.now())
}

func (store *Store) IncrementRetry(ctx context.Context, id uuid.UUID, errMsg string) error {
	return store.transition(ctx, id, outbox.StatusPending,
		"retry_count = retry_count + 1, last_error = $1, updated_at = $2",
		outbox.SanitizeErrorMessageForStorage(errMsg), store.now())
}

// transition moves one PROCESSING row to next. assignments use placeholders
// $1..$n for args; status and id take the following two.
func (store *Store) transition(ctx context.Context, id uuid.UUID, next outbox.Status, assignments string, args ...any) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessing.String(), next.String()); err != nil {
		return err
	}

	n := len(args)
	query := fmt.Sprintf("UPDATE %s SET status = $%d, %s WHERE id = $%d AND status = $%d",
		store.table(), n+1, assignments, n+2, n+3)

	args = append(args, next.String(), id, outbox.StatusProcessing.String())

	result, err := store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating outbox entry to %s: %w", next, err)
	}

	if err := ensureRowsAffected(result); err != nil {
		return fmt.Errorf("updating outbox entry %s to %s: %w", id, next, err)
	}

	return nil
}

func (store *Store) DeleteOlderThanPublished(ctx context.Context, cutoff time.Time) (int64, error) {
	query := "DELETE FROM " + store.table() + " WHERE status = $1 AND published_at < $2"

	result, err := store.db.ExecContext(ctx, query, outbox.StatusPublished.String(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting published entries: %w", err)
	}

	return rowsAffected(result)
}

func (store *Store) Get(ctx context.Context, id uuid.UUID) (*outbox.Entry, error) {
	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	query := "SELECT " + entryColumns + " FROM " + store.table() + " WHERE id = $1"

	entry, err := scanEntry(store.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, id)
		}

		return nil, err
	}

	return entry, nil
}

func (store *Store) ReclaimStuck(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	table := store.table()
	query := "UPDATE " + table + " SET status = $1, updated_at = $2 WHERE id IN (" +
		"SELECT id FROM " + table + " WHERE status = $3 AND updated_at < $4 " +
		"ORDER BY updated_at ASC LIMIT $5 FOR UPDATE SKIP LOCKED) AND status = $3"

	result, err := store.db.ExecContext(ctx, query,
		outbox.StatusPending.String(), store.now(), outbox.StatusProcessing.String(), olderThan.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stuck entries: %w", err)
	}

	n, err := rowsAffected(result)

	return int(n), err
}

func (store *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	query := "SELECT status, COUNT(*) FROM " + store.table() + " GROUP BY status"

	rows, err := store.readDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("counting outbox entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int64, 4)

	for rows.Next() {
		var (
			raw   string
			count int64
		)

		if err := rows.Scan(&raw, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}

		status, err := outbox.ParseStatus(raw)
		if err != nil {
			store.logger.Log(ctx, log.LevelWarn, "ignoring unknown outbox status", log.String("status", raw))

			continue
		}

		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	return counts, nil
}

func withTx[T any](ctx context.Context, store *Store, fn func(context.Context, *sql.Tx) (T, error)) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(ctx, tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}
