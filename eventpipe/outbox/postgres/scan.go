package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolationCode = "23505"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*outbox.Entry, error) {
	var (
		entry       outbox.Entry
		publishedAt sql.NullTime
		lastError   sql.NullString
		status      string
	)

	if err := row.Scan(
		&entry.ID,
		&entry.EventID,
		&entry.EventType,
		&entry.AggregateID,
		&entry.Payload,
		&entry.CorrelationID,
		&entry.OccurredAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&publishedAt,
		&entry.RetryCount,
		&lastError,
		&status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox entry: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	entry.Status = parsed

	if publishedAt.Valid {
		t := publishedAt.Time.UTC()
		entry.PublishedAt = &t
	}

	if lastError.Valid {
		entry.LastError = lastError.String
	}

	return &entry, nil
}

func scanEntries(rows *sql.Rows) ([]*outbox.Entry, error) {
	defer rows.Close()

	entries := make([]*outbox.Entry, 0)

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox entries: %w", err)
	}

	return entries, nil
}

// uuidArray renders ids as a PostgreSQL array literal, cast server side.
func uuidArray(ids []uuid.UUID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}

	return "{" + strings.Join(parts, ",") + "}"
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return outbox.ErrStateTransitionConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return outbox.ErrStateTransitionConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, outbox.ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}
