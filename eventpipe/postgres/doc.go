// Package postgres opens the read/write-split Postgres connection shared by
// the outbox and idempotency stores and applies their embedded schema
// migrations.
package postgres
