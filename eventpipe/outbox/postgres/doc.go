// Package postgres stores outbox entries in PostgreSQL through database/sql
// and the pgx stdlib driver.
//
// The claim in ClaimPending locks rows with FOR UPDATE SKIP LOCKED so several
// relay instances can poll the same table without sharing entries. InsertTx
// and PublishTx write inside a caller transaction, which is what makes the
// outbox transactional.
package postgres
