package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"convo-service/internal/models"
)

// limitClause renders a positional placeholder for dynamically built
// queries.
func limitClause(n int) string { return "$" + strconv.Itoa(n) }

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// appendEntryTx writes one event-log entry inside an open transaction.
// The log is append-only: nothing in this package updates or deletes
// from log_entries.
func appendEntryTx(ctx context.Context, tx *sqlx.Tx, entry models.LogEntry) error {
	payload, err := entry.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal log payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO log_entries (conversation_id, rev, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.ConversationID, entry.Rev, entry.Kind, payload, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}
