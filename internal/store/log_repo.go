package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"convo-service/internal/models"
)

// LogRepo is the sqlx implementation of LogStore.
type LogRepo struct {
	db *sqlx.DB
}

// NewLogRepo constructs a LogRepo.
func NewLogRepo(db *sqlx.DB) *LogRepo {
	return &LogRepo{db: db}
}

type logRow struct {
	ConversationID string          `db:"conversation_id"`
	Rev            string          `db:"rev"`
	Kind           models.LogKind  `db:"kind"`
	Payload        json.RawMessage `db:"payload"`
	CreatedAt      sql.NullTime    `db:"created_at"`
}

// EntriesAfter merges the logs of every conversation the member has not
// left, ordered ascending by revision.
func (r *LogRepo) EntriesAfter(ctx context.Context, did, cursor string, limit int) ([]models.LogEntry, error) {
	query := `SELECT l.conversation_id, l.rev, l.kind, l.payload, l.created_at
	    FROM log_entries l
	    JOIN memberships m ON m.conversation_id = l.conversation_id
	    WHERE m.member_did=$1 AND m.status <> 'left' AND l.rev > $2
	    ORDER BY l.rev ASC
	    LIMIT $3`
	rows, err := r.db.QueryxContext(ctx, query, did, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var row logRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		payload, err := models.UnmarshalLogPayload(row.Kind, row.Payload)
		if err != nil {
			return nil, err
		}
		entry := models.LogEntry{
			ConversationID: row.ConversationID,
			Rev:            row.Rev,
			Kind:           row.Kind,
			Payload:        payload,
		}
		if row.CreatedAt.Valid {
			entry.CreatedAt = row.CreatedAt.Time
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// LatestMessageRev returns the highest message revision, or "" when the
// conversation has no messages.
func (r *LogRepo) LatestMessageRev(ctx context.Context, conversationID string) (string, error) {
	var rev sql.NullString
	err := r.db.GetContext(ctx, &rev,
		`SELECT MAX(rev) FROM messages WHERE conversation_id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) || !rev.Valid {
		return "", nil
	}
	return rev.String, err
}

// UnreadCount counts live messages newer than sinceRev.
func (r *LogRepo) UnreadCount(ctx context.Context, conversationID, sinceRev string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages WHERE conversation_id=$1 AND rev > $2 AND deleted_at IS NULL`,
		conversationID, sinceRev)
	return count, err
}
