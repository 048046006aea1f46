package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"convo-service/internal/models"
)

// MessageRepo is the sqlx implementation of MessageStore.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage inserts the message, bumps conversation activity,
// advances the sender's read cursor and appends the log entry in one
// transaction.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message, entry models.LogEntry) error {
	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var facets interface{}
		if len(msg.Facets) > 0 {
			facets = []byte(msg.Facets)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender_did, body, facets, rev, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			msg.ID, msg.ConversationID, msg.SenderDID, msg.Body, facets, msg.Rev, msg.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_activity_at=$1 WHERE id=$2`,
			msg.CreatedAt, msg.ConversationID); err != nil {
			return err
		}
		// The sender always considers their own message read.
		if _, err := tx.ExecContext(ctx,
			`UPDATE memberships SET last_read_rev=$1 WHERE conversation_id=$2 AND member_did=$3`,
			msg.Rev, msg.ConversationID, msg.SenderDID); err != nil {
			return err
		}
		return appendEntryTx(ctx, tx, entry)
	})
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg,
		`SELECT id, conversation_id, sender_did, body, facets, rev, created_at, deleted_at FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	return msg, err
}

// ListMessages pages by revision descending.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID, beforeRev string, limit int) ([]models.Message, error) {
	query := `SELECT id, conversation_id, sender_did, body, facets, rev, created_at, deleted_at
	    FROM messages WHERE conversation_id=$1`
	args := []interface{}{conversationID}
	if beforeRev != "" {
		query += ` AND rev < $2`
		args = append(args, beforeRev)
	}
	query += ` ORDER BY rev DESC LIMIT ` + limitClause(len(args)+1)
	args = append(args, limit)

	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, args...)
	return msgs, err
}

// SoftDeleteMessage clears body and facets while keeping the row, and
// appends the deletion entry.
func (r *MessageRepo) SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time, entry models.LogEntry) error {
	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET body='', facets=NULL, deleted_at=$1 WHERE id=$2 AND deleted_at IS NULL`,
			deletedAt, messageID)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return appendEntryTx(ctx, tx, entry)
	})
}

// AddReaction inserts the reaction under a message row lock so the
// per-member cap check and the insert are one serialized unit.
func (r *MessageRepo) AddReaction(ctx context.Context, reaction models.Reaction, entry models.LogEntry) (bool, error) {
	added := false
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id=$1 FOR UPDATE)`, reaction.MessageID); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}

		var dup bool
		if err := tx.GetContext(ctx, &dup,
			`SELECT EXISTS(SELECT 1 FROM reactions WHERE message_id=$1 AND member_did=$2 AND value=$3)`,
			reaction.MessageID, reaction.MemberDID, reaction.Value); err != nil {
			return err
		}
		if dup {
			return nil
		}

		var count int
		if err := tx.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM reactions WHERE message_id=$1 AND member_did=$2`,
			reaction.MessageID, reaction.MemberDID); err != nil {
			return err
		}
		if count >= models.ReactionLimitPerMember {
			return ErrReactionLimit
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reactions (message_id, member_did, value, created_at) VALUES ($1, $2, $3, $4)`,
			reaction.MessageID, reaction.MemberDID, reaction.Value, reaction.CreatedAt); err != nil {
			return err
		}
		added = true
		return appendEntryTx(ctx, tx, entry)
	})
	return added, err
}

// RemoveReaction deletes the reaction if present; absent pairs are a
// no-op with no log append.
func (r *MessageRepo) RemoveReaction(ctx context.Context, reaction models.Reaction, entry models.LogEntry) (bool, error) {
	removed := false
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM reactions WHERE message_id=$1 AND member_did=$2 AND value=$3`,
			reaction.MessageID, reaction.MemberDID, reaction.Value)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		removed = true
		return appendEntryTx(ctx, tx, entry)
	})
	return removed, err
}

// ListReactions returns a message's reactions in insertion order.
func (r *MessageRepo) ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error) {
	var reactions []models.Reaction
	err := r.db.SelectContext(ctx, &reactions,
		`SELECT message_id, member_did, value, created_at FROM reactions WHERE message_id=$1 ORDER BY created_at ASC, value ASC`,
		messageID)
	return reactions, err
}

// MarkDelivered records delivery once; a second call is a no-op that
// returns the current row without appending to the log.
func (r *MessageRepo) MarkDelivered(ctx context.Context, st models.MessageStatus, entry models.LogEntry) (models.MessageStatus, error) {
	var out models.MessageStatus
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		current, err := statusRowTx(ctx, tx, st.MessageID, st.RecipientDID)
		if err == nil && current.DeliveredAt != nil {
			out = current
			return nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_status (message_id, recipient_did, delivered_at) VALUES ($1, $2, $3)
			 ON CONFLICT (message_id, recipient_did) DO UPDATE SET delivered_at = COALESCE(message_status.delivered_at, EXCLUDED.delivered_at)`,
			st.MessageID, st.RecipientDID, st.DeliveredAt); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &out,
			`SELECT message_id, recipient_did, delivered_at, read_at FROM message_status WHERE message_id=$1 AND recipient_did=$2`,
			st.MessageID, st.RecipientDID); err != nil {
			return err
		}
		return appendEntryTx(ctx, tx, entry)
	})
	return out, err
}

// MarkRead records the read time, never clearing an earlier delivered
// time. Once read, further calls are no-ops that return the current row
// without appending to the log.
func (r *MessageRepo) MarkRead(ctx context.Context, st models.MessageStatus, entry models.LogEntry) (models.MessageStatus, error) {
	var out models.MessageStatus
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		current, err := statusRowTx(ctx, tx, st.MessageID, st.RecipientDID)
		if err == nil && current.ReadAt != nil {
			out = current
			return nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_status (message_id, recipient_did, delivered_at, read_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (message_id, recipient_did) DO UPDATE SET
			     delivered_at = COALESCE(message_status.delivered_at, EXCLUDED.delivered_at),
			     read_at = COALESCE(message_status.read_at, EXCLUDED.read_at)`,
			st.MessageID, st.RecipientDID, st.DeliveredAt, st.ReadAt); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &out,
			`SELECT message_id, recipient_did, delivered_at, read_at FROM message_status WHERE message_id=$1 AND recipient_did=$2`,
			st.MessageID, st.RecipientDID); err != nil {
			return err
		}
		return appendEntryTx(ctx, tx, entry)
	})
	return out, err
}

// statusRowTx loads one recipient's status row under a row lock so the
// no-change check and the upsert see the same state.
func statusRowTx(ctx context.Context, tx *sqlx.Tx, messageID, recipientDID string) (models.MessageStatus, error) {
	var st models.MessageStatus
	err := tx.GetContext(ctx, &st,
		`SELECT message_id, recipient_did, delivered_at, read_at FROM message_status WHERE message_id=$1 AND recipient_did=$2 FOR UPDATE`,
		messageID, recipientDID)
	return st, err
}

// ListStatuses returns all recipient rows for a message.
func (r *MessageRepo) ListStatuses(ctx context.Context, messageID string) ([]models.MessageStatus, error) {
	var statuses []models.MessageStatus
	err := r.db.SelectContext(ctx, &statuses,
		`SELECT message_id, recipient_did, delivered_at, read_at FROM message_status WHERE message_id=$1`,
		messageID)
	return statuses, err
}
