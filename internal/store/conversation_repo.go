package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"convo-service/internal/models"
)

// ConversationRepo is the sqlx implementation of ConversationStore.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const uniqueViolation = "23505"

// GetOrCreateDirect returns or creates the direct conversation for the
// candidate's direct key. Only a conversation where both memberships are
// still non-left serves the pair; once either party leaves, the
// abandoned row gives up its key and a fresh conversation is created.
// Two callers racing to create the same pair are resolved by the unique
// index on direct_key: the loser re-queries and returns the winner's
// row.
func (r *ConversationRepo) GetOrCreateDirect(ctx context.Context, candidate models.Conversation, memberships []models.Membership) (models.Conversation, bool, error) {
	if candidate.DirectKey == nil {
		return models.Conversation{}, false, errors.New("candidate has no direct key")
	}

	var out models.Conversation
	created := false
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var existing models.Conversation
		err := tx.GetContext(ctx, &existing,
			`SELECT id, direct_key, created_at, last_activity_at FROM conversations WHERE direct_key=$1 FOR UPDATE`,
			*candidate.DirectKey)
		switch {
		case err == nil:
			var left int
			if err := tx.GetContext(ctx, &left,
				`SELECT COUNT(*) FROM memberships WHERE conversation_id=$1 AND status=$2`,
				existing.ID, models.MembershipLeft); err != nil {
				return err
			}
			if left == 0 {
				out = existing
				return nil
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET direct_key=NULL WHERE id=$1`, existing.ID); err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, direct_key, created_at, last_activity_at) VALUES ($1, $2, $3, $4)`,
			candidate.ID, candidate.DirectKey, candidate.CreatedAt, candidate.LastActivityAt); err != nil {
			return err
		}
		for _, m := range memberships {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO memberships (conversation_id, member_did, status, muted, last_read_rev, joined_at) VALUES ($1, $2, $3, $4, $5, $6)`,
				m.ConversationID, m.MemberDID, m.Status, m.Muted, m.LastReadRev, m.JoinedAt); err != nil {
				return err
			}
		}
		out = candidate
		created = true
		return nil
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			winner, qerr := r.getByDirectKey(ctx, *candidate.DirectKey)
			if qerr != nil {
				return models.Conversation{}, false, qerr
			}
			return winner, false, nil
		}
		return models.Conversation{}, false, err
	}
	return out, created, nil
}

func (r *ConversationRepo) getByDirectKey(ctx context.Context, key string) (models.Conversation, error) {
	var convo models.Conversation
	err := r.db.GetContext(ctx, &convo,
		`SELECT id, direct_key, created_at, last_activity_at FROM conversations WHERE direct_key=$1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	return convo, err
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var convo models.Conversation
	err := r.db.GetContext(ctx, &convo,
		`SELECT id, direct_key, created_at, last_activity_at FROM conversations WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	return convo, err
}

// GetMembership fetches one membership row.
func (r *ConversationRepo) GetMembership(ctx context.Context, conversationID, did string) (models.Membership, error) {
	var m models.Membership
	err := r.db.GetContext(ctx, &m,
		`SELECT conversation_id, member_did, status, muted, last_read_rev, joined_at FROM memberships WHERE conversation_id=$1 AND member_did=$2`,
		conversationID, did)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Membership{}, ErrNotFound
	}
	return m, err
}

// ListMemberships returns every membership row of a conversation.
func (r *ConversationRepo) ListMemberships(ctx context.Context, conversationID string) ([]models.Membership, error) {
	var ms []models.Membership
	err := r.db.SelectContext(ctx, &ms,
		`SELECT conversation_id, member_did, status, muted, last_read_rev, joined_at FROM memberships WHERE conversation_id=$1 ORDER BY joined_at ASC`,
		conversationID)
	return ms, err
}

// ListActive pages through the member's non-left conversations by last
// activity descending. The (beforeActivity, beforeID) pair breaks ties
// between conversations sharing a last-activity timestamp.
func (r *ConversationRepo) ListActive(ctx context.Context, did string, beforeActivity *time.Time, beforeID string, limit int) ([]MemberConversation, error) {
	query := `SELECT c.id, c.direct_key, c.created_at, c.last_activity_at,
	        m.conversation_id, m.member_did, m.status, m.muted, m.last_read_rev, m.joined_at
	    FROM conversations c
	    JOIN memberships m ON m.conversation_id = c.id
	    WHERE m.member_did=$1 AND m.status <> 'left'`
	args := []interface{}{did}
	if beforeActivity != nil {
		query += ` AND (c.last_activity_at, c.id) < ($2, $3)`
		args = append(args, *beforeActivity, beforeID)
	}
	query += ` ORDER BY c.last_activity_at DESC, c.id DESC LIMIT ` + limitClause(len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []MemberConversation
	for rows.Next() {
		var mc MemberConversation
		if err := rows.Scan(
			&mc.Conversation.ID, &mc.Conversation.DirectKey, &mc.Conversation.CreatedAt, &mc.Conversation.LastActivityAt,
			&mc.Membership.ConversationID, &mc.Membership.MemberDID, &mc.Membership.Status, &mc.Membership.Muted,
			&mc.Membership.LastReadRev, &mc.Membership.JoinedAt); err != nil {
			return nil, err
		}
		result = append(result, mc)
	}
	return result, rows.Err()
}

// UpdateMembershipStatus transitions the row under a row lock so two
// concurrent transitions serialize.
func (r *ConversationRepo) UpdateMembershipStatus(ctx context.Context, conversationID, did string, allowedFrom []models.MembershipStatus, to models.MembershipStatus) (models.Membership, error) {
	var updated models.Membership
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var m models.Membership
		err := tx.GetContext(ctx, &m,
			`SELECT conversation_id, member_did, status, muted, last_read_rev, joined_at FROM memberships WHERE conversation_id=$1 AND member_did=$2 FOR UPDATE`,
			conversationID, did)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !statusIn(m.Status, allowedFrom) {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memberships SET status=$1 WHERE conversation_id=$2 AND member_did=$3`,
			to, conversationID, did); err != nil {
			return err
		}
		m.Status = to
		updated = m
		return nil
	})
	return updated, err
}

// SetLastRead advances the read cursor and appends the entry atomically.
func (r *ConversationRepo) SetLastRead(ctx context.Context, conversationID, did, rev string, entry models.LogEntry) error {
	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE memberships SET last_read_rev=$1 WHERE conversation_id=$2 AND member_did=$3`,
			rev, conversationID, did)
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

// SetMuted flips the muted flag.
func (r *ConversationRepo) SetMuted(ctx context.Context, conversationID, did string, muted bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE memberships SET muted=$1 WHERE conversation_id=$2 AND member_did=$3`,
		muted, conversationID, did)
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
	return nil
}

func statusIn(s models.MembershipStatus, list []models.MembershipStatus) bool {
	for _, allowed := range list {
		if s == allowed {
			return true
		}
	}
	return false
}
