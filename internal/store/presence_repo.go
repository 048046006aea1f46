package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"convo-service/internal/models"
)

// PresenceRepo is the sqlx implementation of PresenceStore.
type PresenceRepo struct {
	db *sqlx.DB
}

// NewPresenceRepo constructs a PresenceRepo.
func NewPresenceRepo(db *sqlx.DB) *PresenceRepo {
	return &PresenceRepo{db: db}
}

// UpsertPresence writes the single presence row for an identity.
func (r *PresenceRepo) UpsertPresence(ctx context.Context, p models.Presence) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO presence (did, online, last_seen_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (did) DO UPDATE SET online=EXCLUDED.online, last_seen_at=EXCLUDED.last_seen_at, updated_at=EXCLUDED.updated_at`,
		p.DID, p.Online, p.LastSeenAt, p.UpdatedAt)
	return err
}

// GetPresence fetches the presence row; ErrNotFound when absent.
func (r *PresenceRepo) GetPresence(ctx context.Context, did string) (models.Presence, error) {
	var p models.Presence
	err := r.db.GetContext(ctx, &p,
		`SELECT did, online, last_seen_at, updated_at FROM presence WHERE did=$1`, did)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Presence{}, ErrNotFound
	}
	return p, err
}

// BatchGetPresence returns the presence rows that exist for the given
// identities; absent identities are simply missing from the map.
func (r *PresenceRepo) BatchGetPresence(ctx context.Context, dids []string) (map[string]models.Presence, error) {
	result := make(map[string]models.Presence, len(dids))
	if len(dids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT did, online, last_seen_at, updated_at FROM presence WHERE did IN (?)`, dids)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p models.Presence
		if err := rows.StructScan(&p); err != nil {
			return nil, err
		}
		result[p.DID] = p
	}
	return result, rows.Err()
}

// GetPrivacy returns stored settings or the all-shared defaults.
func (r *PresenceRepo) GetPrivacy(ctx context.Context, did string) (models.PrivacySettings, error) {
	var s models.PrivacySettings
	err := r.db.GetContext(ctx, &s,
		`SELECT did, share_read_receipts, share_online, share_last_seen FROM privacy_settings WHERE did=$1`, did)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultPrivacySettings(did), nil
	}
	return s, err
}

// BatchGetPrivacy returns settings for every requested identity, filling
// defaults for those without a stored row.
func (r *PresenceRepo) BatchGetPrivacy(ctx context.Context, dids []string) (map[string]models.PrivacySettings, error) {
	result := make(map[string]models.PrivacySettings, len(dids))
	for _, did := range dids {
		result[did] = models.DefaultPrivacySettings(did)
	}
	if len(dids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT did, share_read_receipts, share_online, share_last_seen FROM privacy_settings WHERE did IN (?)`, dids)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s models.PrivacySettings
		if err := rows.StructScan(&s); err != nil {
			return nil, err
		}
		result[s.DID] = s
	}
	return result, rows.Err()
}

// SetPrivacy upserts the settings row.
func (r *PresenceRepo) SetPrivacy(ctx context.Context, s models.PrivacySettings) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO privacy_settings (did, share_read_receipts, share_online, share_last_seen) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (did) DO UPDATE SET share_read_receipts=EXCLUDED.share_read_receipts, share_online=EXCLUDED.share_online, share_last_seen=EXCLUDED.share_last_seen`,
		s.DID, s.ShareReadReceipts, s.ShareOnline, s.ShareLastSeen)
	return err
}

// Contacts returns identities sharing a live conversation with did.
func (r *PresenceRepo) Contacts(ctx context.Context, did string) ([]string, error) {
	var contacts []string
	err := r.db.SelectContext(ctx, &contacts,
		`SELECT DISTINCT other.member_did
	     FROM memberships mine
	     JOIN memberships other ON other.conversation_id = mine.conversation_id
	     WHERE mine.member_did=$1 AND mine.status <> 'left'
	       AND other.member_did <> $1 AND other.status <> 'left'`, did)
	return contacts, err
}
