package models

import "time"

// Presence is the stored realtime state for one identity. A single row
// per identity, upserted on every transition.
type Presence struct {
	DID        string     `db:"did" json:"did"`
	Online     bool       `db:"online" json:"online"`
	LastSeenAt *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// PrivacySettings holds the three independent disclosure toggles. An
// absent row means everything is shared.
type PrivacySettings struct {
	DID               string `db:"did" json:"did"`
	ShareReadReceipts bool   `db:"share_read_receipts" json:"share_read_receipts"`
	ShareOnline       bool   `db:"share_online" json:"share_online"`
	ShareLastSeen     bool   `db:"share_last_seen" json:"share_last_seen"`
}

// DefaultPrivacySettings returns the all-shared defaults for a DID.
func DefaultPrivacySettings(did string) PrivacySettings {
	return PrivacySettings{
		DID:               did,
		ShareReadReceipts: true,
		ShareOnline:       true,
		ShareLastSeen:     true,
	}
}

// PresenceView is presence as visible to a particular requester after
// privacy gating.
type PresenceView struct {
	DID        string     `json:"did"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}
