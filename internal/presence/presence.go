// Package presence derives visible online/last-seen signals under
// reciprocal privacy rules: an identity that hides a signal about
// itself also loses the ability to observe that signal from others.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convo-service/internal/models"
	"convo-service/internal/store"
)

// MaxBatchSize bounds one batch presence lookup.
const MaxBatchSize = 100

// ErrLimitExceeded rejects oversized batch lookups.
var ErrLimitExceeded = errors.New("presence: batch size limit exceeded")

// Coordinator owns presence state transitions and privacy gating.
type Coordinator struct {
	store store.PresenceStore
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(s store.PresenceStore) *Coordinator {
	return &Coordinator{store: s}
}

// UpdatePresence upserts the identity's presence row. When the identity
// hides its online status the stored flag is forced false regardless of
// the input; the last-seen time is recorded either way.
func (c *Coordinator) UpdatePresence(ctx context.Context, me string, online bool) (models.Presence, error) {
	settings, err := c.store.GetPrivacy(ctx, me)
	if err != nil {
		return models.Presence{}, err
	}
	if !settings.ShareOnline {
		online = false
	}

	now := time.Now().UTC()
	p := models.Presence{DID: me, Online: online, LastSeenAt: &now, UpdatedAt: now}
	if err := c.store.UpsertPresence(ctx, p); err != nil {
		return models.Presence{}, err
	}
	return p, nil
}

// BatchGetPresence resolves presence for the requested identities as
// visible to the requester. Each target's own settings gate what they
// disclose; the requester's settings gate what they may observe at all.
// Absent presence rows resolve to offline with no last-seen.
func (c *Coordinator) BatchGetPresence(ctx context.Context, me string, dids []string) ([]models.PresenceView, error) {
	if len(dids) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d identities requested", ErrLimitExceeded, len(dids))
	}

	mine, err := c.store.GetPrivacy(ctx, me)
	if err != nil {
		return nil, err
	}

	rows, err := c.store.BatchGetPresence(ctx, dids)
	if err != nil {
		return nil, err
	}
	settings, err := c.store.BatchGetPrivacy(ctx, dids)
	if err != nil {
		return nil, err
	}

	views := make([]models.PresenceView, 0, len(dids))
	for _, did := range dids {
		view := models.PresenceView{DID: did}
		target := settings[did]
		row, exists := rows[did]

		if exists && row.Online && target.ShareOnline && mine.ShareOnline {
			view.Online = true
		}
		if exists && target.ShareLastSeen && mine.ShareLastSeen {
			view.LastSeenAt = row.LastSeenAt
		}
		views = append(views, view)
	}
	return views, nil
}

// GetPrivacy returns the identity's settings, defaulted to all-shared.
func (c *Coordinator) GetPrivacy(ctx context.Context, me string) (models.PrivacySettings, error) {
	return c.store.GetPrivacy(ctx, me)
}

// SetPrivacy stores the identity's disclosure toggles. Hiding online
// status also forces the stored presence flag offline so the old value
// cannot leak.
func (c *Coordinator) SetPrivacy(ctx context.Context, s models.PrivacySettings) error {
	if err := c.store.SetPrivacy(ctx, s); err != nil {
		return err
	}
	if !s.ShareOnline {
		if p, err := c.store.GetPresence(ctx, s.DID); err == nil && p.Online {
			p.Online = false
			p.UpdatedAt = time.Now().UTC()
			if err := c.store.UpsertPresence(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// Contacts returns identities sharing a live conversation with me,
// used to scope presence broadcasts.
func (c *Coordinator) Contacts(ctx context.Context, me string) ([]string, error) {
	return c.store.Contacts(ctx, me)
}
