package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convo-service/internal/models"
	"convo-service/internal/store"
)

const (
	alice = "did:plc:alice"
	bob   = "did:plc:bob"
)

func newCoordinator(t *testing.T) (*Coordinator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewCoordinator(mem), mem
}

func TestUpdatePresenceStoresOnline(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	p, err := c.UpdatePresence(ctx, alice, true)
	require.NoError(t, err)
	assert.True(t, p.Online)
	require.NotNil(t, p.LastSeenAt)
}

func TestUpdatePresenceForcedOfflineWhenHidden(t *testing.T) {
	c, mem := newCoordinator(t)
	ctx := context.Background()

	require.NoError(t, mem.SetPrivacy(ctx, models.PrivacySettings{
		DID: alice, ShareReadReceipts: true, ShareOnline: false, ShareLastSeen: true,
	}))

	p, err := c.UpdatePresence(ctx, alice, true)
	require.NoError(t, err)
	assert.False(t, p.Online)
	// Last seen is recorded regardless.
	assert.NotNil(t, p.LastSeenAt)
}

func TestBatchGetPresenceTargetGating(t *testing.T) {
	c, mem := newCoordinator(t)
	ctx := context.Background()

	_, err := c.UpdatePresence(ctx, bob, true)
	require.NoError(t, err)

	views, err := c.BatchGetPresence(ctx, alice, []string{bob})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].Online)
	assert.NotNil(t, views[0].LastSeenAt)

	// Bob hides last-seen; online stays visible.
	require.NoError(t, mem.SetPrivacy(ctx, models.PrivacySettings{
		DID: bob, ShareReadReceipts: true, ShareOnline: true, ShareLastSeen: false,
	}))
	views, err = c.BatchGetPresence(ctx, alice, []string{bob})
	require.NoError(t, err)
	assert.True(t, views[0].Online)
	assert.Nil(t, views[0].LastSeenAt)
}

func TestBatchGetPresenceReciprocalGating(t *testing.T) {
	c, mem := newCoordinator(t)
	ctx := context.Background()

	_, err := c.UpdatePresence(ctx, bob, true)
	require.NoError(t, err)

	// Alice hides her own online status, so she cannot observe Bob's.
	require.NoError(t, mem.SetPrivacy(ctx, models.PrivacySettings{
		DID: alice, ShareReadReceipts: true, ShareOnline: false, ShareLastSeen: true,
	}))

	views, err := c.BatchGetPresence(ctx, alice, []string{bob})
	require.NoError(t, err)
	assert.False(t, views[0].Online)
	assert.NotNil(t, views[0].LastSeenAt)

	// Hiding last-seen too blanks the remaining signal.
	require.NoError(t, mem.SetPrivacy(ctx, models.PrivacySettings{
		DID: alice, ShareReadReceipts: true, ShareOnline: false, ShareLastSeen: false,
	}))
	views, err = c.BatchGetPresence(ctx, alice, []string{bob})
	require.NoError(t, err)
	assert.False(t, views[0].Online)
	assert.Nil(t, views[0].LastSeenAt)
}

func TestBatchGetPresenceAbsentRows(t *testing.T) {
	c, _ := newCoordinator(t)

	views, err := c.BatchGetPresence(context.Background(), alice, []string{"did:plc:ghost"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.False(t, views[0].Online)
	assert.Nil(t, views[0].LastSeenAt)
}

func TestBatchGetPresenceSizeLimit(t *testing.T) {
	c, _ := newCoordinator(t)

	dids := make([]string, MaxBatchSize+1)
	for i := range dids {
		dids[i] = "did:plc:u"
	}
	_, err := c.BatchGetPresence(context.Background(), alice, dids)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestSetPrivacyForcesStoredPresenceOffline(t *testing.T) {
	c, mem := newCoordinator(t)
	ctx := context.Background()

	_, err := c.UpdatePresence(ctx, alice, true)
	require.NoError(t, err)

	require.NoError(t, c.SetPrivacy(ctx, models.PrivacySettings{
		DID: alice, ShareReadReceipts: true, ShareOnline: false, ShareLastSeen: true,
	}))

	stored, err := mem.GetPresence(ctx, alice)
	require.NoError(t, err)
	assert.False(t, stored.Online)
}

func TestGetPrivacyDefaultsToShared(t *testing.T) {
	c, _ := newCoordinator(t)

	settings, err := c.GetPrivacy(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, settings.ShareReadReceipts)
	assert.True(t, settings.ShareOnline)
	assert.True(t, settings.ShareLastSeen)
}
