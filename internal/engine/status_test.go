package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convo-service/internal/models"
)

func TestSenderCannotMarkOwnMessage(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "hi", nil)
	require.NoError(t, err)

	_, err = eng.MarkDelivered(ctx, alice, msg.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = eng.MarkMessageRead(ctx, alice, msg.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestReadPreservesDelivered(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "hi", nil)
	require.NoError(t, err)

	delivered, err := eng.MarkDelivered(ctx, bob, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, delivered.DeliveredAt)
	require.Nil(t, delivered.ReadAt)

	read, err := eng.MarkMessageRead(ctx, bob, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, read.ReadAt)
	require.NotNil(t, read.DeliveredAt)
	assert.Equal(t, delivered.DeliveredAt, read.DeliveredAt)

	// Marking delivered again after read changes nothing.
	again, err := eng.MarkDelivered(ctx, bob, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, read.DeliveredAt, again.DeliveredAt)
	assert.Equal(t, read.ReadAt, again.ReadAt)
}

func TestReadWithoutDeliveredSetsBoth(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "hi", nil)
	require.NoError(t, err)

	read, err := eng.MarkMessageRead(ctx, bob, msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, read.ReadAt)
	assert.NotNil(t, read.DeliveredAt)
}

func TestRepeatedStatusMarksAppendOnce(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "hi", nil)
	require.NoError(t, err)

	_, err = eng.MarkDelivered(ctx, bob, msg.ID)
	require.NoError(t, err)
	_, err = eng.MarkDelivered(ctx, bob, msg.ID)
	require.NoError(t, err)
	_, err = eng.MarkMessageRead(ctx, bob, msg.ID)
	require.NoError(t, err)
	_, err = eng.MarkMessageRead(ctx, bob, msg.ID)
	require.NoError(t, err)

	entries, _, err := eng.SyncLog(ctx, bob, "", 100)
	require.NoError(t, err)
	changes := 0
	for _, entry := range entries {
		if entry.Kind == models.LogStatusChanged {
			changes++
		}
	}
	// One entry for the delivery, one for the read; the repeats add none.
	assert.Equal(t, 2, changes)
}

func TestDerivedMessageState(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "hi", nil)
	require.NoError(t, err)

	status, err := eng.GetMessageStatus(ctx, alice, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, status.State)

	_, err = eng.MarkDelivered(ctx, bob, msg.ID)
	require.NoError(t, err)
	status, err = eng.GetMessageStatus(ctx, alice, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, status.State)
	require.Len(t, status.Recipients, 1)

	_, err = eng.MarkMessageRead(ctx, bob, msg.ID)
	require.NoError(t, err)
	status, err = eng.GetMessageStatus(ctx, alice, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRead, status.State)
}

func TestReadReceiptPrivacyIsReciprocal(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "hi", nil)
	require.NoError(t, err)
	_, err = eng.MarkMessageRead(ctx, bob, msg.ID)
	require.NoError(t, err)

	// A caller hiding their own read receipts only ever sees "sent".
	require.NoError(t, mem.SetPrivacy(ctx, models.PrivacySettings{
		DID: alice, ShareReadReceipts: false, ShareOnline: true, ShareLastSeen: true,
	}))
	status, err := eng.GetMessageStatus(ctx, alice, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, status.State)
	assert.Empty(t, status.Recipients)
}

func TestRecipientHidingReceiptsIsInvisible(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "hi", nil)
	require.NoError(t, err)
	_, err = eng.MarkMessageRead(ctx, bob, msg.ID)
	require.NoError(t, err)

	require.NoError(t, mem.SetPrivacy(ctx, models.PrivacySettings{
		DID: bob, ShareReadReceipts: false, ShareOnline: true, ShareLastSeen: true,
	}))

	// With the only recipient hidden there is nothing to derive from.
	status, err := eng.GetMessageStatus(ctx, alice, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, status.State)
	assert.Empty(t, status.Recipients)
}

func TestStatusRequiresMembership(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "hi", nil)
	require.NoError(t, err)

	_, err = eng.GetMessageStatus(ctx, "did:plc:eve", msg.ID)
	assert.ErrorIs(t, err, ErrNotAMember)
	_, err = eng.MarkDelivered(ctx, "did:plc:eve", msg.ID)
	assert.ErrorIs(t, err, ErrNotAMember)
}
