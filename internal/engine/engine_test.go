package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convo-service/internal/models"
	"convo-service/internal/revision"
	"convo-service/internal/store"
)

const (
	alice = "did:plc:alice"
	bob   = "did:plc:bob"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem, mem, mem, mem, revision.New(), nil), mem
}

// startAccepted creates the direct conversation and moves the second
// party to accepted so both may write.
func startAccepted(t *testing.T, eng *Engine) string {
	t.Helper()
	ctx := context.Background()
	view, err := eng.GetOrCreateDirect(ctx, alice, bob)
	require.NoError(t, err)
	_, err = eng.AcceptConversation(ctx, bob, view.ID)
	require.NoError(t, err)
	return view.ID
}

func TestGetOrCreateDirectIsSymmetric(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.GetOrCreateDirect(ctx, alice, bob)
	require.NoError(t, err)
	second, err := eng.GetOrCreateDirect(ctx, bob, alice)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateDirectAfterLeaving(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	first := startAccepted(t, eng)
	_, err := eng.LeaveConversation(ctx, alice, first)
	require.NoError(t, err)

	// The abandoned conversation no longer serves the pair.
	fresh, err := eng.GetOrCreateDirect(ctx, alice, bob)
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh.ID)
	assert.Equal(t, models.MembershipAccepted, fresh.Status)

	// Both parties converge on the fresh conversation from now on.
	again, err := eng.GetOrCreateDirect(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, again.ID)
}

func TestGetOrCreateDirectConcurrent(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	ids := make([]string, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			me, other := alice, bob
			if i%2 == 1 {
				me, other = bob, alice
			}
			view, err := eng.GetOrCreateDirect(ctx, me, other)
			if assert.NoError(t, err) {
				ids[i] = view.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestGetOrCreateDirectRejectsSelf(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.GetOrCreateDirect(context.Background(), alice, alice)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMembershipStateMachine(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	view, err := eng.GetOrCreateDirect(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipAccepted, view.Status)

	// A request-state member can already read and reply.
	_, err = eng.SendMessage(ctx, bob, view.ID, "hi", nil)
	require.NoError(t, err)

	mem, err := eng.AcceptConversation(ctx, bob, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipAccepted, mem.Status)

	// Accepting twice is harmless.
	mem, err = eng.AcceptConversation(ctx, bob, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipAccepted, mem.Status)

	mem, err = eng.LeaveConversation(ctx, bob, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipLeft, mem.Status)

	// Left is terminal.
	_, err = eng.AcceptConversation(ctx, bob, view.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = eng.LeaveConversation(ctx, bob, view.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	// A left member can no longer act in the conversation.
	_, err = eng.SendMessage(ctx, bob, view.ID, "back", nil)
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestSendMessageValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	_, err := eng.SendMessage(ctx, alice, convoID, "   ", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = eng.SendMessage(ctx, "did:plc:eve", convoID, "hi", nil)
	assert.ErrorIs(t, err, ErrNotAMember)

	_, err = eng.SendMessage(ctx, alice, "no-such-convo", "hi", nil)
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestSendMessageAdvancesSenderReadCursor(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "hello", nil)
	require.NoError(t, err)

	views, _, err := eng.ListConversations(ctx, alice, "", 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 0, views[0].UnreadCount)
	require.NotNil(t, views[0].LastMessage)
	assert.Equal(t, msg.ID, views[0].LastMessage.ID)
}

func TestUnreadCountForRecipient(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	_, err := eng.SendMessage(ctx, alice, convoID, "one", nil)
	require.NoError(t, err)

	// Bob has never marked anything read, so unread reports zero.
	views, _, err := eng.ListConversations(ctx, bob, "", 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 0, views[0].UnreadCount)

	_, err = eng.MarkConversationRead(ctx, bob, convoID)
	require.NoError(t, err)

	_, err = eng.SendMessage(ctx, alice, convoID, "two", nil)
	require.NoError(t, err)
	_, err = eng.SendMessage(ctx, alice, convoID, "three", nil)
	require.NoError(t, err)

	views, _, err = eng.ListConversations(ctx, bob, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, views[0].UnreadCount)
}

func TestMarkConversationReadEmptyIsNoop(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	rev, err := eng.MarkConversationRead(ctx, bob, convoID)
	require.NoError(t, err)
	assert.Empty(t, rev)

	entries, _, err := eng.SyncLog(ctx, bob, "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteMessageSenderOnly(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "secret", []byte(`{"links":[]}`))
	require.NoError(t, err)

	err = eng.DeleteMessage(ctx, bob, msg.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, eng.DeleteMessage(ctx, alice, msg.ID))

	views, _, err := eng.ListMessages(ctx, bob, convoID, "", 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	stub := views[0]
	assert.True(t, stub.Deleted)
	assert.Equal(t, msg.ID, stub.ID)
	assert.Equal(t, alice, stub.SenderDID)
	assert.Equal(t, msg.CreatedAt, stub.CreatedAt)
	assert.Empty(t, stub.Body)
	assert.Empty(t, stub.Facets)

	err = eng.DeleteMessage(ctx, alice, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReactionIdempotencyAndCap(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	msg, err := eng.SendMessage(ctx, alice, convoID, "react to me", nil)
	require.NoError(t, err)

	view, err := eng.AddReaction(ctx, bob, msg.ID, "👍")
	require.NoError(t, err)
	require.Len(t, view.Reactions, 1)

	// Re-adding the same pair changes nothing.
	view, err = eng.AddReaction(ctx, bob, msg.ID, "👍")
	require.NoError(t, err)
	require.Len(t, view.Reactions, 1)

	for _, v := range []string{"🔥", "🎉", "😀", "😭"} {
		view, err = eng.AddReaction(ctx, bob, msg.ID, v)
		require.NoError(t, err)
	}
	require.Len(t, view.Reactions, models.ReactionLimitPerMember)

	// The sixth distinct value is rejected and the set unchanged.
	_, err = eng.AddReaction(ctx, bob, msg.ID, "💀")
	assert.ErrorIs(t, err, ErrLimitExceeded)
	view, err = eng.RemoveReaction(ctx, bob, msg.ID, "not-there")
	require.NoError(t, err)
	assert.Len(t, view.Reactions, models.ReactionLimitPerMember)

	// Another identity has its own budget.
	view, err = eng.AddReaction(ctx, alice, msg.ID, "👍")
	require.NoError(t, err)
	assert.Len(t, view.Reactions, models.ReactionLimitPerMember+1)

	// Removing frees a slot.
	view, err = eng.RemoveReaction(ctx, bob, msg.ID, "👍")
	require.NoError(t, err)
	view, err = eng.AddReaction(ctx, bob, msg.ID, "💀")
	require.NoError(t, err)
	assert.Len(t, view.Reactions, models.ReactionLimitPerMember+1)
}

func TestSyncLogPaginationCompleteness(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	var sent []string
	for i := 0; i < 25; i++ {
		msg, err := eng.SendMessage(ctx, alice, convoID, fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
		sent = append(sent, msg.Rev)
	}

	var got []string
	cursor := ""
	for {
		entries, next, err := eng.SyncLog(ctx, bob, cursor, 7)
		require.NoError(t, err)
		if len(entries) == 0 {
			// Empty page echoes the cursor back.
			assert.Equal(t, cursor, next)
			break
		}
		for _, entry := range entries {
			assert.Greater(t, entry.Rev, cursor)
			got = append(got, entry.Rev)
		}
		cursor = next
	}

	require.Equal(t, sent, got)
}

func TestSyncLogExcludesLeftConversations(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	_, err := eng.SendMessage(ctx, alice, convoID, "before", nil)
	require.NoError(t, err)
	_, err = eng.LeaveConversation(ctx, bob, convoID)
	require.NoError(t, err)

	entries, _, err := eng.SyncLog(ctx, bob, "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListConversationsOrderAndCursor(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	others := []string{"did:plc:b", "did:plc:c", "did:plc:d"}
	var convoIDs []string
	for _, other := range others {
		view, err := eng.GetOrCreateDirect(ctx, alice, other)
		require.NoError(t, err)
		convoIDs = append(convoIDs, view.ID)
	}
	// Touch the first conversation last so it sorts to the top.
	_, err := eng.SendMessage(ctx, alice, convoIDs[0], "bump", nil)
	require.NoError(t, err)

	page1, cursor, err := eng.ListConversations(ctx, alice, "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, convoIDs[0], page1[0].ID)
	require.NotEmpty(t, cursor)

	page2, _, err := eng.ListConversations(ctx, alice, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)

	seen := map[string]bool{}
	for _, v := range append(page1, page2...) {
		assert.False(t, seen[v.ID], "conversation %s appeared twice", v.ID)
		seen[v.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestListMessagesNewestFirst(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	for i := 0; i < 5; i++ {
		_, err := eng.SendMessage(ctx, alice, convoID, fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
	}

	page1, cursor, err := eng.ListMessages(ctx, bob, convoID, "", 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, "msg 4", page1[0].Body)
	assert.Greater(t, page1[0].Rev, page1[1].Rev)

	page2, _, err := eng.ListMessages(ctx, bob, convoID, cursor, 3)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "msg 0", page2[1].Body)
}

func TestMuteConversation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	convoID := startAccepted(t, eng)

	require.NoError(t, eng.MuteConversation(ctx, bob, convoID, true))
	views, _, err := eng.ListConversations(ctx, bob, "", 10)
	require.NoError(t, err)
	assert.True(t, views[0].Muted)

	require.NoError(t, eng.MuteConversation(ctx, bob, convoID, false))
	views, _, err = eng.ListConversations(ctx, bob, "", 10)
	require.NoError(t, err)
	assert.False(t, views[0].Muted)
}

// The end-to-end exchange: start, request, accept, talk, react, read.
func TestDirectConversationScenario(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	view, err := eng.GetOrCreateDirect(ctx, alice, bob)
	require.NoError(t, err)
	convoID := view.ID

	m1, err := eng.SendMessage(ctx, alice, convoID, "hey bob", nil)
	require.NoError(t, err)

	// Bob sees the request with its last message.
	bobViews, _, err := eng.ListConversations(ctx, bob, "", 10)
	require.NoError(t, err)
	require.Len(t, bobViews, 1)
	assert.Equal(t, models.MembershipRequest, bobViews[0].Status)
	require.NotNil(t, bobViews[0].LastMessage)
	assert.Equal(t, "hey bob", bobViews[0].LastMessage.Body)

	_, err = eng.AcceptConversation(ctx, bob, convoID)
	require.NoError(t, err)

	m2, err := eng.SendMessage(ctx, bob, convoID, "hey alice", nil)
	require.NoError(t, err)

	_, err = eng.AddReaction(ctx, alice, m2.ID, "👍")
	require.NoError(t, err)

	_, err = eng.MarkDelivered(ctx, bob, m1.ID)
	require.NoError(t, err)
	_, err = eng.MarkMessageRead(ctx, bob, m1.ID)
	require.NoError(t, err)

	status, err := eng.GetMessageStatus(ctx, alice, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRead, status.State)

	readRev, err := eng.MarkConversationRead(ctx, bob, convoID)
	require.NoError(t, err)
	assert.Equal(t, m2.Rev, readRev)

	// Alice's poll sees every event exactly once, in order.
	entries, _, err := eng.SyncLog(ctx, alice, "", 100)
	require.NoError(t, err)
	kinds := make([]models.LogKind, 0, len(entries))
	for i, entry := range entries {
		if i > 0 {
			assert.Greater(t, entry.Rev, entries[i-1].Rev)
		}
		kinds = append(kinds, entry.Kind)
	}
	assert.Equal(t, []models.LogKind{
		models.LogMessageCreated,
		models.LogMessageCreated,
		models.LogReactionAdded,
		models.LogStatusChanged,
		models.LogStatusChanged,
		models.LogConversationRead,
	}, kinds)
}
