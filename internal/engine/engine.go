// Package engine implements the conversation engine: membership
// lifecycle, message send/delete/react, delivery and read tracking, and
// log-based synchronization. Every operation validates the caller's
// membership before mutating, and every mutation is stored together
// with its event-log entry as one atomic unit.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"convo-service/internal/models"
	"convo-service/internal/revision"
	"convo-service/internal/store"
)

const (
	// MaxSyncLimit bounds one syncLog page.
	MaxSyncLimit = 100
	// DefaultSyncLimit applies when the caller passes no limit.
	DefaultSyncLimit = 50
	// DefaultListLimit applies to conversation and message listings.
	DefaultListLimit = 50
	// MaxListLimit bounds conversation and message listings.
	MaxListLimit = 100
)

// Notifier receives realtime fan-out for engine mutations. Failures are
// the notifier's problem: the engine never fails an operation because a
// push did not go out.
type Notifier interface {
	NotifyMembers(conversationID string, dids []string, frame models.ServerFrame)
}

// NoopNotifier drops all notifications.
type NoopNotifier struct{}

func (NoopNotifier) NotifyMembers(string, []string, models.ServerFrame) {}

// Engine is the conversation engine. All fields are required except
// notifier, which defaults to a noop.
type Engine struct {
	convos   store.ConversationStore
	messages store.MessageStore
	logStore store.LogStore
	privacy  store.PresenceStore
	rev      *revision.Clock
	notifier Notifier
}

// New constructs an Engine.
func New(convos store.ConversationStore, messages store.MessageStore, logStore store.LogStore, privacy store.PresenceStore, rev *revision.Clock, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Engine{
		convos:   convos,
		messages: messages,
		logStore: logStore,
		privacy:  privacy,
		rev:      rev,
		notifier: notifier,
	}
}

// DirectKey is the canonical dedup key for a 1:1 conversation.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// GetOrCreateDirect returns the existing direct conversation between me
// and other, or creates it with me accepted and other in request state.
// A conversation either party has left no longer serves the pair; a
// fresh one is created. Safe under concurrent invocation by both
// parties: the store converges both on a single conversation.
func (e *Engine) GetOrCreateDirect(ctx context.Context, me, other string) (models.ConversationView, error) {
	if me == "" || other == "" || me == other {
		return models.ConversationView{}, fmt.Errorf("%w: need two distinct identities", ErrInvalidInput)
	}

	// Postgres stores microseconds; truncating here keeps list cursors
	// exact for every backend.
	now := time.Now().UTC().Truncate(time.Microsecond)
	key := DirectKey(me, other)
	candidate := models.Conversation{
		ID:             uuid.NewString(),
		DirectKey:      &key,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	memberships := []models.Membership{
		{ConversationID: candidate.ID, MemberDID: me, Status: models.MembershipAccepted, JoinedAt: now},
		{ConversationID: candidate.ID, MemberDID: other, Status: models.MembershipRequest, JoinedAt: now},
	}

	convo, _, err := e.convos.GetOrCreateDirect(ctx, candidate, memberships)
	if err != nil {
		return models.ConversationView{}, err
	}
	return e.hydrateConversation(ctx, convo, me)
}

// ListConversations pages through the caller's conversations by last
// activity descending. Members who never marked anything read report
// zero unread.
func (e *Engine) ListConversations(ctx context.Context, me, cursor string, limit int) ([]models.ConversationView, string, error) {
	limit = clampLimit(limit, DefaultListLimit, MaxListLimit)

	beforeActivity, beforeID, err := decodeListCursor(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: bad cursor", ErrInvalidInput)
	}

	page, err := e.convos.ListActive(ctx, me, beforeActivity, beforeID, limit)
	if err != nil {
		return nil, "", err
	}

	views := make([]models.ConversationView, 0, len(page))
	for _, mc := range page {
		view, err := e.hydrateMemberConversation(ctx, mc)
		if err != nil {
			return nil, "", err
		}
		views = append(views, view)
	}

	next := cursor
	if len(page) == limit && len(page) > 0 {
		last := page[len(page)-1].Conversation
		next = encodeListCursor(last.LastActivityAt, last.ID)
	}
	return views, next, nil
}

// SendMessage appends a message to the conversation. The sender's own
// read cursor advances to the new revision in the same transaction.
func (e *Engine) SendMessage(ctx context.Context, me, conversationID, body string, facets json.RawMessage) (models.MessageView, error) {
	if strings.TrimSpace(body) == "" {
		return models.MessageView{}, fmt.Errorf("%w: empty message body", ErrInvalidInput)
	}
	if _, err := e.activeMembership(ctx, conversationID, me); err != nil {
		return models.MessageView{}, err
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderDID:      me,
		Body:           body,
		Facets:         facets,
		Rev:            e.rev.Now(),
		CreatedAt:      now,
	}
	view := msg.View(nil)
	entry := models.LogEntry{
		ConversationID: conversationID,
		Rev:            msg.Rev,
		Kind:           models.LogMessageCreated,
		Payload:        models.MessageCreatedPayload{Message: view},
		CreatedAt:      now,
	}
	if err := e.messages.CreateMessage(ctx, msg, entry); err != nil {
		return models.MessageView{}, err
	}

	e.notify(ctx, conversationID, models.ServerFrame{Type: models.FrameNewMessage, Payload: view})
	return view, nil
}

// DeleteMessage soft-deletes a message. Only the original sender may
// delete; id, sender and creation time survive, body and facets do not.
// The deletion entry carries its own fresh revision.
func (e *Engine) DeleteMessage(ctx context.Context, me, messageID string) error {
	msg, err := e.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := e.activeMembership(ctx, msg.ConversationID, me); err != nil {
		return err
	}
	if msg.SenderDID != me {
		return fmt.Errorf("%w: only the sender can delete a message", ErrForbidden)
	}

	now := time.Now().UTC()
	entry := models.LogEntry{
		ConversationID: msg.ConversationID,
		Rev:            e.rev.Now(),
		Kind:           models.LogMessageDeleted,
		Payload:        models.MessageDeletedPayload{MessageID: msg.ID, MessageRev: msg.Rev, ActorDID: me},
		CreatedAt:      now,
	}
	if err := e.messages.SoftDeleteMessage(ctx, messageID, now, entry); err != nil {
		return mapStoreErr(err)
	}

	e.notify(ctx, msg.ConversationID, models.ServerFrame{
		Type:    models.FrameMessageDeleted,
		Payload: entry.Payload,
	})
	return nil
}

// AddReaction adds an (emoji, identity) pair to a message. Re-adding an
// existing pair is a no-op returning current state; the sixth distinct
// value for one identity is rejected with ErrLimitExceeded and the set
// unchanged.
func (e *Engine) AddReaction(ctx context.Context, me, messageID, value string) (models.MessageView, error) {
	return e.changeReaction(ctx, me, messageID, value, false)
}

// RemoveReaction removes an (emoji, identity) pair. Removing an absent
// pair is a no-op returning current state.
func (e *Engine) RemoveReaction(ctx context.Context, me, messageID, value string) (models.MessageView, error) {
	return e.changeReaction(ctx, me, messageID, value, true)
}

func (e *Engine) changeReaction(ctx context.Context, me, messageID, value string, remove bool) (models.MessageView, error) {
	if value == "" {
		return models.MessageView{}, fmt.Errorf("%w: empty reaction value", ErrInvalidInput)
	}
	msg, err := e.getMessage(ctx, messageID)
	if err != nil {
		return models.MessageView{}, err
	}
	if _, err := e.activeMembership(ctx, msg.ConversationID, me); err != nil {
		return models.MessageView{}, err
	}

	now := time.Now().UTC()
	reaction := models.Reaction{MessageID: messageID, MemberDID: me, Value: value, CreatedAt: now}
	entry := models.LogEntry{
		ConversationID: msg.ConversationID,
		Rev:            e.rev.Now(),
		Kind:           models.LogReactionAdded,
		Payload:        models.ReactionChangedPayload{MessageID: messageID, MemberDID: me, Value: value, Removed: remove},
		CreatedAt:      now,
	}
	if remove {
		entry.Kind = models.LogReactionRemoved
	}

	var changed bool
	if remove {
		changed, err = e.messages.RemoveReaction(ctx, reaction, entry)
	} else {
		changed, err = e.messages.AddReaction(ctx, reaction, entry)
	}
	if err != nil {
		return models.MessageView{}, mapStoreErr(err)
	}

	if changed {
		e.notify(ctx, msg.ConversationID, models.ServerFrame{Type: models.FrameReaction, Payload: entry.Payload})
	}
	return e.viewMessage(ctx, msg)
}

// MarkConversationRead advances the caller's read cursor to the latest
// message revision. A conversation with no messages is a no-op.
func (e *Engine) MarkConversationRead(ctx context.Context, me, conversationID string) (string, error) {
	if _, err := e.activeMembership(ctx, conversationID, me); err != nil {
		return "", err
	}
	latest, err := e.logStore.LatestMessageRev(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if latest == "" {
		return "", nil
	}

	entry := models.LogEntry{
		ConversationID: conversationID,
		Rev:            e.rev.Now(),
		Kind:           models.LogConversationRead,
		Payload:        models.ConversationReadPayload{MemberDID: me, ReadRev: latest},
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.convos.SetLastRead(ctx, conversationID, me, latest, entry); err != nil {
		return "", mapStoreErr(err)
	}

	e.notify(ctx, conversationID, models.ServerFrame{Type: models.FrameReadReceipt, Payload: entry.Payload})
	return latest, nil
}

// AcceptConversation moves the caller's membership from request to
// accepted.
func (e *Engine) AcceptConversation(ctx context.Context, me, conversationID string) (models.Membership, error) {
	mem, err := e.convos.UpdateMembershipStatus(ctx, conversationID, me,
		[]models.MembershipStatus{models.MembershipRequest}, models.MembershipAccepted)
	if errors.Is(err, store.ErrConflict) {
		// Accepting an already-accepted membership is harmless; a left
		// membership never re-enters accepted.
		current, gerr := e.convos.GetMembership(ctx, conversationID, me)
		if gerr == nil && current.Status == models.MembershipAccepted {
			return current, nil
		}
		return models.Membership{}, fmt.Errorf("%w: membership cannot be accepted", ErrForbidden)
	}
	if err != nil {
		return models.Membership{}, mapStoreErr(err)
	}
	return mem, nil
}

// LeaveConversation moves the caller's membership to left. Left is
// terminal: there is no transition out of it.
func (e *Engine) LeaveConversation(ctx context.Context, me, conversationID string) (models.Membership, error) {
	mem, err := e.convos.UpdateMembershipStatus(ctx, conversationID, me,
		[]models.MembershipStatus{models.MembershipRequest, models.MembershipAccepted}, models.MembershipLeft)
	if errors.Is(err, store.ErrConflict) {
		return models.Membership{}, fmt.Errorf("%w: membership already left", ErrForbidden)
	}
	if err != nil {
		return models.Membership{}, mapStoreErr(err)
	}
	return mem, nil
}

// SetMembershipStatus applies an accept or leave transition.
func (e *Engine) SetMembershipStatus(ctx context.Context, me, conversationID string, status models.MembershipStatus) (models.Membership, error) {
	switch status {
	case models.MembershipAccepted:
		return e.AcceptConversation(ctx, me, conversationID)
	case models.MembershipLeft:
		return e.LeaveConversation(ctx, me, conversationID)
	}
	return models.Membership{}, fmt.Errorf("%w: unsupported status %q", ErrInvalidInput, status)
}

// MuteConversation flips the caller's muted flag.
func (e *Engine) MuteConversation(ctx context.Context, me, conversationID string, muted bool) error {
	if _, err := e.activeMembership(ctx, conversationID, me); err != nil {
		return err
	}
	return mapStoreErr(e.convos.SetMuted(ctx, conversationID, me, muted))
}

// SyncLog returns log entries with revision greater than cursor across
// all of the caller's live conversations, merged ascending, truncated to
// limit. The returned cursor is the last included revision, or the
// input cursor when the page is empty, so polling is always safe to
// repeat.
func (e *Engine) SyncLog(ctx context.Context, me, cursor string, limit int) ([]models.LogEntry, string, error) {
	limit = clampLimit(limit, DefaultSyncLimit, MaxSyncLimit)

	entries, err := e.logStore.EntriesAfter(ctx, me, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	next := cursor
	if len(entries) > 0 {
		next = entries[len(entries)-1].Rev
	}
	return entries, next, nil
}

// ListMessages pages through a conversation's messages newest-first.
func (e *Engine) ListMessages(ctx context.Context, me, conversationID, cursor string, limit int) ([]models.MessageView, string, error) {
	limit = clampLimit(limit, DefaultListLimit, MaxListLimit)
	if _, err := e.activeMembership(ctx, conversationID, me); err != nil {
		return nil, "", err
	}

	msgs, err := e.messages.ListMessages(ctx, conversationID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	views := make([]models.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		view, err := e.viewMessage(ctx, msg)
		if err != nil {
			return nil, "", err
		}
		views = append(views, view)
	}
	next := cursor
	if len(msgs) == limit && len(msgs) > 0 {
		next = msgs[len(msgs)-1].Rev
	}
	return views, next, nil
}

// Typing forwards a typing-indicator toggle to the other members of the
// conversation. Nothing is persisted and no log entry is written.
func (e *Engine) Typing(ctx context.Context, me, conversationID string, typing bool) error {
	if _, err := e.activeMembership(ctx, conversationID, me); err != nil {
		return err
	}
	members, err := e.convos.ListMemberships(ctx, conversationID)
	if err != nil {
		return err
	}
	var others []string
	for _, m := range members {
		if m.MemberDID != me && m.Status != models.MembershipLeft {
			others = append(others, m.MemberDID)
		}
	}
	e.notifier.NotifyMembers(conversationID, others, models.ServerFrame{
		Type:    models.FrameTyping,
		Payload: models.TypingPayload{ConversationID: conversationID, MemberDID: me, Typing: typing},
	})
	return nil
}

func (e *Engine) activeMembership(ctx context.Context, conversationID, did string) (models.Membership, error) {
	mem, err := e.convos.GetMembership(ctx, conversationID, did)
	if errors.Is(err, store.ErrNotFound) {
		return models.Membership{}, ErrNotAMember
	}
	if err != nil {
		return models.Membership{}, err
	}
	if mem.Status == models.MembershipLeft {
		return models.Membership{}, ErrNotAMember
	}
	return mem, nil
}

func (e *Engine) getMessage(ctx context.Context, id string) (models.Message, error) {
	msg, err := e.messages.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Message{}, ErrNotFound
	}
	return msg, err
}

func (e *Engine) viewMessage(ctx context.Context, msg models.Message) (models.MessageView, error) {
	reactions, err := e.messages.ListReactions(ctx, msg.ID)
	if err != nil {
		return models.MessageView{}, err
	}
	return msg.View(reactions), nil
}

func (e *Engine) hydrateConversation(ctx context.Context, convo models.Conversation, me string) (models.ConversationView, error) {
	mem, err := e.convos.GetMembership(ctx, convo.ID, me)
	if err != nil {
		return models.ConversationView{}, mapStoreErr(err)
	}
	return e.hydrateMemberConversation(ctx, store.MemberConversation{Conversation: convo, Membership: mem})
}

func (e *Engine) hydrateMemberConversation(ctx context.Context, mc store.MemberConversation) (models.ConversationView, error) {
	view := models.ConversationView{
		Conversation: mc.Conversation,
		Muted:        mc.Membership.Muted,
		Status:       mc.Membership.Status,
	}

	members, err := e.convos.ListMemberships(ctx, mc.Conversation.ID)
	if err != nil {
		return models.ConversationView{}, err
	}
	view.Members = members

	last, err := e.messages.ListMessages(ctx, mc.Conversation.ID, "", 1)
	if err != nil {
		return models.ConversationView{}, err
	}
	if len(last) > 0 {
		mv, err := e.viewMessage(ctx, last[0])
		if err != nil {
			return models.ConversationView{}, err
		}
		view.LastMessage = &mv
	}

	// A member who has never read anything reports zero unread.
	if mc.Membership.LastReadRev != nil {
		count, err := e.logStore.UnreadCount(ctx, mc.Conversation.ID, *mc.Membership.LastReadRev)
		if err != nil {
			return models.ConversationView{}, err
		}
		view.UnreadCount = count
	}
	return view, nil
}

func (e *Engine) notify(ctx context.Context, conversationID string, frame models.ServerFrame) {
	members, err := e.convos.ListMemberships(ctx, conversationID)
	if err != nil {
		log.Printf("notify: list memberships for %s: %v", conversationID, err)
		return
	}
	dids := make([]string, 0, len(members))
	for _, m := range members {
		if m.Status != models.MembershipLeft {
			dids = append(dids, m.MemberDID)
		}
	}
	sort.Strings(dids)
	e.notifier.NotifyMembers(conversationID, dids, frame)
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrReactionLimit):
		return ErrLimitExceeded
	default:
		return err
	}
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func encodeListCursor(activity time.Time, id string) string {
	return strconv.FormatInt(activity.UnixMicro(), 10) + "." + id
}

func decodeListCursor(cursor string) (*time.Time, string, error) {
	if cursor == "" {
		return nil, "", nil
	}
	parts := strings.SplitN(cursor, ".", 2)
	if len(parts) != 2 {
		return nil, "", errors.New("malformed cursor")
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, "", err
	}
	t := time.UnixMicro(micros).UTC()
	return &t, parts[1], nil
}
