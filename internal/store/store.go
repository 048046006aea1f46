// Package store defines the Conversation Store collaborator: durable
// persistence for conversations, memberships, messages, statuses, the
// event log, presence and privacy settings. Mutations the engine needs
// to be atomic take their log entry alongside the change and apply both
// in one transaction.
package store

import (
	"context"
	"errors"
	"time"

	"convo-service/internal/models"
)

var (
	// ErrNotFound is returned for unknown conversations, memberships,
	// messages or presence rows.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a compare-and-set style mutation
	// loses to a concurrent writer.
	ErrConflict = errors.New("store: conflict")
	// ErrReactionLimit is returned when an identity already holds the
	// maximum number of reactions on a message.
	ErrReactionLimit = errors.New("store: reaction limit reached")
)

// MemberConversation pairs a conversation with the querying member's own
// membership row, as returned by listing queries.
type MemberConversation struct {
	Conversation models.Conversation
	Membership   models.Membership
}

// ConversationStore persists conversations and memberships.
type ConversationStore interface {
	// GetOrCreateDirect returns the existing direct conversation for
	// candidate.DirectKey or creates candidate plus its memberships.
	// Concurrent callers for the same pair converge on one row; the
	// boolean reports whether this call created it.
	GetOrCreateDirect(ctx context.Context, candidate models.Conversation, memberships []models.Membership) (models.Conversation, bool, error)

	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	GetMembership(ctx context.Context, conversationID, did string) (models.Membership, error)
	ListMemberships(ctx context.Context, conversationID string) ([]models.Membership, error)

	// ListActive returns non-left memberships for did ordered by the
	// conversation's last activity descending, starting strictly after
	// the (beforeActivity, beforeID) cursor position when set.
	ListActive(ctx context.Context, did string, beforeActivity *time.Time, beforeID string, limit int) ([]MemberConversation, error)

	// UpdateMembershipStatus transitions the membership to the given
	// status only if its current status is in allowedFrom, returning
	// the updated row. ErrConflict when the current status is not
	// allowed; ErrNotFound when no row exists.
	UpdateMembershipStatus(ctx context.Context, conversationID, did string, allowedFrom []models.MembershipStatus, to models.MembershipStatus) (models.Membership, error)

	// SetLastRead advances the member's read cursor and appends the
	// conversation-read entry atomically.
	SetLastRead(ctx context.Context, conversationID, did, rev string, entry models.LogEntry) error

	// SetMuted flips the member's muted flag.
	SetMuted(ctx context.Context, conversationID, did string, muted bool) error
}

// MessageStore persists messages, reactions and per-recipient statuses.
type MessageStore interface {
	// CreateMessage inserts the message, bumps the conversation's last
	// activity to the message's creation time, advances the sender's
	// last-read cursor to the message revision and appends the
	// message-created entry, all in one transaction.
	CreateMessage(ctx context.Context, msg models.Message, entry models.LogEntry) error

	GetMessage(ctx context.Context, id string) (models.Message, error)

	// ListMessages pages through a conversation's messages by revision
	// descending, strictly below beforeRev when non-empty.
	ListMessages(ctx context.Context, conversationID, beforeRev string, limit int) ([]models.Message, error)

	// SoftDeleteMessage clears the message from external view while
	// keeping id, sender and timestamps, and appends the given entry.
	SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time, entry models.LogEntry) error

	// AddReaction inserts the reaction unless the identical (value,
	// member) pair already exists. Returns false with no log append for
	// the duplicate case; ErrReactionLimit when the member is at cap.
	AddReaction(ctx context.Context, r models.Reaction, entry models.LogEntry) (bool, error)

	// RemoveReaction deletes the reaction if present. Returns false
	// with no log append when it was absent.
	RemoveReaction(ctx context.Context, r models.Reaction, entry models.LogEntry) (bool, error)

	ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error)

	// MarkDelivered upserts the recipient's status row with a delivered
	// time if not already delivered, appending the entry on change.
	MarkDelivered(ctx context.Context, st models.MessageStatus, entry models.LogEntry) (models.MessageStatus, error)

	// MarkRead upserts the recipient's status row with a read time,
	// preserving any previously recorded delivered time.
	MarkRead(ctx context.Context, st models.MessageStatus, entry models.LogEntry) (models.MessageStatus, error)

	ListStatuses(ctx context.Context, messageID string) ([]models.MessageStatus, error)
}

// LogStore serves the event-log hot paths.
type LogStore interface {
	// EntriesAfter returns entries with rev strictly greater than
	// cursor across every conversation where did holds a non-left
	// membership, merged and sorted ascending by rev, truncated to
	// limit.
	EntriesAfter(ctx context.Context, did, cursor string, limit int) ([]models.LogEntry, error)

	// LatestMessageRev returns the highest message revision in the
	// conversation, or the empty string when it has no messages.
	LatestMessageRev(ctx context.Context, conversationID string) (string, error)

	// UnreadCount counts non-deleted messages with rev strictly greater
	// than sinceRev.
	UnreadCount(ctx context.Context, conversationID, sinceRev string) (int, error)
}

// PresenceStore persists presence rows and privacy settings.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, p models.Presence) error
	GetPresence(ctx context.Context, did string) (models.Presence, error)
	BatchGetPresence(ctx context.Context, dids []string) (map[string]models.Presence, error)

	// GetPrivacy returns the stored settings or the all-shared defaults
	// when no row exists.
	GetPrivacy(ctx context.Context, did string) (models.PrivacySettings, error)
	BatchGetPrivacy(ctx context.Context, dids []string) (map[string]models.PrivacySettings, error)
	SetPrivacy(ctx context.Context, s models.PrivacySettings) error

	// Contacts returns the distinct identities sharing a non-left
	// conversation with did.
	Contacts(ctx context.Context, did string) ([]string, error)
}
