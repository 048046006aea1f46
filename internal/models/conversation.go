package models

import "time"

// MembershipStatus is the lifecycle state of a member inside a conversation.
type MembershipStatus string

const (
	MembershipRequest  MembershipStatus = "request"
	MembershipAccepted MembershipStatus = "accepted"
	MembershipLeft     MembershipStatus = "left"
)

// Valid reports whether s is one of the known membership states.
func (s MembershipStatus) Valid() bool {
	switch s {
	case MembershipRequest, MembershipAccepted, MembershipLeft:
		return true
	}
	return false
}

// Conversation is a message exchange between two or more identities.
type Conversation struct {
	ID             string    `db:"id" json:"id"`
	DirectKey      *string   `db:"direct_key" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
}

// Membership ties one identity to one conversation. There is at most one
// row per (conversation, member) pair; status transitions are the only
// mutation path.
type Membership struct {
	ConversationID string           `db:"conversation_id" json:"conversation_id"`
	MemberDID      string           `db:"member_did" json:"member_did"`
	Status         MembershipStatus `db:"status" json:"status"`
	Muted          bool             `db:"muted" json:"muted"`
	LastReadRev    *string          `db:"last_read_rev" json:"last_read_rev,omitempty"`
	JoinedAt       time.Time        `db:"joined_at" json:"joined_at"`
}

// ConversationView is the hydrated listing shape returned to clients.
type ConversationView struct {
	Conversation
	Members     []Membership     `json:"members"`
	LastMessage *MessageView     `json:"last_message,omitempty"`
	UnreadCount int              `json:"unread_count"`
	Muted       bool             `json:"muted"`
	Status      MembershipStatus `json:"status"`
}
