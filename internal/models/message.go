package models

import (
	"encoding/json"
	"time"
)

// ReactionLimitPerMember caps how many reactions one identity may place
// on a single message.
const ReactionLimitPerMember = 5

// Message is a stored conversation message. Rev is the revision token
// assigned at creation and doubles as the message's sort key.
type Message struct {
	ID             string          `db:"id" json:"id"`
	ConversationID string          `db:"conversation_id" json:"conversation_id"`
	SenderDID      string          `db:"sender_did" json:"sender_did"`
	Body           string          `db:"body" json:"body"`
	Facets         json.RawMessage `db:"facets" json:"facets,omitempty"`
	Rev            string          `db:"rev" json:"rev"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	DeletedAt      *time.Time      `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Deleted reports whether the message has been soft-deleted.
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Reaction is one (emoji value, reacting identity) pair on a message.
type Reaction struct {
	MessageID string    `db:"message_id" json:"message_id"`
	MemberDID string    `db:"member_did" json:"member_did"`
	Value     string    `db:"value" json:"value"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// MessageStatus tracks delivery and read state per recipient. Rows exist
// only for recipients, never for the sender.
type MessageStatus struct {
	MessageID    string     `db:"message_id" json:"message_id"`
	RecipientDID string     `db:"recipient_did" json:"recipient_did"`
	DeliveredAt  *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt       *time.Time `db:"read_at" json:"read_at,omitempty"`
}

// DeliveryState is the derived overall status of a message.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// MessageView is the external shape of a message. Soft-deleted messages
// keep id, sender and timestamps but drop body and facets.
type MessageView struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderDID      string          `json:"sender_did"`
	Body           string          `json:"body,omitempty"`
	Facets         json.RawMessage `json:"facets,omitempty"`
	Rev            string          `json:"rev"`
	CreatedAt      time.Time       `json:"created_at"`
	Deleted        bool            `json:"deleted,omitempty"`
	Reactions      []Reaction      `json:"reactions,omitempty"`
}

// View renders the message for external consumption, applying the
// soft-delete stub rule.
func (m Message) View(reactions []Reaction) MessageView {
	v := MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderDID:      m.SenderDID,
		Rev:            m.Rev,
		CreatedAt:      m.CreatedAt,
		Reactions:      reactions,
	}
	if m.Deleted() {
		v.Deleted = true
		return v
	}
	v.Body = m.Body
	v.Facets = m.Facets
	return v
}
