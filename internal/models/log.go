package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogKind tags event-log entries. The set is closed: every entry written
// carries exactly one of these kinds.
type LogKind string

const (
	LogMessageCreated   LogKind = "message-created"
	LogMessageDeleted   LogKind = "message-deleted"
	LogConversationRead LogKind = "conversation-read"
	LogReactionAdded    LogKind = "reaction-added"
	LogReactionRemoved  LogKind = "reaction-removed"
	LogStatusChanged    LogKind = "status-changed"
)

// LogPayload is the closed union of event-log payloads. Implementations
// live in this package only.
type LogPayload interface {
	LogKind() LogKind
}

// MessageCreatedPayload carries the full message view as created.
type MessageCreatedPayload struct {
	Message MessageView `json:"message"`
}

func (MessageCreatedPayload) LogKind() LogKind { return LogMessageCreated }

// MessageDeletedPayload records a soft delete. Rev here is the deletion
// entry's own revision; MessageRev is the deleted message's revision.
type MessageDeletedPayload struct {
	MessageID  string `json:"message_id"`
	MessageRev string `json:"message_rev"`
	ActorDID   string `json:"actor_did"`
}

func (MessageDeletedPayload) LogKind() LogKind { return LogMessageDeleted }

// ConversationReadPayload records a member advancing their read cursor.
type ConversationReadPayload struct {
	MemberDID string `json:"member_did"`
	ReadRev   string `json:"read_rev"`
}

func (ConversationReadPayload) LogKind() LogKind { return LogConversationRead }

// ReactionChangedPayload is shared by reaction-added and reaction-removed
// entries; Removed selects the kind.
type ReactionChangedPayload struct {
	MessageID string `json:"message_id"`
	MemberDID string `json:"member_did"`
	Value     string `json:"value"`
	Removed   bool   `json:"-"`
}

func (p ReactionChangedPayload) LogKind() LogKind {
	if p.Removed {
		return LogReactionRemoved
	}
	return LogReactionAdded
}

// StatusChangedPayload records a per-recipient delivery/read transition.
type StatusChangedPayload struct {
	MessageID    string `json:"message_id"`
	RecipientDID string `json:"recipient_did"`
	Delivered    bool   `json:"delivered"`
	Read         bool   `json:"read"`
}

func (StatusChangedPayload) LogKind() LogKind { return LogStatusChanged }

// LogEntry is one append-only, revision-ordered event scoped to a
// conversation. Entries are never mutated or deleted once written.
type LogEntry struct {
	ConversationID string     `json:"conversation_id"`
	Rev            string     `json:"rev"`
	Kind           LogKind    `json:"kind"`
	Payload        LogPayload `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
}

// MarshalPayload serializes the payload for storage or the wire.
func (e LogEntry) MarshalPayload() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// UnmarshalJSON restores the payload variant selected by Kind.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		ConversationID string          `json:"conversation_id"`
		Rev            string          `json:"rev"`
		Kind           LogKind         `json:"kind"`
		Payload        json.RawMessage `json:"payload"`
		CreatedAt      time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := UnmarshalLogPayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*e = LogEntry{
		ConversationID: raw.ConversationID,
		Rev:            raw.Rev,
		Kind:           raw.Kind,
		Payload:        payload,
		CreatedAt:      raw.CreatedAt,
	}
	return nil
}

// UnmarshalLogPayload decodes a stored payload back into its variant.
func UnmarshalLogPayload(kind LogKind, raw []byte) (LogPayload, error) {
	switch kind {
	case LogMessageCreated:
		var p MessageCreatedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case LogMessageDeleted:
		var p MessageDeletedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case LogConversationRead:
		var p ConversationReadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case LogReactionAdded, LogReactionRemoved:
		var p ReactionChangedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		p.Removed = kind == LogReactionRemoved
		return p, nil
	case LogStatusChanged:
		var p StatusChangedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown log kind %q", kind)
}
