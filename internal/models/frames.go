package models

import "encoding/json"

// Server-to-client frame types.
const (
	FrameConnected      = "connected"
	FramePong           = "pong"
	FrameNewMessage     = "new_message"
	FrameMessageDeleted = "message_deleted"
	FrameTyping         = "typing"
	FramePresence       = "presence"
	FrameReadReceipt    = "read_receipt"
	FrameReaction       = "reaction"
)

// Client-to-server frame types.
const (
	FramePing              = "ping"
	FrameJoinConversation  = "join_conversation"
	FrameLeaveConversation = "leave_conversation"
)

// ServerFrame is pushed over a realtime connection.
type ServerFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// ClientFrame is received from a realtime connection. Fields beyond Type
// are interpreted per frame type.
type ClientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Typing         bool   `json:"typing,omitempty"`
}

// TypingPayload is forwarded to other members of a conversation. Never
// persisted.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	MemberDID      string `json:"member_did"`
	Typing         bool   `json:"typing"`
}

// PresencePayload announces an online/offline transition.
type PresencePayload struct {
	DID    string `json:"did"`
	Online bool   `json:"online"`
}

// EncodeServerFrame marshals a frame for the wire.
func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	return json.Marshal(f)
}
