package ws

import (
	"sync"
	"time"
)

// ConnInfo is the per-connection bookkeeping held by the hub: identity,
// request correlation data, liveness and the client's focus hints.
type ConnInfo struct {
	ConnID      string
	DID         string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	focused    map[string]bool
	writeMu    sync.Mutex
}

// NewConnInfo initializes the bookkeeping for a freshly accepted
// connection.
func NewConnInfo(connID, did, deviceID, ip, requestID, traceID string, now time.Time) *ConnInfo {
	return &ConnInfo{
		ConnID:      connID,
		DID:         did,
		DeviceID:    deviceID,
		IP:          ip,
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: now,
		lastActive:  now,
		focused:     make(map[string]bool),
	}
}

// Touch records inbound activity (a frame or a pong).
func (i *ConnInfo) Touch(now time.Time) {
	i.mu.Lock()
	i.lastActive = now
	i.mu.Unlock()
}

// LastActive returns the time of the last observed inbound activity.
func (i *ConnInfo) LastActive() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActive
}

// SetFocus records a join/leave conversation hint. Focus is
// connection-local and has no durable effect.
func (i *ConnInfo) SetFocus(conversationID string, focused bool) {
	i.mu.Lock()
	if focused {
		i.focused[conversationID] = true
	} else {
		delete(i.focused, conversationID)
	}
	i.mu.Unlock()
}

// Focused reports whether the client declared focus on the conversation.
func (i *ConnInfo) Focused(conversationID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.focused[conversationID]
}
