package ws

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubAddAndRemove(t *testing.T) {
	hub := NewHub(nil)
	now := time.Now()

	c1 := &websocket.Conn{}
	c2 := &websocket.Conn{}

	require.Equal(t, 1, hub.Add(c1, NewConnInfo("conn-1", "did:plc:alice", "", "", "", "", now)))
	require.Equal(t, 2, hub.Add(c2, NewConnInfo("conn-2", "did:plc:alice", "", "", "", "", now)))
	assert.Equal(t, 2, hub.Connections("did:plc:alice"))

	assert.Equal(t, 1, hub.Remove("did:plc:alice", c1))
	assert.Equal(t, 0, hub.Remove("did:plc:alice", c2))
	assert.Equal(t, 0, hub.Connections("did:plc:alice"))
}

func TestHubRemoveUnknownIsNoop(t *testing.T) {
	hub := NewHub(nil)
	now := time.Now()

	c1 := &websocket.Conn{}
	hub.Add(c1, NewConnInfo("conn-1", "did:plc:alice", "", "", "", "", now))

	assert.Equal(t, 1, hub.Remove("did:plc:alice", &websocket.Conn{}))
	assert.Equal(t, 0, hub.Remove("did:plc:bob", &websocket.Conn{}))
	assert.Equal(t, 1, hub.Connections("did:plc:alice"))
}

func TestHubStaleDetection(t *testing.T) {
	hub := NewHub(nil)
	start := time.Now()

	fresh := NewConnInfo("conn-1", "did:plc:alice", "", "", "", "", start)
	stale := NewConnInfo("conn-2", "did:plc:bob", "", "", "", "", start)
	hub.Add(&websocket.Conn{}, fresh)
	hub.Add(&websocket.Conn{}, stale)

	later := start.Add(idleTimeout + time.Second)
	fresh.Touch(later)

	assert.Equal(t, []string{"did:plc:bob"}, hub.staleDIDs(later))
}

func TestHubPongRefreshesActivity(t *testing.T) {
	hub := NewHub(nil)
	start := time.Now()

	info := NewConnInfo("conn-1", "did:plc:alice", "", "", "", "", start)
	hub.Add(&websocket.Conn{}, info)

	later := start.Add(idleTimeout + time.Second)
	require.Len(t, hub.staleDIDs(later), 1)

	info.Touch(later)
	assert.Empty(t, hub.staleDIDs(later))
}

func TestConnInfoFocus(t *testing.T) {
	info := NewConnInfo("conn-1", "did:plc:alice", "", "", "", "", time.Now())

	assert.False(t, info.Focused("convo-1"))
	info.SetFocus("convo-1", true)
	assert.True(t, info.Focused("convo-1"))
	info.SetFocus("convo-1", false)
	assert.False(t, info.Focused("convo-1"))
}
