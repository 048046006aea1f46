package ws

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"convo-service/internal/auth"
	"convo-service/internal/engine"
	"convo-service/internal/mocks"
	"convo-service/internal/models"
	"convo-service/internal/presence"
	"convo-service/internal/revision"
	"convo-service/internal/store"
)

func setupGateway(t *testing.T, authenticator auth.Authenticator) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	hub := NewHub(nil)
	eng := engine.New(mem, mem, mem, mem, revision.New(), hub)
	coordinator := presence.NewCoordinator(mem)
	gateway := NewGateway(hub, eng, coordinator, authenticator, NewFailureLimiter(), nil)

	router := gin.New()
	router.GET("/ws", gateway.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub
}

func wsURL(srv *httptest.Server, token string) string {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func TestGatewayHandshakeSuccess(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	authenticator.On("ValidateToken", mock.Anything, "good").Return("did:plc:alice", nil)
	srv, hub := setupGateway(t, authenticator)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "good"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame models.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, models.FrameConnected, frame.Type)

	payload, ok := frame.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "did:plc:alice", payload["did"])
	assert.NotEmpty(t, payload["conn_id"])
	assert.Equal(t, 1, hub.Connections("did:plc:alice"))
}

func TestGatewayPingPong(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	authenticator.On("ValidateToken", mock.Anything, "good").Return("did:plc:alice", nil)
	srv, _ := setupGateway(t, authenticator)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "good"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame models.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, models.FrameConnected, frame.Type)

	require.NoError(t, conn.WriteJSON(models.ClientFrame{Type: models.FramePing}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, models.FramePong, frame.Type)
}

func TestGatewayRejectsBadToken(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	authenticator.On("ValidateToken", mock.Anything, "bad").Return("", auth.ErrUnauthorized)
	srv, _ := setupGateway(t, authenticator)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "bad"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeUnauthorized, closeErr.Code)
}

func TestGatewayLockoutAfterRepeatedFailures(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	authenticator.On("ValidateToken", mock.Anything, "bad").Return("", auth.ErrUnauthorized)
	srv, _ := setupGateway(t, authenticator)

	for i := 0; i < maxAuthFailures; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "bad"), nil)
		require.NoError(t, err)
		conn.ReadMessage()
		conn.Close()
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "bad"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeLockedOut, closeErr.Code)
}

func TestGatewayHiddenPresenceNotBroadcast(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authenticator := new(mocks.AuthenticatorMock)
	authenticator.On("ValidateToken", mock.Anything, "alice-token").Return("did:plc:alice", nil)
	authenticator.On("ValidateToken", mock.Anything, "bob-token").Return("did:plc:bob", nil)

	mem := store.NewMemory()
	hub := NewHub(nil)
	eng := engine.New(mem, mem, mem, mem, revision.New(), hub)
	coordinator := presence.NewCoordinator(mem)
	gateway := NewGateway(hub, eng, coordinator, authenticator, NewFailureLimiter(), nil)

	router := gin.New()
	router.GET("/ws", gateway.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	view, err := eng.GetOrCreateDirect(ctx, "did:plc:alice", "did:plc:bob")
	require.NoError(t, err)
	_, err = eng.AcceptConversation(ctx, "did:plc:bob", view.ID)
	require.NoError(t, err)
	require.NoError(t, coordinator.SetPrivacy(ctx, models.PrivacySettings{
		DID:               "did:plc:bob",
		ShareReadReceipts: true,
		ShareOnline:       false,
		ShareLastSeen:     true,
	}))

	aliceConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "alice-token"), nil)
	require.NoError(t, err)
	defer aliceConn.Close()
	var frame models.ServerFrame
	require.NoError(t, aliceConn.ReadJSON(&frame))
	require.Equal(t, models.FrameConnected, frame.Type)

	bobConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "bob-token"), nil)
	require.NoError(t, err)
	require.NoError(t, bobConn.ReadJSON(&frame))
	require.Equal(t, models.FrameConnected, frame.Type)
	bobConn.Close()
	require.Eventually(t, func() bool {
		return hub.Connections("did:plc:bob") == 0
	}, time.Second, 10*time.Millisecond)

	// Neither the connect nor the disconnect leaks a presence frame.
	aliceConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = aliceConn.ReadMessage()
	require.Error(t, err)
	netErr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, netErr.Timeout())
}
