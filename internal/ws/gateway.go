package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"convo-service/internal/auth"
	"convo-service/internal/engine"
	"convo-service/internal/models"
	"convo-service/internal/observability"
	"convo-service/internal/presence"
	"convo-service/internal/telemetry"
)

// Application close codes sent on handshake rejection.
const (
	closeUnauthorized = 4401
	closeLockedOut    = 4429
)

// Gateway authenticates realtime connections, routes inbound client
// frames to the conversation engine and drives presence transitions.
type Gateway struct {
	hub      *Hub
	engine   *engine.Engine
	presence *presence.Coordinator
	auth     auth.Authenticator
	limiter  *FailureLimiter
	audit    *telemetry.AuditEmitter
}

// NewGateway constructs a Gateway. audit may be nil.
func NewGateway(hub *Hub, eng *engine.Engine, coordinator *presence.Coordinator, authenticator auth.Authenticator, limiter *FailureLimiter, audit *telemetry.AuditEmitter) *Gateway {
	return &Gateway{
		hub:      hub,
		engine:   eng,
		presence: coordinator,
		auth:     authenticator,
		limiter:  limiter,
		audit:    audit,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection, authenticates it and runs the read
// loop until the peer goes away or the sweeper closes it.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("convo-service/ws").Start(c.Request.Context(), "ws.handshake",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	ip := observability.IPFromRequest(c.Request)
	requestID := observability.RequestIDFromRequest(c.Request)
	traceID := span.SpanContext().TraceID().String()
	token := bearerToken(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	if g.limiter.Locked(ip) {
		observability.IncAuthLockout()
		g.auditEvent(ctx, "WARN", "realtime handshake rejected: address locked out", requestID, nil)
		closeWith(conn, closeLockedOut, "too many failed attempts")
		return
	}

	did, err := g.auth.ValidateToken(ctx, token)
	if err != nil {
		g.limiter.RecordFailure(ip)
		observability.IncAuthFailure()
		g.auditEvent(ctx, "WARN", "realtime handshake rejected: invalid credential", requestID, nil)
		closeWith(conn, closeUnauthorized, "unauthorized")
		return
	}
	g.limiter.Reset(ip)

	now := time.Now()
	info := NewConnInfo(newConnID(), did, observability.DeviceIDFromRequest(c.Request),
		ip, requestID, traceID, now)
	total := g.hub.Add(conn, info)
	observability.IncWSEvent("ws_connect")

	conn.SetPongHandler(func(string) error {
		info.Touch(time.Now())
		return nil
	})

	if total == 1 {
		g.broadcastPresence(ctx, did, true)
	}
	g.hub.SendToConn(conn, info, models.ServerFrame{
		Type:    models.FrameConnected,
		Payload: map[string]string{"did": did, "conn_id": info.ConnID},
	})

	g.readLoop(ctx, conn, info)
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, info *ConnInfo) {
	defer func() {
		remaining := g.hub.Remove(info.DID, conn)
		conn.Close()
		observability.IncWSEvent("ws_disconnect")
		if remaining == 0 {
			g.broadcastPresence(ctx, info.DID, false)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
			}
			return
		}
		info.Touch(time.Now())

		var frame models.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("ws: bad frame from %s: %v", info.DID, err)
			continue
		}
		g.handleFrame(ctx, conn, info, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, conn *websocket.Conn, info *ConnInfo, frame models.ClientFrame) {
	switch frame.Type {
	case models.FramePing:
		g.hub.SendToConn(conn, info, models.ServerFrame{Type: models.FramePong})
	case models.FrameTyping:
		if frame.ConversationID == "" {
			return
		}
		if err := g.engine.Typing(ctx, info.DID, frame.ConversationID, frame.Typing); err != nil {
			log.Printf("ws: typing from %s in %s: %v", info.DID, frame.ConversationID, err)
		}
	case models.FrameJoinConversation:
		info.SetFocus(frame.ConversationID, true)
	case models.FrameLeaveConversation:
		info.SetFocus(frame.ConversationID, false)
	default:
		log.Printf("ws: unknown frame type %q from %s", frame.Type, info.DID)
	}
}

// broadcastPresence records the transition and pushes it to the
// identity's contacts. Presence bookkeeping failures are logged and
// swallowed: they never tear down the connection.
func (g *Gateway) broadcastPresence(ctx context.Context, did string, online bool) {
	if _, err := g.presence.UpdatePresence(ctx, did, online); err != nil {
		log.Printf("ws: presence upsert for %s: %v", did, err)
		return
	}
	settings, err := g.presence.GetPrivacy(ctx, did)
	if err != nil {
		log.Printf("ws: privacy for %s: %v", did, err)
		return
	}
	if !settings.ShareOnline {
		// The identity hides its online status; neither transition is
		// announced.
		return
	}

	contacts, err := g.presence.Contacts(ctx, did)
	if err != nil {
		log.Printf("ws: contacts for %s: %v", did, err)
		return
	}
	if len(contacts) == 0 {
		return
	}
	g.hub.SendToUsers(contacts, models.ServerFrame{
		Type:    models.FramePresence,
		Payload: models.PresencePayload{DID: did, Online: online},
	})
}

func (g *Gateway) auditEvent(ctx context.Context, level, text, requestID string, did *string) {
	if g.audit != nil {
		g.audit.Emit(ctx, level, text, requestID, did)
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
