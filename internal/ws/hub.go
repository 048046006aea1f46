package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"convo-service/internal/models"
	"convo-service/internal/observability"
	"convo-service/internal/rabbitmq"
)

const (
	// sweepInterval is how often the liveness sweep pings connections.
	sweepInterval = 30 * time.Second
	// idleTimeout is the inbound-activity deadline after which a
	// connection is forcibly closed.
	idleTimeout = 90 * time.Second
	// writeTimeout bounds a single frame write so one stalled peer
	// cannot hold up a broadcast.
	writeTimeout = 5 * time.Second
)

// Hub is the connection registry: every live realtime connection, keyed
// by identity. One identity may hold many concurrent connections.
// Fan-out is mirrored to the event bus so other processes can bridge.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]*ConnInfo

	publisher rabbitmq.Publisher
	now       func() time.Time
}

// NewHub creates an empty hub. publisher may be nil.
func NewHub(publisher rabbitmq.Publisher) *Hub {
	return &Hub{
		conns:     make(map[string]map[*websocket.Conn]*ConnInfo),
		publisher: publisher,
		now:       time.Now,
	}
}

// Add registers a connection for its identity and returns how many
// connections the identity now holds.
func (h *Hub) Add(conn *websocket.Conn, info *ConnInfo) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[info.DID]
	if !ok {
		set = make(map[*websocket.Conn]*ConnInfo)
		h.conns[info.DID] = set
	}
	set[conn] = info
	observability.IncWSActive()
	return len(set)
}

// Remove deregisters a connection and returns how many connections the
// identity still holds. Removing an unknown connection is a no-op
// returning the current count, so close paths may race safely.
func (h *Hub) Remove(did string, conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[did]
	if !ok {
		return 0
	}
	if _, present := set[conn]; present {
		delete(set, conn)
		observability.DecWSActive()
	}
	if len(set) == 0 {
		delete(h.conns, did)
		return 0
	}
	return len(set)
}

// Connections reports how many live connections an identity holds.
func (h *Hub) Connections(did string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[did])
}

// SendToUsers delivers a frame to every connection of every listed
// identity. A failed send closes and deregisters only that connection.
func (h *Hub) SendToUsers(dids []string, frame models.ServerFrame) {
	payload, err := models.EncodeServerFrame(frame)
	if err != nil {
		log.Printf("ws: encode %s frame: %v", frame.Type, err)
		return
	}

	type target struct {
		conn *websocket.Conn
		info *ConnInfo
	}
	var targets []target
	h.mu.RLock()
	for _, did := range dids {
		for conn, info := range h.conns[did] {
			targets = append(targets, target{conn, info})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		h.writeConn(t.conn, t.info, payload)
	}
	observability.IncWSEvent(frame.Type)
}

// NotifyMembers implements the engine's Notifier: fan out to the given
// member identities and mirror the frame onto the event bus.
func (h *Hub) NotifyMembers(conversationID string, dids []string, frame models.ServerFrame) {
	h.SendToUsers(dids, frame)

	if h.publisher == nil {
		return
	}
	envelope := observability.EventEnvelope{
		EventType: "convo_events",
		EventName: frame.Type,
		Payload:   frame.Payload,
	}
	if err := h.publisher.Publish(context.Background(), "convo.events."+frame.Type, envelope); err != nil {
		observability.IncAMQPPublishError()
		log.Printf("ws: publish %s event for %s: %v", frame.Type, conversationID, err)
	}
}

// SendToConn writes one frame to a single connection.
func (h *Hub) SendToConn(conn *websocket.Conn, info *ConnInfo, frame models.ServerFrame) {
	payload, err := models.EncodeServerFrame(frame)
	if err != nil {
		log.Printf("ws: encode %s frame: %v", frame.Type, err)
		return
	}
	h.writeConn(conn, info, payload)
}

// writeConn performs one serialized, deadline-bounded write. On failure
// the connection is closed and deregistered; the caller's broadcast
// continues with the remaining connections.
func (h *Hub) writeConn(conn *websocket.Conn, info *ConnInfo, payload []byte) {
	info.writeMu.Lock()
	conn.SetWriteDeadline(h.now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.TextMessage, payload)
	info.writeMu.Unlock()
	if err != nil {
		log.Printf("ws: write to %s (%s): %v", info.DID, info.ConnID, err)
		conn.Close()
		h.Remove(info.DID, conn)
		observability.IncWSEvent("ws_error")
		h.publishWSError(info, err)
	}
}

func (h *Hub) publishWSError(info *ConnInfo, cause error) {
	if h.publisher == nil {
		return
	}
	envelope := observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_error",
		Payload: map[string]interface{}{
			"did":         info.DID,
			"conn_id":     info.ConnID,
			"device_id":   info.DeviceID,
			"ip":          info.IP,
			"duration_ms": h.now().Sub(info.ConnectedAt).Milliseconds(),
			"reason":      cause.Error(),
		},
		Headers: observability.BuildHeaders(info.RequestID, info.TraceID),
	}
	if err := h.publisher.Publish(context.Background(), "convo.events.ws_error", envelope); err != nil {
		observability.IncAMQPPublishError()
		log.Printf("ws: publish ws_error event: %v", err)
	}
}

// RunSweeper pings every connection on an interval and force-closes any
// whose inbound activity is older than the idle timeout. Returns when
// ctx is done.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	now := h.now()

	type target struct {
		conn *websocket.Conn
		info *ConnInfo
	}
	var ping, drop []target
	h.mu.RLock()
	for _, set := range h.conns {
		for conn, info := range set {
			if now.Sub(info.LastActive()) > idleTimeout {
				drop = append(drop, target{conn, info})
			} else {
				ping = append(ping, target{conn, info})
			}
		}
	}
	h.mu.RUnlock()

	for _, t := range drop {
		log.Printf("ws: closing idle connection %s for %s", t.info.ConnID, t.info.DID)
		t.info.writeMu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout"),
			now.Add(writeTimeout))
		t.info.writeMu.Unlock()
		// Closing wakes the connection's read loop, which runs the full
		// deregistration path including the offline broadcast.
		t.conn.Close()
		observability.IncWSEvent("idle_close")
	}
	for _, t := range ping {
		t.info.writeMu.Lock()
		t.conn.WriteControl(websocket.PingMessage, nil, now.Add(writeTimeout))
		t.info.writeMu.Unlock()
	}
}

// staleDIDs lists identities holding at least one connection idle past
// the timeout at the given instant.
func (h *Hub) staleDIDs(now time.Time) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for did, set := range h.conns {
		for _, info := range set {
			if now.Sub(info.LastActive()) > idleTimeout {
				out = append(out, did)
				break
			}
		}
	}
	return out
}
