package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-relay/internal/observability"
)

const eventsRoutingKey = "ws_events.relay"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades inbound requests and runs the per-connection read loop.
type Handler struct {
	hub          *Hub
	engine       *Engine
	log          *zap.Logger
	queueSize    int
	writeTimeout time.Duration
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, engine *Engine, log *zap.Logger, queueSize int, writeTimeout time.Duration) *Handler {
	return &Handler{
		hub:          hub,
		engine:       engine,
		log:          log,
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
	}
}

// Handle upgrades the connection and registers it with the relay. Identity
// arrives later, on the client's join frame.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-relay/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn := newConn(wsConn, observability.IPFromRequest(c.Request), h.queueSize)
	conn.requestID = observability.RequestIDFromRequest(c.Request)
	conn.traceID = span.SpanContext().TraceID().String()

	h.hub.Register(conn)
	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publishLifecycleEvent(ctx, conn, "ws_connect", "")

	go conn.writeLoop(h.writeTimeout)
	go h.readLoop(ctx, conn)
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn) {
	var closeReason string
	defer func() {
		h.engine.HandleDisconnect(conn)
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.publishLifecycleEvent(ctx, conn, "ws_disconnect", closeReason)
	}()

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				h.publishLifecycleEvent(ctx, conn, "ws_error", closeReason)
			}
			return
		}
		h.engine.HandleFrame(conn, raw)
	}
}

func (h *Handler) publishLifecycleEvent(ctx context.Context, conn *Conn, event, reason string) {
	id := conn.Identity()
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     conn.ID(),
			"duration_ms": time.Since(conn.connectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":  id.UserID,
			"nickname": id.Nickname,
			"ip":       conn.RemoteAddr(),
		},
	}

	headers := observability.BuildHeaders(conn.requestID, conn.traceID)
	if err := observability.PublishEvent(ctx, eventsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers); err != nil {
		h.log.Debug("lifecycle event publish failed", zap.String("event", event), zap.Error(err))
	}
}
