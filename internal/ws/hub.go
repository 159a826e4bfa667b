package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chat-relay/internal/models"
)

// Hub is the connection registry. It owns the set of live connections and is
// the single authority for identity mutation and fan-out.
//
// Lock order: the Hub lock may be held while the history buffer lock is
// taken (Join snapshots history under the Hub lock so the private history
// reply is queued ahead of any later broadcast to that connection). The
// reverse order never occurs.
type Hub struct {
	log *zap.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, conns: make(map[*Conn]struct{})}
}

// Register adds a connection in the Connecting state.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a connection, reporting whether it was present. Only the
// first remover gets true, which keeps disconnect handling idempotent across
// the read loop, the heartbeat monitor, and slow-consumer drops.
func (h *Hub) Unregister(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return false
	}
	delete(h.conns, c)
	return true
}

// Join sets the connection's identity and queues the private history reply,
// atomically with respect to broadcasts. A conflicting userId on a re-join is
// ignored; the first asserted userId wins. ok is false for a connection that
// already closed; rejoined reports a repeat join.
func (h *Hub) Join(c *Conn, id Identity, historyFrame func() []byte) (ok, rejoined bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return false, false
	}
	rejoined = c.state == stateJoined
	if c.identity.UserID != "" && c.identity.UserID != id.UserID {
		h.log.Warn("join with conflicting userId ignored",
			zap.String("conn_id", c.id),
			zap.String("asserted", id.UserID),
			zap.String("existing", c.identity.UserID))
		id.UserID = c.identity.UserID
	}
	c.identity = id
	c.state = stateJoined
	c.mu.Unlock()

	// Queued under the hub lock: no broadcast can slip in between the
	// snapshot and this enqueue.
	if frame := historyFrame(); frame != nil {
		c.enqueue(frame)
	}
	return true, rejoined
}

// SetNickname updates the display name, reporting the previous one. The
// connection must have joined.
func (h *Hub) SetNickname(c *Conn, nickname string) (old string, changed bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateJoined || nickname == "" || nickname == c.identity.Nickname {
		return c.identity.Nickname, false
	}
	old = c.identity.Nickname
	c.identity.Nickname = nickname
	return old, true
}

// Broadcast fans msg out to every joined connection, sender included.
// Delivery is best-effort: connections whose outbound queue is full are
// returned for the caller to drop, and one bad connection never aborts
// iteration over the rest.
func (h *Hub) Broadcast(msg models.Message) []*Conn {
	return h.BroadcastExcept(nil, msg)
}

// BroadcastExcept is Broadcast minus one excluded connection.
func (h *Hub) BroadcastExcept(except *Conn, msg models.Message) []*Conn {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("broadcast marshal failed", zap.Error(err))
		return nil
	}

	var backpressured []*Conn
	h.mu.RLock()
	for c := range h.conns {
		if c == except || !c.joined() {
			continue
		}
		if !c.enqueue(payload) {
			backpressured = append(backpressured, c)
		}
	}
	h.mu.RUnlock()
	return backpressured
}

// Conns returns the current connections, joined or not. Used by the
// heartbeat monitor.
func (h *Hub) Conns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Len reports the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
