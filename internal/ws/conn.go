package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type connState int

const (
	stateConnecting connState = iota
	stateJoined
	stateClosed
)

// Identity holds the client-asserted attributes of a connection. UserID is
// immutable once set by the first join; the display attributes are not.
type Identity struct {
	UserID    string
	Nickname  string
	AvatarURL string
	City      string
}

// Conn is one live transport session. Outbound frames go through a bounded
// queue drained by writeLoop so a slow client never stalls the broadcast
// path; a full queue drops the connection instead.
type Conn struct {
	id          string
	ws          *websocket.Conn
	remoteAddr  string
	requestID   string
	traceID     string
	connectedAt time.Time

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	alive atomic.Bool

	mu       sync.RWMutex
	state    connState
	identity Identity
}

// newConn builds a Conn in the Connecting state with its liveness flag set.
// ws may be nil in tests; outbound frames then stay readable on out.
func newConn(wsConn *websocket.Conn, remoteAddr string, queueSize int) *Conn {
	c := &Conn{
		id:          newConnID(),
		ws:          wsConn,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		out:         make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Identity returns a copy of the current identity attributes.
func (c *Conn) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Conn) joined() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateJoined
}

// markClosed transitions to Closed and reports the prior state, so the first
// closer learns whether a system_leave is owed.
func (c *Conn) markClosed() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = stateClosed
	return prev
}

// enqueue offers a frame to the outbound queue without blocking. False means
// the connection is closed or backpressured and should be dropped.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- payload:
		return true
	default:
		return false
	}
}

// close releases the transport. Safe to call from any goroutine, any number
// of times.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// writeLoop drains the outbound queue onto the websocket. A write failure
// closes the connection; the read loop observes the close and tears down.
func (c *Conn) writeLoop(writeTimeout time.Duration) {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
