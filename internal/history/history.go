package history

import (
	"sync"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
)

// Buffer retains the last N broadcast messages in insertion order. It is
// never persisted; a restarted relay starts with an empty buffer.
type Buffer struct {
	mu      sync.RWMutex
	max     int
	entries []models.Message
}

// NewBuffer creates a buffer holding at most max messages.
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max, entries: make([]models.Message, 0, max)}
}

// Push appends msg, evicting the oldest entry when the buffer is full.
// Non-broadcastable types (ping/pong/upload_* and private replies) are
// ignored.
func (b *Buffer) Push(msg models.Message) {
	if !models.IsBroadcastable(msg.Type) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.max {
		b.entries = append(b.entries[1:len(b.entries):len(b.entries)], msg)
	} else {
		b.entries = append(b.entries, msg)
	}
	observability.SetHistorySize(len(b.entries))
}

// Snapshot returns a copy of the buffered messages, oldest first.
func (b *Buffer) Snapshot() []models.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Message, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len reports the current number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
