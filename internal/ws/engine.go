package ws

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"chat-relay/internal/history"
	"chat-relay/internal/models"
	"chat-relay/internal/moderation"
	"chat-relay/internal/observability"
	"chat-relay/internal/upload"
)

// Moderator is the moderation view the engine consults before fan-out.
type Moderator interface {
	IsBlocked(text string) bool
	MuteStatus(userID string) moderation.MuteStatus
}

// Archiver queues records for the durable sink.
type Archiver interface {
	Enqueue(entry models.ArchiveEntry)
}

// Engine validates and classifies every inbound frame, consults moderation,
// updates history and the archive queue, and fans messages out through the
// hub. Frames from a single connection are handled in arrival order by its
// read loop; shared structures carry their own locks.
type Engine struct {
	hub        *Hub
	history    *history.Buffer
	moderation Moderator
	archive    Archiver
	uploads    upload.GrantIssuer
	log        *zap.Logger

	now           func() time.Time
	uploadTimeout time.Duration
}

// NewEngine wires the engine to its collaborators.
func NewEngine(hub *Hub, hist *history.Buffer, mod Moderator, arch Archiver, uploads upload.GrantIssuer, log *zap.Logger, uploadTimeout time.Duration) *Engine {
	if uploadTimeout <= 0 {
		uploadTimeout = 10 * time.Second
	}
	return &Engine{
		hub:           hub,
		history:       hist,
		moderation:    mod,
		archive:       arch,
		uploads:       uploads,
		log:           log,
		now:           time.Now,
		uploadTimeout: uploadTimeout,
	}
}

// HandleFrame dispatches one inbound frame. Malformed or unknown frames are
// dropped with a log line; they never tear down the connection.
func (e *Engine) HandleFrame(c *Conn, raw []byte) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		observability.IncRejection("malformed")
		e.log.Debug("malformed frame dropped", zap.String("conn_id", c.ID()), zap.Error(err))
		return
	}

	// ping is valid in any state and doubles as the liveness signal.
	switch msg.Type {
	case models.TypePing:
		c.alive.Store(true)
		e.sendPrivate(c, models.Message{Type: models.TypePong, Timestamp: e.stamp()})
		return
	case models.TypePong:
		c.alive.Store(true)
		return
	case models.TypeJoin:
		e.handleJoin(c, msg)
		return
	}

	if !c.joined() {
		observability.IncRejection("not_joined")
		e.log.Debug("frame before join dropped",
			zap.String("conn_id", c.ID()), zap.String("type", msg.Type))
		return
	}

	switch msg.Type {
	case models.TypeChat, models.TypeImage:
		e.handleContent(c, msg)
	case models.TypeUploadRequest:
		e.handleUploadRequest(c, msg)
	case models.TypeNicknameChange:
		e.handleNicknameChange(c, msg)
	default:
		observability.IncRejection("unknown_type")
		e.log.Debug("unknown frame type dropped",
			zap.String("conn_id", c.ID()), zap.String("type", msg.Type))
	}
}

// HandleDisconnect tears a connection down. Idempotent: the read loop, the
// heartbeat monitor, and slow-consumer drops may all race here, and only the
// first caller emits the system_leave.
func (e *Engine) HandleDisconnect(c *Conn) {
	if !e.hub.Unregister(c) {
		return
	}
	prev := c.markClosed()
	c.close()

	if prev != stateJoined {
		return
	}
	id := c.Identity()
	leave := models.Message{
		Type:      models.TypeSystemLeave,
		UserID:    id.UserID,
		Nickname:  id.Nickname,
		City:      id.City,
		Text:      id.Nickname + " left the chat",
		Timestamp: e.stamp(),
	}
	e.history.Push(leave)
	e.broadcast(leave)
}

// Drop forcibly terminates a connection, as for a heartbeat timeout or a
// write backlog. Treated identically to a client-initiated close.
func (e *Engine) Drop(c *Conn, reason string) {
	e.log.Info("dropping connection",
		zap.String("conn_id", c.ID()),
		zap.String("remote_addr", c.RemoteAddr()),
		zap.String("reason", reason))
	e.HandleDisconnect(c)
}

func (e *Engine) handleJoin(c *Conn, msg models.Message) {
	if msg.UserID == "" {
		observability.IncRejection("malformed")
		e.log.Debug("join without userId dropped", zap.String("conn_id", c.ID()))
		return
	}

	id := Identity{
		UserID:    msg.UserID,
		Nickname:  msg.Nickname,
		AvatarURL: msg.AvatarURL,
		City:      msg.City,
	}
	ok, rejoined := e.hub.Join(c, id, func() []byte {
		frame, err := json.Marshal(models.Message{
			Type:      models.TypeHistory,
			Messages:  e.history.Snapshot(),
			Timestamp: e.stamp(),
		})
		if err != nil {
			return nil
		}
		return frame
	})

	// A re-join only recovers state for the client: history is re-sent but
	// no second system_join is broadcast.
	if !ok || rejoined {
		return
	}

	joined := c.Identity()
	sys := models.Message{
		Type:      models.TypeSystemJoin,
		UserID:    joined.UserID,
		Nickname:  joined.Nickname,
		City:      joined.City,
		Text:      joined.Nickname + " joined the chat",
		Timestamp: e.stamp(),
	}
	e.history.Push(sys)
	e.broadcast(sys)
}

func (e *Engine) handleContent(c *Conn, msg models.Message) {
	if msg.Type == models.TypeChat && msg.Text == "" {
		observability.IncRejection("malformed")
		return
	}
	if msg.Type == models.TypeImage && msg.PublicURL == "" && msg.ImageURL == "" {
		observability.IncRejection("malformed")
		return
	}

	id := c.Identity()

	// Mute first, then blocked words; a muted sender is rejected before
	// content is ever inspected.
	if status := e.moderation.MuteStatus(id.UserID); status.Active {
		observability.IncRejection("muted")
		e.sendPrivate(c, models.Message{
			Type:      models.TypeSystemError,
			Text:      "you are muted until " + status.Until.UTC().Format(time.RFC3339),
			Timestamp: e.stamp(),
		})
		return
	}
	if msg.Type == models.TypeChat && e.moderation.IsBlocked(msg.Text) {
		observability.IncRejection("blocked")
		e.sendPrivate(c, models.Message{
			Type:      models.TypeSystemError,
			Text:      "message contains blocked content",
			Timestamp: e.stamp(),
		})
		return
	}

	imageURL := msg.ImageURL
	if imageURL == "" {
		imageURL = msg.PublicURL
	}
	out := models.Message{
		Type:      msg.Type,
		UserID:    id.UserID,
		Nickname:  id.Nickname,
		AvatarURL: id.AvatarURL,
		City:      id.City,
		Timestamp: e.stamp(),
	}
	entry := models.ArchiveEntry{
		Kind:       msg.Type,
		UserID:     id.UserID,
		Nickname:   id.Nickname,
		City:       id.City,
		RemoteAddr: c.RemoteAddr(),
		SentAt:     e.now().UTC(),
	}
	if msg.Type == models.TypeChat {
		out.Text = msg.Text
		entry.Content = msg.Text
	} else {
		out.ImageURL = imageURL
		entry.ImageURL = imageURL
	}

	e.history.Push(out)
	e.archive.Enqueue(entry)
	e.broadcast(out)
}

func (e *Engine) handleUploadRequest(c *Conn, msg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), e.uploadTimeout)
	defer cancel()

	grant, err := e.uploads.RequestUploadGrant(ctx, msg.FileName)
	if err != nil {
		observability.IncUploadGrant("error")
		e.log.Warn("upload grant failed",
			zap.String("conn_id", c.ID()), zap.String("file", msg.FileName), zap.Error(err))
		e.sendPrivate(c, models.Message{
			Type:      models.TypeSystemError,
			Text:      "upload is unavailable right now",
			Timestamp: e.stamp(),
		})
		return
	}

	observability.IncUploadGrant("ok")
	e.sendPrivate(c, models.Message{
		Type:      models.TypeUploadResponse,
		FileName:  msg.FileName,
		WriteURL:  grant.WriteURL,
		PublicURL: grant.PublicURL,
		Timestamp: e.stamp(),
	})
}

func (e *Engine) handleNicknameChange(c *Conn, msg models.Message) {
	old, changed := e.hub.SetNickname(c, msg.Nickname)
	if !changed {
		return
	}

	id := c.Identity()
	sys := models.Message{
		Type:      models.TypeSystemNameChange,
		UserID:    id.UserID,
		Nickname:  id.Nickname,
		City:      id.City,
		Text:      old + " is now known as " + id.Nickname,
		Timestamp: e.stamp(),
	}
	e.history.Push(sys)
	e.broadcast(sys)
}

// broadcast fans out and drops any connection that could not keep up.
func (e *Engine) broadcast(msg models.Message) {
	observability.IncBroadcast(msg.Type)
	for _, slow := range e.hub.Broadcast(msg) {
		e.Drop(slow, "write backlog")
	}
}

// sendPrivate delivers a reply to one connection only.
func (e *Engine) sendPrivate(c *Conn, msg models.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		e.log.Error("private reply marshal failed", zap.Error(err))
		return
	}
	if !c.enqueue(payload) {
		e.Drop(c, "write backlog")
	}
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}
