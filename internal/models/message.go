package models

import "time"

// Message types carried over the wire. The relay discriminates every inbound
// and outbound frame by Type.
const (
	TypeJoin             = "join"
	TypeChat             = "chat"
	TypeImage            = "image"
	TypeUploadRequest    = "upload_request"
	TypeUploadResponse   = "upload_response"
	TypeNicknameChange   = "nickname_change"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeSystemJoin       = "system_join"
	TypeSystemLeave      = "system_leave"
	TypeSystemNameChange = "system_name_change"
	TypeSystemError      = "system_error"
	TypeHistory          = "history"
)

// Message is the single frame shape exchanged with clients. Fields are
// optional depending on Type; Timestamp is always assigned by the relay,
// never trusted from the client.
type Message struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId,omitempty"`
	Nickname  string    `json:"nickname,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	City      string    `json:"city,omitempty"`
	Text      string    `json:"message,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	WriteURL  string    `json:"writeUrl,omitempty"`
	PublicURL string    `json:"publicUrl,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
}

// IsBroadcastable reports whether a message type belongs in the history
// buffer. Control frames (ping/pong/upload_*) and private replies are never
// retained.
func IsBroadcastable(msgType string) bool {
	switch msgType {
	case TypeChat, TypeImage, TypeSystemJoin, TypeSystemLeave, TypeSystemNameChange:
		return true
	}
	return false
}

// ArchiveEntry is the denormalized record queued for the archival sink. It
// captures the sender's connection attributes at the time of send.
type ArchiveEntry struct {
	ID         int64     `db:"id" json:"id"`
	Kind       string    `db:"kind" json:"kind"`
	UserID     string    `db:"user_id" json:"user_id"`
	Nickname   string    `db:"nickname" json:"nickname"`
	City       string    `db:"city" json:"city"`
	RemoteAddr string    `db:"remote_addr" json:"remote_addr"`
	Content    string    `db:"content" json:"content"`
	ImageURL   string    `db:"image_url" json:"image_url"`
	SentAt     time.Time `db:"sent_at" json:"sent_at"`
}
