package ws

import (
	"github.com/cipherchat/internal/model"
)

type EventType string

// Client -> server events.
const (
	EventJoin   EventType = "join"
	EventLeave  EventType = "leave"
	EventSend   EventType = "send"
	EventRead   EventType = "read"
	EventDelete EventType = "delete"
	EventTyping EventType = "typing"
)

// Server -> client events.
const (
	EventMessage        EventType = "message"
	EventMessageRead    EventType = "message_read"
	EventMessageDeleted EventType = "message_deleted"
	EventUserOnline     EventType = "user_online"
	EventUserOffline    EventType = "user_offline"
	EventError          EventType = "error"
	// EventTyping is reused in both directions.
)

// IncomingEvent is what a client sends to the server. ChatID doubles as the
// room id; which other fields are meaningful depends on Type.
type IncomingEvent struct {
	Type   EventType `json:"type"`
	ChatID string    `json:"chat_id,omitempty"`

	// For send
	Kind          model.MessageKind `json:"kind,omitempty"`
	Content       string            `json:"content,omitempty"`
	IsEncrypted   bool              `json:"is_encrypted,omitempty"`
	Ciphertext    string            `json:"ciphertext,omitempty"`
	IV            string            `json:"iv,omitempty"`
	WrappedKeys   map[string]string `json:"wrapped_keys,omitempty"`
	SenderContent string            `json:"sender_content,omitempty"`
	ClientTag     string            `json:"client_tag,omitempty"`
	ReplyToID     string            `json:"reply_to_id,omitempty"`

	// For send with kind image/file
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	FileType string `json:"file_type,omitempty"`

	// For read/delete
	MessageID string           `json:"message_id,omitempty"`
	Mode      model.DeleteMode `json:"mode,omitempty"`

	// For typing
	IsTyping bool `json:"is_typing,omitempty"`
}

// OutgoingEvent is what the server sends to a client.
// Payload uses typed structs to avoid map[string]any allocations.
type OutgoingEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessageReadPayload carries the full reader set; the server-side set is the
// source of truth and only ever grows.
type MessageReadPayload struct {
	MessageID string   `json:"message_id"`
	ChatID    string   `json:"chat_id"`
	ReaderID  string   `json:"reader_id"`
	ReadBy    []string `json:"read_by"`
}

// MessageDeletedPayload is broadcast for mode "everyone" and echoed only to
// the requesting connection for mode "me".
type MessageDeletedPayload struct {
	MessageID string           `json:"message_id"`
	ChatID    string           `json:"chat_id"`
	Mode      model.DeleteMode `json:"mode"`
}

// TypingPayload is relayed to room members other than the typist.
type TypingPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// UserStatusPayload is broadcast on presence changes.
type UserStatusPayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// ErrorPayload carries an actionable reason; remediation differs per failure,
// so reasons are specific rather than generic.
type ErrorPayload struct {
	Reason string `json:"reason"`
}
