package model

import "time"

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
)

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// DeleteMode selects between the two soft-deletion modes.
type DeleteMode string

const (
	// DeleteForEveryone hides the payload for all participants. Sender only, irreversible.
	DeleteForEveryone DeleteMode = "everyone"
	// DeleteForMe hides the payload for the requesting participant only. Irreversible.
	DeleteForMe DeleteMode = "me"
)

// PlaceholderDeleted is rendered in place of the payload of a message
// deleted for everyone.
const PlaceholderDeleted = "[Message deleted]"

// Message is the persisted unit of a chat. The envelope (identity, payload)
// is immutable once created; ReadBy, DeletedFor and DeletedForEveryone form
// the mutable overlay. ReadBy and DeletedFor are append-only.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	ClientTag string      `json:"client_tag,omitempty"`
	Kind      MessageKind `json:"kind"`

	// Content is the cleartext payload for unencrypted messages (file captions,
	// system notices). For encrypted messages it holds only a placeholder.
	Content string `json:"content,omitempty"`

	// Encrypted payload. Ciphertext and IV are shared across recipients;
	// WrappedKeys holds one RSA-wrapped AES key per recipient user id.
	// SenderContent is the plaintext shadow kept for the sender, who cannot
	// unwrap keys wrapped for the recipients.
	IsEncrypted   bool              `json:"is_encrypted"`
	Ciphertext    string            `json:"ciphertext,omitempty"`
	IV            string            `json:"iv,omitempty"`
	WrappedKeys   map[string]string `json:"wrapped_keys,omitempty"`
	SenderContent string            `json:"sender_content,omitempty"`

	// File metadata for kind image/file; the blob itself lives in external storage.
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	FileType string `json:"file_type,omitempty"`

	ReplyToID *string  `json:"reply_to_id,omitempty"`
	ReplyTo   *Message `json:"reply_to,omitempty"`

	ReadBy             []string `json:"read_by"`
	DeletedForEveryone bool     `json:"deleted_for_everyone"`
	DeletedFor         []string `json:"deleted_for,omitempty"`

	CreatedAt time.Time   `json:"created_at"`
	Sender    *UserPublic `json:"sender,omitempty"`
}

// ReadByUser reports whether userID is in the read set.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// DeletedForUser reports whether the message is hidden for userID,
// either by a for-everyone deletion or by that user's own for-me deletion.
func (m *Message) DeletedForUser(userID string) bool {
	if m.DeletedForEveryone {
		return true
	}
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

// ReplyPreview strips the message down to the denormalized fields a reply
// reference carries. The payload, key material and overlay sets never travel
// inside a preview.
func (m *Message) ReplyPreview() *Message {
	p := &Message{
		ID:       m.ID,
		SenderID: m.SenderID,
		Kind:     m.Kind,
		Sender:   m.Sender,
		FileName: m.FileName,
	}
	if m.DeletedForEveryone {
		p.DeletedForEveryone = true
		return p
	}
	if m.IsEncrypted {
		// Previews of encrypted messages stay opaque; each client resolves
		// the preview text from its own decrypted log.
		p.IsEncrypted = true
	} else {
		p.Content = m.Content
	}
	return p
}

// WrappedKeyFor returns the AES key wrapped for userID, if one exists.
func (m *Message) WrappedKeyFor(userID string) (string, bool) {
	if m.WrappedKeys == nil {
		return "", false
	}
	k, ok := m.WrappedKeys[userID]
	return k, ok
}

// Status derives the tick state for the sender's view: read once any other
// participant acked, delivered otherwise.
func (m *Message) Status() MessageStatus {
	for _, id := range m.ReadBy {
		if id != m.SenderID {
			return MessageStatusRead
		}
	}
	return MessageStatusDelivered
}
