package model

import "time"

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// Chat is the persisted room record. A direct chat has exactly two
// participants; adding a third promotes it to group, and that transition
// never reverts.
type Chat struct {
	ID            string    `json:"id"`
	ChatType      ChatType  `json:"chat_type"`
	Name          string    `json:"name,omitempty"`
	CreatedBy     string    `json:"created_by"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

type ChatMember struct {
	ChatID   string    `json:"chat_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}
