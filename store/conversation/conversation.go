package conversation

import (
	"errors"
	"time"
)

// User identifies a chat participant as rendered in the sidebar.
type User struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Conversation represents a 1:1 thread between two matched users. It is
// created server-side when a response to an application is accepted; the
// client never creates or deletes one. OtherUser and UnreadCount are derived
// for the current viewer by the server.
type Conversation struct {
	ID            string     `json:"id"`
	UserOneID     string     `json:"user_one_id"`
	UserTwoID     string     `json:"user_two_id"`
	OtherUser     User       `json:"other_user"`
	UnreadCount   int        `json:"unread_count"`
	LastMessageAt *time.Time `json:"last_message_at"`
	IsArchived    bool       `json:"is_archived"`
}

// Message belongs to exactly one conversation. The id is the deduplication
// key; only IsRead ever mutates after creation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
)
