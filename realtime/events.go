package realtime

import (
	"encoding/json"

	"github.com/0xseppuk/teamly-chat/store/conversation"
)

// Wire event names. Outbound events carry the active conversation id; inbound
// events arrive on the joined room except conversation_updated, which the
// server delivers on the user-scoped channel for any of the viewer's
// conversations.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventMarkRead          = "mark_read"

	EventNewMessage          = "new_message"
	EventUserTyping          = "user_typing"
	EventMessageRead         = "message_read"
	EventMessagesRead        = "messages_read"
	EventConversationUpdated = "conversation_updated"
)

// Frame is the envelope for every message on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type roomPayload struct {
	ConversationID string `json:"conversation_id"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type markReadPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
}

type userTypingPayload struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type messageReadPayload struct {
	MessageID string `json:"message_id"`
}

type messagesReadPayload struct {
	MessageIDs []string `json:"message_ids"`
}

// ConversationUpdate is the lightweight summary event keeping the sidebar
// fresh without refetching message bodies.
type ConversationUpdate struct {
	ConversationID string               `json:"conversation_id"`
	LastMessage    conversation.Message `json:"last_message"`
}

// Handlers is the inbound event surface. Every callback is optional.
// Handlers are registered once at session construction and are invoked from
// the session's single reader goroutine, so no callback ever runs
// concurrently with another.
type Handlers struct {
	OnNewMessage          func(conversation.Message)
	OnTyping              func(userID string, isTyping bool)
	OnMessageRead         func(messageID string)
	OnMessagesRead        func(messageIDs []string)
	OnConversationUpdated func(ConversationUpdate)
	OnStatus              func(Status)
	OnError               func(error)
}

func mustFrame(event string, data any) Frame {
	raw, err := json.Marshal(data)
	if err != nil {
		// All payload types above marshal unconditionally.
		panic(err)
	}
	return Frame{Event: event, Data: raw}
}
