package conversation

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// List keeps the viewer's conversations in sync: a server snapshot merged with
// live summary updates. One conversation-keyed map is the only source of truth
// for unread counts; the sidebar and the open-thread header both read from it,
// so they cannot disagree.
type List struct {
	mu         sync.Mutex
	byID       map[string]*Conversation
	selectedID string
}

// NewList creates an empty List.
func NewList() *List {
	return &List{byID: make(map[string]*Conversation)}
}

// Hydrate replaces the full list with a server-fetched snapshot. If
// autoSelectID names a conversation present in the snapshot (a deep link) and
// nothing is selected yet, that conversation becomes selected.
func (l *List) Hydrate(snapshot []Conversation, autoSelectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.byID = make(map[string]*Conversation, len(snapshot))
	for i := range snapshot {
		c := snapshot[i]
		if c.ID == "" {
			continue
		}
		l.byID[c.ID] = &c
	}

	if l.selectedID == "" && autoSelectID != "" {
		if _, ok := l.byID[autoSelectID]; ok {
			l.selectedID = autoSelectID
		}
	}
	if l.selectedID != "" {
		if _, ok := l.byID[l.selectedID]; !ok {
			l.selectedID = ""
		}
	}
}

// Select marks the conversation as the open one. An empty id closes the
// thread view. Unknown ids return ErrConversationNotFound and leave the
// selection unchanged.
func (l *List) Select(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == "" {
		l.selectedID = ""
		return nil
	}
	if _, ok := l.byID[id]; !ok {
		return ErrConversationNotFound
	}
	l.selectedID = id
	return nil
}

// Selected returns a copy of the currently open conversation, if any.
func (l *List) Selected() (Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.byID[l.selectedID]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Get returns a copy of the conversation with the given id.
func (l *List) Get(id string) (Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// ApplyUpdate merges a conversation_updated summary event: the last message
// advances last_message_at, and the unread count grows by one unless the
// conversation is the open one (the message store handles read state there).
// Events for unknown conversations or without a usable timestamp are dropped.
func (l *List) ApplyUpdate(conversationID string, lastMessage Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.byID[conversationID]
	if !ok || lastMessage.CreatedAt.IsZero() {
		return
	}

	at := lastMessage.CreatedAt
	c.LastMessageAt = &at
	if conversationID != l.selectedID {
		c.UnreadCount++
	}
}

// ClearUnread zeroes the unread count once a read-receipt cycle completed.
func (l *List) ClearUnread(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.byID[conversationID]; ok {
		c.UnreadCount = 0
	}
}

// Touch advances last_message_at without changing the unread count, used when
// a message lands in the open conversation itself.
func (l *List) Touch(conversationID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.byID[conversationID]; ok && !at.IsZero() {
		t := at
		c.LastMessageAt = &t
	}
}

// Conversations returns the presentation ordering: most recent message first,
// conversations with no messages yet last. A non-empty filter narrows the
// result to counterparts whose nickname contains it, case-insensitively. The
// returned slice is a copy; mutating it does not affect the list.
func (l *List) Conversations(filter string) []Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Conversation, 0, len(l.byID))
	query := strings.ToLower(strings.TrimSpace(filter))
	for _, c := range l.byID {
		if query != "" && !strings.Contains(strings.ToLower(c.OtherUser.Nickname), query) {
			continue
		}
		out = append(out, *c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return out
}

// Len reports how many conversations the list holds.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}
