// Package message owns the ordered message list for the conversation that is
// currently open in the thread view. It applies socket events without
// producing duplicates or corrupting order, and drives the mark-as-read
// signal exactly once per unread batch.
package message

import (
	"sort"
	"sync"

	"github.com/0xseppuk/teamly-chat/store/conversation"
)

// MarkReadFunc asks the session to mark the open conversation read up to and
// including the given message id. It is invoked at most once per unread batch.
type MarkReadFunc func(latestUnreadID string)

// Store is the per-open-conversation state machine. The read-receipt guard is
// keyed by the newest unread message id rather than the conversation id, so a
// second unread batch arriving before the first acknowledgement still fires
// its own receipt promptly.
type Store struct {
	mu             sync.Mutex
	viewerID       string
	conversationID string
	connected      bool
	messages       []conversation.Message
	markedID       string
	markRead       MarkReadFunc
}

// NewStore creates a Store for the given viewer. markRead may be nil, in
// which case the read-receipt trigger is disabled.
func NewStore(viewerID string, markRead MarkReadFunc) *Store {
	return &Store{viewerID: viewerID, markRead: markRead}
}

// Open switches the store to a new active conversation, clearing the message
// list and the read guard so receipts computed for the previous conversation
// cannot leak into this one. An empty id closes the thread view.
func (s *Store) Open(conversationID string) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.messages = nil
	s.markedID = ""
	s.mu.Unlock()
}

// SetConnected records the session's connection state; the read-receipt
// trigger only fires while connected.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	fire, id := s.evaluateReadGuard()
	s.mu.Unlock()
	if fire {
		s.markRead(id)
	}
}

// SetInitial installs a historical batch fetched over REST. The source API
// does not guarantee order, so messages are sorted ascending by creation time
// first. A batch for a conversation that is no longer the open one is a stale
// response and is discarded whole.
func (s *Store) SetInitial(conversationID string, batch []conversation.Message) {
	s.mu.Lock()
	if conversationID != s.conversationID || s.conversationID == "" {
		s.mu.Unlock()
		return
	}

	msgs := make([]conversation.Message, 0, len(batch))
	for _, m := range batch {
		if m.ID == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	s.messages = msgs

	fire, id := s.evaluateReadGuard()
	s.mu.Unlock()
	if fire {
		s.markRead(id)
	}
}

// Append applies a pushed new_message event. The same message may arrive once
// via the room push and again via a list refresh, so an id already present is
// ignored. Events without an id, or tagged with another conversation, are
// dropped.
func (s *Store) Append(m conversation.Message) {
	s.mu.Lock()
	if m.ID == "" || s.conversationID == "" ||
		(m.ConversationID != "" && m.ConversationID != s.conversationID) {
		s.mu.Unlock()
		return
	}
	for _, existing := range s.messages {
		if existing.ID == m.ID {
			s.mu.Unlock()
			return
		}
	}
	s.messages = append(s.messages, m)

	fire, id := s.evaluateReadGuard()
	s.mu.Unlock()
	if fire {
		s.markRead(id)
	}
}

// MarkRead flips is_read for a single message id. Unknown ids are a no-op.
func (s *Store) MarkRead(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].IsRead = true
			return
		}
	}
}

// MarkReadBatch flips is_read for every listed id; ids not present in the
// list are ignored, and repeating the call changes nothing.
func (s *Store) MarkReadBatch(messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if _, ok := ids[s.messages[i].ID]; ok {
			s.messages[i].IsRead = true
		}
	}
}

// Messages returns a copy of the ordered message list.
func (s *Store) Messages() []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len reports the number of messages currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// ConversationID returns the id of the open conversation, or "".
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// evaluateReadGuard decides whether a mark-as-read signal is due. Called with
// the lock held; the caller invokes the callback after unlocking so the
// callback may re-enter the store.
func (s *Store) evaluateReadGuard() (fire bool, latestUnreadID string) {
	if !s.connected || s.conversationID == "" || s.markRead == nil {
		return false, ""
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if !m.IsRead && m.SenderID != s.viewerID {
			latestUnreadID = m.ID
			break
		}
	}
	if latestUnreadID == "" || latestUnreadID == s.markedID {
		return false, ""
	}
	s.markedID = latestUnreadID
	return true, latestUnreadID
}
