// Package testutil hosts an in-process fake of the Teamly realtime and REST
// backend. It speaks the same frame protocol the production server does, so
// session and end-to-end tests can run against a real websocket without any
// external infrastructure.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/0xseppuk/teamly-chat/internal/auth"
	"github.com/0xseppuk/teamly-chat/store/conversation"
)

// Frame mirrors the wire envelope.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReceivedFrame is a frame recorded off a client connection.
type ReceivedFrame struct {
	UserID string
	Event  string
	Data   json.RawMessage
}

type clientConn struct {
	userID  string
	ws      *websocket.Conn
	writeMu sync.Mutex
	room    string
}

// ChatServer is the fake backend. AutoEcho controls whether send_message
// frames are echoed back as new_message pushes plus a user-scoped
// conversation_updated, which is what the production server does.
type ChatServer struct {
	Auth     *auth.Authenticator
	AutoEcho bool

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*clientConn]struct{}
	received []ReceivedFrame
	recvCh   chan ReceivedFrame
	users    map[string]conversation.User
	convos   []conversation.Conversation
	history  map[string][]conversation.Message
}

// NewChatServer starts the fake backend with the given signing secret.
func NewChatServer(secret string) *ChatServer {
	s := &ChatServer{
		Auth:     auth.NewAuthenticator(secret, "teamly-test", time.Hour),
		AutoEcho: true,
		conns:    make(map[*clientConn]struct{}),
		recvCh:   make(chan ReceivedFrame, 256),
		users:    make(map[string]conversation.User),
		history:  make(map[string][]conversation.Message),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleSocket)
	mux.HandleFunc("/api/users/me", s.handleMe)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleMessages)
	s.srv = httptest.NewServer(mux)
	return s
}

// Close shuts the server down along with every client connection.
func (s *ChatServer) Close() {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.ws.Close()
	}
	s.conns = make(map[*clientConn]struct{})
	s.mu.Unlock()
	s.srv.Close()
}

// URL is the REST base URL.
func (s *ChatServer) URL() string { return s.srv.URL }

// SocketURL is the websocket endpoint.
func (s *ChatServer) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/chat"
}

// Token mints a valid credential for the given user.
func (s *ChatServer) Token(userID, nickname string) string {
	token, err := s.Auth.GenerateToken(userID, nickname)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.users[userID] = conversation.User{ID: userID, Nickname: nickname}
	s.mu.Unlock()
	return token
}

// SetConversations installs the snapshot served by /api/conversations.
func (s *ChatServer) SetConversations(convos []conversation.Conversation) {
	s.mu.Lock()
	s.convos = append([]conversation.Conversation(nil), convos...)
	s.mu.Unlock()
}

// SetHistory installs the page served for a conversation's messages.
func (s *ChatServer) SetHistory(conversationID string, msgs []conversation.Message) {
	s.mu.Lock()
	s.history[conversationID] = append([]conversation.Message(nil), msgs...)
	s.mu.Unlock()
}

// Emit pushes an event to every connection of the given user; an empty
// userID broadcasts to all connections.
func (s *ChatServer) Emit(userID, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	frame := Frame{Event: event, Data: raw}

	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		if userID == "" || c.userID == userID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.write(frame)
	}
}

// EmitToRoom pushes an event to every connection joined to the conversation.
func (s *ChatServer) EmitToRoom(conversationID, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	frame := Frame{Event: event, Data: raw}

	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		if c.room == conversationID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.write(frame)
	}
}

// EmitRaw pushes a raw payload, bypassing marshalling, so tests can deliver
// deliberately malformed frames.
func (s *ChatServer) EmitRaw(userID string, payload []byte) {
	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		if userID == "" || c.userID == userID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.writeRaw(payload)
	}
}

// Received returns a copy of every frame recorded so far.
func (s *ChatServer) Received() []ReceivedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReceivedFrame(nil), s.received...)
}

// ReceivedEvents returns the ordered event names recorded so far, optionally
// narrowed to one user.
func (s *ChatServer) ReceivedEvents(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.received {
		if userID == "" || f.UserID == userID {
			out = append(out, f.Event)
		}
	}
	return out
}

// WaitForFrame blocks until a frame with the given event arrives or the
// timeout elapses.
func (s *ChatServer) WaitForFrame(event string, timeout time.Duration) (ReceivedFrame, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-s.recvCh:
			if f.Event == event {
				return f, true
			}
		case <-deadline:
			return ReceivedFrame{}, false
		}
	}
}

// WaitForConnections blocks until n client connections are attached.
func (s *ChatServer) WaitForConnections(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		have := len(s.conns)
		s.mu.Unlock()
		if have >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// RoomOf reports which conversation the user's connection has joined.
func (s *ChatServer) RoomOf(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.userID == userID {
			return c.room
		}
	}
	return ""
}

// DisconnectAll closes every connection the way a server-initiated shutdown
// does, letting tests exercise the client's automatic reconnect.
func (s *ChatServer) DisconnectAll() {
	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.conns = make(map[*clientConn]struct{})
	s.mu.Unlock()

	for _, c := range targets {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	}
}

func (s *ChatServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &clientConn{userID: claims.UserID, ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go s.readPump(c)
}

func (s *ChatServer) readPump(c *clientConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		s.record(c, frame)
		s.apply(c, frame)
	}
}

func (s *ChatServer) record(c *clientConn, frame Frame) {
	received := ReceivedFrame{UserID: c.userID, Event: frame.Event, Data: frame.Data}
	s.mu.Lock()
	s.received = append(s.received, received)
	s.mu.Unlock()
	select {
	case s.recvCh <- received:
	default:
	}
}

func (s *ChatServer) apply(c *clientConn, frame Frame) {
	switch frame.Event {
	case "join_conversation":
		var p struct {
			ConversationID string `json:"conversation_id"`
		}
		if json.Unmarshal(frame.Data, &p) == nil {
			s.mu.Lock()
			c.room = p.ConversationID
			s.mu.Unlock()
		}

	case "leave_conversation":
		var p struct {
			ConversationID string `json:"conversation_id"`
		}
		if json.Unmarshal(frame.Data, &p) == nil {
			s.mu.Lock()
			if c.room == p.ConversationID {
				c.room = ""
			}
			s.mu.Unlock()
		}

	case "send_message":
		if !s.AutoEcho {
			return
		}
		var p struct {
			ConversationID string `json:"conversation_id"`
			Content        string `json:"content"`
		}
		if json.Unmarshal(frame.Data, &p) != nil || p.ConversationID == "" {
			return
		}
		msg := conversation.Message{
			ID:             uuid.NewString(),
			ConversationID: p.ConversationID,
			SenderID:       c.userID,
			Content:        p.Content,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		s.EmitToRoom(p.ConversationID, "new_message", msg)
		s.Emit("", "conversation_updated", map[string]any{
			"conversation_id": p.ConversationID,
			"last_message":    msg,
		})

	case "typing":
		var p struct {
			ConversationID string `json:"conversation_id"`
			IsTyping       bool   `json:"is_typing"`
		}
		if json.Unmarshal(frame.Data, &p) != nil {
			return
		}
		s.EmitToRoom(p.ConversationID, "user_typing", map[string]any{
			"user_id":   c.userID,
			"is_typing": p.IsTyping,
		})
	}
}

func (s *ChatServer) authenticate(r *http.Request) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.Auth.ValidateToken(token)
}

func (s *ChatServer) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	user := s.users[claims.UserID]
	s.mu.Unlock()
	writeJSON(w, map[string]any{"user": user})
}

func (s *ChatServer) handleConversations(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	convos := append([]conversation.Conversation(nil), s.convos...)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"conversations": convos})
}

func (s *ChatServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// api / conversations / {id} / messages
	if len(parts) != 4 || parts[3] != "messages" {
		http.NotFound(w, r)
		return
	}
	conversationID := parts[2]

	s.mu.Lock()
	msgs := append([]conversation.Message(nil), s.history[conversationID]...)
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"conversation_id": conversationID,
		"messages":        msgs,
		"total":           len(msgs),
		"has_more":        false,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (c *clientConn) write(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.writeRaw(payload)
}

func (c *clientConn) writeRaw(payload []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.ws.WriteMessage(websocket.TextMessage, payload)
}
