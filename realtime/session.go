// Package realtime manages the single websocket session a chat client holds
// against the Teamly realtime channel: connection lifecycle with bounded
// reconnection, membership in at most one conversation room, fire-and-forget
// actions, and typed dispatch of server-pushed events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/0xseppuk/teamly-chat/internal/auth"
	"github.com/0xseppuk/teamly-chat/store/conversation"
)

// Status is the connection state visible to the UI.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

var (
	ErrMissingToken  = errors.New("auth token is missing")
	ErrAuthRejected  = errors.New("auth token rejected by server")
	ErrSessionClosed = errors.New("session is closed")
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
	defaultReconnectDelayMax = 5 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	closeWriteWait           = 5 * time.Second
)

// Config carries the connection parameters. The credential token is an
// explicit field rather than an ambient lookup so tests can supply one
// directly.
type Config struct {
	URL   string
	Token string

	// Reconnection bounds: attempts with increasing delay up to the cap,
	// after which the session settles into StatusDisconnected.
	ReconnectAttempts uint64
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration

	HandshakeTimeout time.Duration

	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = defaultReconnectDelayMax
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Session owns one physical websocket connection. All imperative actions are
// silent no-ops while the session is not connected or no conversation is
// active; inbound events are dispatched to the Handlers from a single reader
// goroutine.
type Session struct {
	cfg      Config
	handlers Handlers
	log      zerolog.Logger

	mu     sync.Mutex
	status Status
	conn   *websocket.Conn
	active string // conversation the caller declared active
	joined string // room joined on the wire, empty while a join is deferred
	closed bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewSession creates a Session. Handlers are fixed for the session lifetime;
// the underlying subscription is created once per connection, not once per
// state change.
func NewSession(cfg Config, handlers Handlers) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:      cfg,
		handlers: handlers,
		log:      cfg.Logger.With().Str("component", "realtime").Logger(),
		status:   StatusDisconnected,
	}
}

// Connect performs the handshake and starts the reader. A missing or already
// expired token fails fast into StatusError with no connection attempt, and a
// server-side auth rejection is terminal as well; plain transport failures
// are retried within the configured bounds before giving up.
func (s *Session) Connect(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Token) == "" {
		s.setStatus(StatusError)
		s.fireError(ErrMissingToken)
		return ErrMissingToken
	}
	if err := auth.CheckNotExpired(s.cfg.Token); err != nil {
		s.setStatus(StatusError)
		s.fireError(err)
		return err
	}

	s.setStatus(StatusConnecting)
	conn, err := s.dialWithBackoff(ctx)
	if err != nil {
		s.setStatus(StatusError)
		s.fireError(err)
		return err
	}

	s.attach(conn)
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// Close tears the session down. This is the only terminal exit: the socket
// is closed and the state resets to StatusDisconnected. Close waits for the
// reader goroutine and must not be called from inside a handler.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.setStatus(StatusDisconnected)
	s.wg.Wait()
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetActiveConversation declares which conversation the viewer has open.
// While connected this leaves the previous room and joins the new one, in
// that order; while not connected the join is deferred until the connected
// state is reached. Declaring the already active id changes nothing, so
// repeated calls never double-register on the wire. An empty id means no
// conversation is open.
func (s *Session) SetActiveConversation(conversationID string) {
	s.mu.Lock()
	if s.active == conversationID {
		s.mu.Unlock()
		return
	}
	s.active = conversationID
	connected := s.status == StatusConnected && s.conn != nil
	conn := s.conn
	previous := s.joined
	if connected {
		s.joined = conversationID
	}
	s.mu.Unlock()

	if !connected {
		return
	}
	if previous != "" {
		s.write(conn, mustFrame(EventLeaveConversation, roomPayload{ConversationID: previous}))
	}
	if conversationID != "" {
		s.write(conn, mustFrame(EventJoinConversation, roomPayload{ConversationID: conversationID}))
	}
}

// ActiveConversation returns the declared active conversation id, or "".
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SendMessage delivers trimmed content to the active conversation. Empty
// content, no active conversation, or a disconnected session make it a no-op
// rather than an error; no provisional local message exists, the
// authoritative copy arrives back as a new_message event.
func (s *Session) SendMessage(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	conn, active := s.usableConn()
	if conn == nil || active == "" {
		return
	}
	s.write(conn, mustFrame(EventSendMessage, sendMessagePayload{
		ConversationID: active,
		Content:        content,
	}))
}

// SendTyping notifies the active conversation's room of the caller's typing
// state. Purely advisory and never queued.
func (s *Session) SendTyping(isTyping bool) {
	conn, active := s.usableConn()
	if conn == nil || active == "" {
		return
	}
	s.write(conn, mustFrame(EventTyping, typingPayload{
		ConversationID: active,
		IsTyping:       isTyping,
	}))
}

// MarkRead asks the server to mark the active conversation read up to and
// including messageID, or everything when messageID is empty.
func (s *Session) MarkRead(messageID string) {
	conn, active := s.usableConn()
	if conn == nil || active == "" {
		return
	}
	s.write(conn, mustFrame(EventMarkRead, markReadPayload{
		ConversationID: active,
		MessageID:      messageID,
	}))
}

func (s *Session) usableConn() (*websocket.Conn, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnected || s.conn == nil {
		return nil, ""
	}
	return s.conn, s.active
}

// attach installs a fresh connection and performs the deferred or re-join of
// the active room.
func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	active := s.active
	s.joined = active
	s.mu.Unlock()

	s.setStatus(StatusConnected)
	if active != "" {
		s.write(conn, mustFrame(EventJoinConversation, roomPayload{ConversationID: active}))
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err == nil {
			s.dispatch(data)
			continue
		}

		if s.isClosed() {
			return
		}
		_ = conn.Close()

		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.log.Info().Err(err).Msg("server closed the connection, reconnecting")
		} else {
			s.log.Warn().Err(err).Msg("connection dropped, reconnecting")
		}

		s.setStatus(StatusConnecting)
		next, rerr := s.dialWithBackoff(context.Background())
		if rerr != nil {
			s.setStatus(StatusDisconnected)
			s.fireError(fmt.Errorf("reconnect failed: %w", rerr))
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = next.Close()
			return
		}
		s.mu.Unlock()
		s.attach(next)
	}
}

// dialWithBackoff dials with increasing delay between bounded attempts. Auth
// rejections and session teardown abort immediately.
func (s *Session) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.ReconnectDelay
	policy.MaxInterval = s.cfg.ReconnectDelayMax
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	operation := func() error {
		if s.isClosed() {
			return backoff.Permanent(ErrSessionClosed)
		}
		c, err := s.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			s.log.Debug().Err(err).Msg("dial attempt failed")
			return err
		}
		conn = c
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, s.cfg.ReconnectAttempts), ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

// dispatch decodes one inbound frame and invokes the matching handler.
// Malformed frames and events missing their id are dropped, never raised;
// nothing read off the wire may crash the session.
func (s *Session) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}

	switch frame.Event {
	case EventNewMessage:
		var msg conversation.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.ID == "" {
			s.log.Debug().Msg("dropping new_message without id")
			return
		}
		if s.handlers.OnNewMessage != nil {
			s.handlers.OnNewMessage(msg)
		}

	case EventUserTyping:
		var p userTypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.UserID == "" {
			s.log.Debug().Msg("dropping malformed user_typing")
			return
		}
		if s.handlers.OnTyping != nil {
			s.handlers.OnTyping(p.UserID, p.IsTyping)
		}

	case EventMessageRead:
		var p messageReadPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.MessageID == "" {
			s.log.Debug().Msg("dropping malformed message_read")
			return
		}
		if s.handlers.OnMessageRead != nil {
			s.handlers.OnMessageRead(p.MessageID)
		}

	case EventMessagesRead:
		var p messagesReadPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || len(p.MessageIDs) == 0 {
			s.log.Debug().Msg("dropping malformed messages_read")
			return
		}
		if s.handlers.OnMessagesRead != nil {
			s.handlers.OnMessagesRead(p.MessageIDs)
		}

	case EventConversationUpdated:
		var p ConversationUpdate
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.ConversationID == "" {
			s.log.Debug().Msg("dropping malformed conversation_updated")
			return
		}
		if s.handlers.OnConversationUpdated != nil {
			s.handlers.OnConversationUpdated(p)
		}

	default:
		s.log.Debug().Str("event", frame.Event).Msg("ignoring unknown event")
	}
}

func (s *Session) write(conn *websocket.Conn, frame Frame) {
	s.writeMu.Lock()
	err := conn.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Warn().Err(err).Str("event", frame.Event).Msg("write failed")
		s.fireError(fmt.Errorf("write %s: %w", frame.Event, err))
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	if status != StatusConnected {
		s.joined = ""
	}
	s.mu.Unlock()

	if s.handlers.OnStatus != nil {
		s.handlers.OnStatus(status)
	}
}

func (s *Session) fireError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
