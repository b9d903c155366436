package realtime_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xseppuk/teamly-chat/internal/auth"
	"github.com/0xseppuk/teamly-chat/realtime"
	"github.com/0xseppuk/teamly-chat/store/conversation"
	"github.com/0xseppuk/teamly-chat/tests/testutil"
)

const testSecret = "test-secret"

func newServer(t *testing.T) *testutil.ChatServer {
	t.Helper()
	srv := testutil.NewChatServer(testSecret)
	t.Cleanup(srv.Close)
	return srv
}

func newSession(t *testing.T, srv *testutil.ChatServer, token string, handlers realtime.Handlers) *realtime.Session {
	t.Helper()
	s := realtime.NewSession(realtime.Config{
		URL:               srv.SocketURL(),
		Token:             token,
		ReconnectAttempts: 3,
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectDelayMax: 100 * time.Millisecond,
		Logger:            zerolog.Nop(),
	}, handlers)
	t.Cleanup(s.Close)
	return s
}

func connect(t *testing.T, s *realtime.Session) {
	t.Helper()
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, realtime.StatusConnected, s.Status())
}

func TestConnectFailsFastWithoutToken(t *testing.T) {
	var gotErr error
	s := realtime.NewSession(realtime.Config{
		URL:    "ws://127.0.0.1:0/chat",
		Token:  "   ",
		Logger: zerolog.Nop(),
	}, realtime.Handlers{OnError: func(err error) { gotErr = err }})
	defer s.Close()

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, realtime.ErrMissingToken)
	assert.Equal(t, realtime.StatusError, s.Status())
	assert.ErrorIs(t, gotErr, realtime.ErrMissingToken)
}

func TestConnectFailsFastOnExpiredToken(t *testing.T) {
	expired, err := auth.NewAuthenticator(testSecret, "teamly-test", -time.Minute).
		GenerateToken("u1", "viewer")
	require.NoError(t, err)

	s := realtime.NewSession(realtime.Config{
		URL:    "ws://127.0.0.1:0/chat",
		Token:  expired,
		Logger: zerolog.Nop(),
	}, realtime.Handlers{})
	defer s.Close()

	require.ErrorIs(t, s.Connect(context.Background()), auth.ErrExpiredToken)
	assert.Equal(t, realtime.StatusError, s.Status())
}

func TestConnectRejectedTokenDoesNotRetry(t *testing.T) {
	srv := newServer(t)
	forged, err := auth.NewAuthenticator("wrong-secret", "teamly-test", time.Hour).
		GenerateToken("u1", "viewer")
	require.NoError(t, err)

	s := newSession(t, srv, forged, realtime.Handlers{})

	start := time.Now()
	require.ErrorIs(t, s.Connect(context.Background()), realtime.ErrAuthRejected)
	assert.Equal(t, realtime.StatusError, s.Status())
	assert.Less(t, time.Since(start), time.Second, "rejection must not enter the retry loop")
}

func TestJoinDeferredUntilConnected(t *testing.T) {
	srv := newServer(t)
	token := srv.Token("u1", "viewer")
	s := newSession(t, srv, token, realtime.Handlers{})

	s.SetActiveConversation("c1")
	connect(t, s)

	frame, ok := srv.WaitForFrame("join_conversation", time.Second)
	require.True(t, ok, "deferred join must fire once connected")
	assert.JSONEq(t, `{"conversation_id":"c1"}`, string(frame.Data))

	require.Eventually(t, func() bool { return srv.RoomOf("u1") == "c1" },
		time.Second, 10*time.Millisecond)
}

func TestSwitchEmitsLeaveThenJoin(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv, srv.Token("u1", "viewer"), realtime.Handlers{})
	connect(t, s)

	s.SetActiveConversation("c1")
	_, ok := srv.WaitForFrame("join_conversation", time.Second)
	require.True(t, ok)

	s.SetActiveConversation("c2")
	_, ok = srv.WaitForFrame("join_conversation", time.Second)
	require.True(t, ok)

	events := srv.ReceivedEvents("u1")
	require.Equal(t, []string{"join_conversation", "leave_conversation", "join_conversation"}, events)

	frames := srv.Received()
	assert.JSONEq(t, `{"conversation_id":"c1"}`, string(frames[1].Data), "the previous room is left first")
	assert.JSONEq(t, `{"conversation_id":"c2"}`, string(frames[2].Data))
}

func TestSetActiveConversationIdempotent(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv, srv.Token("u1", "viewer"), realtime.Handlers{})
	connect(t, s)

	s.SetActiveConversation("c1")
	s.SetActiveConversation("c1")
	s.SetActiveConversation("c1")

	_, ok := srv.WaitForFrame("join_conversation", time.Second)
	require.True(t, ok)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"join_conversation"}, srv.ReceivedEvents("u1"),
		"re-declaring the active conversation must not rejoin")
}

func TestSendMessageTrimsAndDropsEmpty(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv, srv.Token("u1", "viewer"), realtime.Handlers{})
	connect(t, s)
	s.SetActiveConversation("c1")

	s.SendMessage("   ")
	s.SendMessage("\n\t")
	s.SendMessage("  hello there  ")

	frame, ok := srv.WaitForFrame("send_message", time.Second)
	require.True(t, ok)
	assert.JSONEq(t, `{"conversation_id":"c1","content":"hello there"}`, string(frame.Data))

	time.Sleep(50 * time.Millisecond)
	var sends int
	for _, e := range srv.ReceivedEvents("u1") {
		if e == "send_message" {
			sends++
		}
	}
	assert.Equal(t, 1, sends, "whitespace-only sends are dropped")
}

func TestActionsNoopWithoutActiveConversation(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv, srv.Token("u1", "viewer"), realtime.Handlers{})
	connect(t, s)

	s.SendMessage("hello")
	s.SendTyping(true)
	s.MarkRead("")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, srv.ReceivedEvents("u1"))
}

func TestTypingAndMarkReadFrames(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv, srv.Token("u1", "viewer"), realtime.Handlers{})
	connect(t, s)
	s.SetActiveConversation("c1")
	_, ok := srv.WaitForFrame("join_conversation", time.Second)
	require.True(t, ok)

	s.SendTyping(true)
	frame, ok := srv.WaitForFrame("typing", time.Second)
	require.True(t, ok)
	assert.JSONEq(t, `{"conversation_id":"c1","is_typing":true}`, string(frame.Data))

	s.MarkRead("m7")
	frame, ok = srv.WaitForFrame("mark_read", time.Second)
	require.True(t, ok)
	assert.JSONEq(t, `{"conversation_id":"c1","message_id":"m7"}`, string(frame.Data))

	s.MarkRead("")
	frame, ok = srv.WaitForFrame("mark_read", time.Second)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	_, hasID := payload["message_id"]
	assert.False(t, hasID, "marking everything read omits the message id")
}

func TestInboundDispatch(t *testing.T) {
	srv := newServer(t)

	msgCh := make(chan conversation.Message, 4)
	typingCh := make(chan string, 4)
	readCh := make(chan string, 4)
	batchCh := make(chan []string, 4)
	updateCh := make(chan realtime.ConversationUpdate, 4)

	s := newSession(t, srv, srv.Token("u1", "viewer"), realtime.Handlers{
		OnNewMessage:   func(m conversation.Message) { msgCh <- m },
		OnTyping:       func(userID string, isTyping bool) { typingCh <- userID },
		OnMessageRead:  func(id string) { readCh <- id },
		OnMessagesRead: func(ids []string) { batchCh <- ids },
		OnConversationUpdated: func(u realtime.ConversationUpdate) {
			updateCh <- u
		},
	})
	connect(t, s)
	require.True(t, srv.WaitForConnections(1, time.Second))

	srv.Emit("u1", "new_message", conversation.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi",
		CreatedAt: time.Now().UTC(),
	})
	srv.Emit("u1", "user_typing", map[string]any{"user_id": "u2", "is_typing": true})
	srv.Emit("u1", "message_read", map[string]any{"message_id": "m1"})
	srv.Emit("u1", "messages_read", map[string]any{"message_ids": []string{"m1", "m2"}})
	srv.Emit("u1", "conversation_updated", map[string]any{
		"conversation_id": "c9",
		"last_message":    conversation.Message{ID: "m3", CreatedAt: time.Now().UTC()},
	})

	select {
	case m := <-msgCh:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "hi", m.Content)
	case <-time.After(time.Second):
		t.Fatal("new_message not dispatched")
	}
	select {
	case u := <-typingCh:
		assert.Equal(t, "u2", u)
	case <-time.After(time.Second):
		t.Fatal("user_typing not dispatched")
	}
	select {
	case id := <-readCh:
		assert.Equal(t, "m1", id)
	case <-time.After(time.Second):
		t.Fatal("message_read not dispatched")
	}
	select {
	case ids := <-batchCh:
		assert.Equal(t, []string{"m1", "m2"}, ids)
	case <-time.After(time.Second):
		t.Fatal("messages_read not dispatched")
	}
	select {
	case u := <-updateCh:
		assert.Equal(t, "c9", u.ConversationID, "summary updates arrive for any conversation, joined or not")
		assert.Equal(t, "m3", u.LastMessage.ID)
	case <-time.After(time.Second):
		t.Fatal("conversation_updated not dispatched")
	}
}

func TestMalformedEventsDroppedSilently(t *testing.T) {
	srv := newServer(t)

	msgCh := make(chan conversation.Message, 4)
	s := newSession(t, srv, srv.Token("u1", "viewer"), realtime.Handlers{
		OnNewMessage: func(m conversation.Message) { msgCh <- m },
	})
	connect(t, s)
	require.True(t, srv.WaitForConnections(1, time.Second))

	srv.EmitRaw("u1", []byte(`not json at all`))
	srv.EmitRaw("u1", []byte(`{"event":"new_message","data":{"content":"no id"}}`))
	srv.EmitRaw("u1", []byte(`{"event":"message_read","data":{}}`))
	srv.Emit("u1", "new_message", conversation.Message{ID: "m1", ConversationID: "c1", CreatedAt: time.Now().UTC()})

	select {
	case m := <-msgCh:
		assert.Equal(t, "m1", m.ID, "session keeps dispatching after malformed frames")
	case <-time.After(time.Second):
		t.Fatal("valid frame after garbage was not dispatched")
	}
	assert.Equal(t, realtime.StatusConnected, s.Status())
}

func TestServerDisconnectReconnectsAndRejoins(t *testing.T) {
	srv := newServer(t)
	statusCh := make(chan realtime.Status, 16)
	s := newSession(t, srv, srv.Token("u1", "viewer"), realtime.Handlers{
		OnStatus: func(st realtime.Status) { statusCh <- st },
	})
	require.NoError(t, s.Connect(context.Background()))
	s.SetActiveConversation("c1")
	require.Eventually(t, func() bool { return srv.RoomOf("u1") == "c1" },
		time.Second, 10*time.Millisecond)

	srv.DisconnectAll()

	require.True(t, srv.WaitForConnections(1, 2*time.Second), "client must reconnect on its own")
	require.Eventually(t, func() bool { return srv.RoomOf("u1") == "c1" },
		2*time.Second, 10*time.Millisecond, "active room is rejoined after reconnect")
	require.Eventually(t, func() bool { return s.Status() == realtime.StatusConnected },
		2*time.Second, 10*time.Millisecond)

	var saw []realtime.Status
drain:
	for {
		select {
		case st := <-statusCh:
			saw = append(saw, st)
		default:
			break drain
		}
	}
	assert.Contains(t, saw, realtime.StatusConnecting, "reconnect is surfaced through the status callback")
}

func TestReconnectExhaustionSettlesDisconnected(t *testing.T) {
	srv := testutil.NewChatServer(testSecret)
	errCh := make(chan error, 4)
	s := newSession(t, srv, srv.Token("u1", "viewer"), realtime.Handlers{
		OnError: func(err error) { errCh <- err },
	})
	connect(t, s)

	// The backend goes away entirely; bounded retries must give up.
	srv.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exhausted reconnect never surfaced an error")
	}
	require.Eventually(t, func() bool { return s.Status() == realtime.StatusDisconnected },
		time.Second, 10*time.Millisecond)
}
