// Command teamly-chat is a terminal client for the Teamly conversation
// backend. It bootstraps the viewer's identity and conversation list over
// REST, opens the realtime session, and mirrors the web client's thread view
// on stdin/stdout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xseppuk/teamly-chat/api"
	"github.com/0xseppuk/teamly-chat/chattime"
	"github.com/0xseppuk/teamly-chat/internal/config"
	"github.com/0xseppuk/teamly-chat/realtime"
	"github.com/0xseppuk/teamly-chat/store/conversation"
	"github.com/0xseppuk/teamly-chat/store/message"
)

var (
	configPath = flag.String("config", "", "path to teamly.toml")
	openID     = flag.String("open", "", "conversation id to open on start")
)

const historyPageSize = 50

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	ctx := context.Background()
	rest := api.NewClient(cfg.API.BaseURL, cfg.Auth.Token, logger)

	me, err := rest.Me(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to fetch identity")
	}

	snapshot, err := rest.Conversations(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to fetch conversations")
	}

	list := conversation.NewList()
	list.Hydrate(snapshot, *openID)

	app := &app{
		me:     me,
		rest:   rest,
		list:   list,
		logger: logger,
	}

	app.session = realtime.NewSession(realtime.Config{
		URL:               cfg.Chat.SocketURL,
		Token:             cfg.Auth.Token,
		ReconnectAttempts: cfg.Reconnect.Attempts,
		ReconnectDelay:    cfg.Reconnect.Delay,
		ReconnectDelayMax: cfg.Reconnect.DelayMax,
		Logger:            logger,
	}, realtime.Handlers{
		OnNewMessage:          app.onNewMessage,
		OnTyping:              app.onTyping,
		OnMessageRead:         app.onMessageRead,
		OnMessagesRead:        app.onMessagesRead,
		OnConversationUpdated: app.onConversationUpdated,
		OnStatus:              app.onStatus,
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("realtime error")
		},
	})

	app.thread = message.NewStore(me.ID, func(latestUnreadID string) {
		app.session.MarkRead(latestUnreadID)
		if selected, ok := app.list.Selected(); ok {
			app.list.ClearUnread(selected.ID)
		}
	})

	if err := app.session.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer app.session.Close()

	if selected, ok := list.Selected(); ok {
		app.open(ctx, selected.ID)
	}

	app.printList("")
	app.loop(ctx)
}

type app struct {
	me      conversation.User
	rest    *api.Client
	list    *conversation.List
	thread  *message.Store
	session *realtime.Session
	logger  zerolog.Logger
}

func (a *app) loop(ctx context.Context) {
	fmt.Println("commands: /list [filter], /open <n>, /close, /read, /quit; anything else sends")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return
		case line == "/close":
			a.session.SetActiveConversation("")
			a.thread.Open("")
			_ = a.list.Select("")
		case line == "/read":
			a.session.MarkRead("")
		case strings.HasPrefix(line, "/list"):
			a.printList(strings.TrimSpace(strings.TrimPrefix(line, "/list")))
		case strings.HasPrefix(line, "/open "):
			a.handleOpen(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
		case line != "":
			a.session.SendMessage(line)
		}
	}
}

func (a *app) handleOpen(ctx context.Context, arg string) {
	convos := a.list.Conversations("")
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(convos) {
		fmt.Println("usage: /open <n> (see /list)")
		return
	}
	a.open(ctx, convos[n-1].ID)
}

func (a *app) open(ctx context.Context, conversationID string) {
	if err := a.list.Select(conversationID); err != nil {
		fmt.Println("unknown conversation")
		return
	}
	a.thread.Open(conversationID)
	a.session.SetActiveConversation(conversationID)
	a.thread.SetConnected(a.session.Status() == realtime.StatusConnected)

	fmt.Println("loading history...")
	go func() {
		page, err := a.rest.Messages(ctx, conversationID, historyPageSize, 0)
		if err != nil {
			a.logger.Warn().Err(err).Msg("history fetch failed")
			return
		}
		// A late page for a conversation that is no longer open is stale;
		// the store drops it by conversation id.
		a.thread.SetInitial(page.ConversationID, page.Messages)
		var day string
		for _, m := range a.thread.Messages() {
			if label := chattime.DayLabel(m.CreatedAt, time.Now()); label != day {
				day = label
				fmt.Println("--", label, "--")
			}
			a.printMessage(m)
		}
	}()
}

func (a *app) printList(filter string) {
	convos := a.list.Conversations(filter)
	if len(convos) == 0 {
		fmt.Println("no conversations")
		return
	}
	for i, c := range convos {
		last := "no messages"
		if c.LastMessageAt != nil {
			last = chattime.Day(*c.LastMessageAt) + " " + chattime.Clock(*c.LastMessageAt)
		}
		badge := ""
		if c.UnreadCount > 0 {
			badge = fmt.Sprintf(" [%d unread]", c.UnreadCount)
		}
		fmt.Printf("%2d. %-20s %s%s\n", i+1, c.OtherUser.Nickname, last, badge)
	}
}

func (a *app) printMessage(m conversation.Message) {
	who := m.SenderID
	if m.SenderID == a.me.ID {
		who = "me"
	} else if selected, ok := a.list.Selected(); ok && selected.OtherUser.ID == m.SenderID {
		who = selected.OtherUser.Nickname
	}
	fmt.Printf("[%s] %s: %s\n", chattime.Clock(m.CreatedAt), who, m.Content)
}

func (a *app) onNewMessage(m conversation.Message) {
	a.thread.Append(m)
	a.printMessage(m)
	if selected, ok := a.list.Selected(); ok && selected.ID == m.ConversationID {
		a.list.Touch(m.ConversationID, m.CreatedAt)
	}
}

func (a *app) onTyping(userID string, isTyping bool) {
	selected, ok := a.list.Selected()
	if !ok || selected.OtherUser.ID != userID {
		return
	}
	if isTyping {
		fmt.Printf("%s is typing...\n", selected.OtherUser.Nickname)
	}
}

func (a *app) onMessageRead(messageID string) {
	a.thread.MarkRead(messageID)
}

func (a *app) onMessagesRead(messageIDs []string) {
	a.thread.MarkReadBatch(messageIDs)
}

func (a *app) onConversationUpdated(update realtime.ConversationUpdate) {
	a.list.ApplyUpdate(update.ConversationID, update.LastMessage)
}

func (a *app) onStatus(status realtime.Status) {
	a.thread.SetConnected(status == realtime.StatusConnected)
	switch status {
	case realtime.StatusConnected:
		fmt.Println("-- connected --")
	case realtime.StatusDisconnected, realtime.StatusError:
		fmt.Println("-- offline --")
	}
}
