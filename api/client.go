// Package api consumes the Teamly REST endpoints this core needs for
// bootstrap data: the viewer's identity, the conversation snapshot, and
// paginated message history. All durable state lives behind these endpoints;
// the client never persists anything locally.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xseppuk/teamly-chat/store/conversation"
)

var ErrUnauthorized = errors.New("unauthorized")

const defaultTimeout = 15 * time.Second

// Client calls the REST collaborators with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a Client for the given API base URL.
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     logger.With().Str("component", "api").Logger(),
	}
}

// Me fetches the current user's identity.
func (c *Client) Me(ctx context.Context) (conversation.User, error) {
	var resp struct {
		User conversation.User `json:"user"`
	}
	if err := c.get(ctx, "/api/users/me", nil, &resp); err != nil {
		return conversation.User{}, fmt.Errorf("fetch current user: %w", err)
	}
	return resp.User, nil
}

// Conversations fetches the viewer's full conversation snapshot.
func (c *Client) Conversations(ctx context.Context) ([]conversation.Conversation, error) {
	var resp struct {
		Conversations []conversation.Conversation `json:"conversations"`
	}
	if err := c.get(ctx, "/api/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return resp.Conversations, nil
}

// MessagesPage is one page of historical messages. The server does not
// guarantee ordering; the message store sorts ascending before use.
type MessagesPage struct {
	ConversationID string                 `json:"conversation_id"`
	Messages       []conversation.Message `json:"messages"`
	Total          int                    `json:"total"`
	HasMore        bool                   `json:"has_more"`
}

// Messages fetches one page of history for a conversation. Callers must
// compare ConversationID against the currently open conversation before
// applying the page; a late response for a conversation no longer open is
// stale and gets discarded.
func (c *Client) Messages(ctx context.Context, conversationID string, limit, offset int) (MessagesPage, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))

	var page MessagesPage
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, path, query, &page); err != nil {
		return MessagesPage{}, fmt.Errorf("fetch messages for %s: %w", conversationID, err)
	}
	if page.ConversationID == "" {
		page.ConversationID = conversationID
	}
	return page, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("unexpected response")
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
