package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/sealroom/sealroom/internal/auth"
	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/invitation"
)

// Client calls a sealroom node on behalf of the user the bearer token was issued to. It
// implements invitation.Collaborator.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

var _ invitation.Collaborator = (*Client)(nil)

// NewClient builds a client for baseURL. A nil hc uses a client with a 15s timeout.
func NewClient(baseURL, token string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: u, token: token, http: hc}, nil
}

// APIError is a non-2xx response. It unwraps to the matching chat (or auth) sentinel.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case codeNotFound:
		return chat.ErrNotFound
	case codeNotAuthorized:
		return chat.ErrNotAuthorized
	case codeNoOtherParticipants:
		return chat.ErrNoOtherParticipants
	case codeInvalidRequest:
		return chat.ErrInvalidRequest
	case codeAlreadyMember:
		return chat.ErrAlreadyMember
	case codeUnauthenticated:
		return auth.ErrUnauthenticated
	}
	return nil
}

func (c *Client) CreateChat(ctx context.Context, req invitation.CreateChatRequest) (invitation.CreateChatResponse, error) {
	var out invitation.CreateChatResponse
	err := c.do(ctx, http.MethodPost, "/chats", req, &out)
	return out, err
}

func (c *Client) Invite(ctx context.Context, chatID string, req invitation.InviteRequest) (chat.Invitation, error) {
	var out chat.Invitation
	err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/invitations", req, &out)
	return out, err
}

func (c *Client) Join(ctx context.Context, invitationID string, req invitation.JoinRequest) (invitation.JoinResponse, error) {
	var out invitation.JoinResponse
	err := c.do(ctx, http.MethodPost, "/invitations/"+url.PathEscape(invitationID)+"/join", req, &out)
	return out, err
}

func (c *Client) Decline(ctx context.Context, invitationID string) error {
	return c.do(ctx, http.MethodPost, "/invitations/"+url.PathEscape(invitationID)+"/decline", nil, nil)
}

func (c *Client) Leave(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/chats/"+url.PathEscape(chatID)+"/participants/me", nil, nil)
}

// Chat fetches the chat, including its salt.
func (c *Client) Chat(ctx context.Context, chatID string) (chat.Chat, error) {
	var out chat.Chat
	err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, &out)
	return out, err
}

// Participants lists the chat's participants with their public keys.
func (c *Client) Participants(ctx context.Context, chatID string) ([]chat.Participant, error) {
	var out []chat.Participant
	err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/participants", nil, &out)
	return out, err
}

// History returns the sealed messages addressed to the caller. Zero limit means the server default.
func (c *Client) History(ctx context.Context, chatID string, limit int) ([]chat.SealedMessage, error) {
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []chat.SealedMessage
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Sent lists the caller's unanswered invitations in chatID.
func (c *Client) Sent(ctx context.Context, chatID string) ([]chat.Invitation, error) {
	var out []chat.Invitation
	err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/invitations", nil, &out)
	return out, err
}

// Pending lists the invitations addressed to the caller.
func (c *Client) Pending(ctx context.Context) ([]chat.Invitation, error) {
	var out []chat.Invitation
	err := c.do(ctx, http.MethodGet, "/invitations", nil, &out)
	return out, err
}

// DialRealtime opens the realtime WebSocket with the client's token.
func (c *Client) DialRealtime(ctx context.Context) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + RealtimePath

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	opts := &websocket.DialOptions{HTTPHeader: header}
	// websocket.Dial wants cancellation through ctx, not a client-wide timeout
	if c.http.Timeout == 0 {
		opts.HTTPClient = c.http
	}
	conn, resp, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial realtime: %w", auth.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return conn, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	u := c.base.String() + apiPrefix + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb ErrorBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb); err == nil {
			apiErr.Code, apiErr.Detail = eb.Error, eb.Detail
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
