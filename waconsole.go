// Package waconsole is the client core of a WhatsApp Business operator
// console: a realtime connection to the console backend, a REST client, and
// the inbox reconciliation that keeps conversation state consistent while
// events and sends race each other.
//
// Example:
//
//	client := waconsole.NewClient(token, waconsole.WithBaseURL("https://console.example.com"))
//	rt := client.Realtime(nil)
//
//	inbox := waconsole.NewInbox(client, rt)
//	_ = inbox.Mount(ctx, "agent-7")
//	defer inbox.Unmount()
//
//	_ = inbox.Select(ctx, "conv-1")
//	inbox.SetComposer("Hello!")
//	_ = inbox.Send(ctx)
package waconsole

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Environment
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the console backend's REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a REST client. token may be empty for backends without auth.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: log.Logger,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RealtimeURL derives the WebSocket endpoint from the REST base URL.
func (c *Client) RealtimeURL() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return DefaultRealtimeURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// Realtime builds a RealtimeClient for this backend. Unset URL, HTTPClient
// and Authorization header are taken from the REST client.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.URL == "" {
		cfg.URL = c.RealtimeURL()
	}
	if cfg.Header == nil && c.token != "" {
		cfg.Header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	if cfg.Logger == nil {
		l := c.log
		cfg.Logger = &l
	}
	return NewRealtimeClient(&cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("api request")
	if resp.StatusCode >= 400 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	if gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		e.Code = firstString(r, "code", "error.code")
		e.Message = firstString(r, "error.message", "error", "message")
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// listItems returns the elements of a bare array or of a {data|items|<key>: [...]} envelope.
func listItems(data []byte, key string) ([]gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to unmarshal response: invalid JSON")
	}
	r := gjson.ParseBytes(data)
	if r.IsArray() {
		return r.Array(), nil
	}
	for _, p := range []string{"data", "data." + key, key, "items"} {
		if v := r.Get(p); v.IsArray() {
			return v.Array(), nil
		}
	}
	return nil, fmt.Errorf("failed to unmarshal response: no %s list", key)
}

// ============================================================================
// Inbox API
// ============================================================================

// ListConversations returns the conversations visible to the operator.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := listItems(data, "conversations")
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(items))
	for _, it := range items {
		if conv := ParseConversation(it); conv.ID != "" {
			out = append(out, conv)
		}
	}
	return out, nil
}

// ListMessages returns the messages of one conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.doRequest(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := listItems(data, "messages")
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(items))
	for _, it := range items {
		m := ParseMessage(it)
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	return out, nil
}

// SendMessage submits an operator message. A response with success=false is
// returned as a result, not an error.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error) {
	data, err := c.doRequest(ctx, "POST", "/api/messages/send", req, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to unmarshal response: invalid JSON")
	}
	r := gjson.ParseBytes(data)
	res := &SendMessageResult{Success: true}
	if s := r.Get("success"); s.Exists() {
		res.Success = s.Bool()
	}
	if !res.Success {
		res.Error = firstString(r, "error", "error.message", "message")
		if res.Error == "" {
			res.Error = "send failed"
		}
		return res, nil
	}
	for _, p := range []string{"message", "data.message", "data"} {
		if v := r.Get(p); v.IsObject() {
			m := ParseMessage(v)
			if m.ConversationID == "" {
				m.ConversationID = req.ConversationID
			}
			m.Sender = SenderAgent
			res.Message = &m
			break
		}
	}
	return res, nil
}

// MarkAsRead clears the unread count of a conversation on the backend.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "POST", "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// GetBroadcastStats returns the current delivery counters of a broadcast.
func (c *Client) GetBroadcastStats(ctx context.Context, broadcastID string) (*BroadcastStats, error) {
	data, err := c.doRequest(ctx, "GET", "/api/broadcasts/"+url.PathEscape(broadcastID)+"/stats", nil, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to unmarshal response: invalid JSON")
	}
	r := gjson.ParseBytes(data)
	if d := r.Get("data"); d.IsObject() {
		r = d
	}
	s := ParseBroadcastStats(r)
	if s.BroadcastID == "" {
		s.BroadcastID = broadcastID
	}
	return &s, nil
}
