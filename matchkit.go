// Package matchkit is the Amora chat client SDK.
//
// It keeps a client's view of one match conversation consistent with the
// server under an unreliable push channel: realtime delivery over a
// websocket when one is available, transparent adaptive polling when it is
// not, and reconciliation of optimistic local sends against the server's
// authoritative copy.
//
// Example:
//
//	client := matchkit.NewClient(token)
//	session, _ := client.OpenSession(ctx, "match-42", "user-me", nil)
//	defer session.Close()
//
//	session.OnMessagesChanged(func() { render(session.Messages()) })
//	session.SendText("hey :)")
package matchkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.amora.app"
	DefaultTimeout = 30 * time.Second
)

// TokenSource supplies a bearer token on demand. The SDK never manages
// login; hosts wire their session layer in here.
type TokenSource func(ctx context.Context) (string, error)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the Amora chat API.
type Client struct {
	token       string
	tokenSource TokenSource
	baseURL     string
	httpClient  *http.Client
	log         *slog.Logger

	Messages *MessagesClient
	Matches  *MatchesClient
	Presence *PresenceClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenSource routes bearer-token lookup through the host's session
// provider instead of the static token.
func WithTokenSource(src TokenSource) ClientOption {
	return func(c *Client) { c.tokenSource = src }
}

// WithLogger sets the logger used by the client and its sessions. The SDK
// is silent without one.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client authenticating with the given bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: slog.New(discardHandler{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Messages = &MessagesClient{client: c}
	c.Matches = &MatchesClient{client: c}
	c.Presence = &PresenceClient{client: c}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.tokenSource != nil {
		return c.tokenSource(ctx)
	}
	return c.token, nil
}

// wsURL derives the push endpoint from the base URL.
func (c *Client) wsURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
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

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, fmt.Errorf("token source: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func resultErr(r *Result, op string) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("%s failed", op)
}

// ============================================================================
// Sub-clients
// ============================================================================

// MessagesClient sends and pulls messages for a match.
type MessagesClient struct{ client *Client }

// Send delivers a message over REST and returns the server identity. Used
// when the push channel is unavailable and by one-shot CLI sends.
func (m *MessagesClient) Send(ctx context.Context, matchID string, kind MessageKind, content, mediaRef string) (*SendAck, error) {
	payload := map[string]any{"content": content, "kind": kind}
	if mediaRef != "" {
		payload["mediaRef"] = mediaRef
	}
	res, err := m.client.do(ctx, "POST", "/api/matches/"+matchID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "send")
	}
	var ack SendAck
	if err := res.Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to decode send ack: %w", err)
	}
	return &ack, nil
}

// Pull fetches messages newer than since plus presence and read-state
// deltas for the peer. A zero since returns the recent history.
func (m *MessagesClient) Pull(ctx context.Context, matchID string, since time.Time) (*PollResult, error) {
	var query map[string]string
	if !since.IsZero() {
		query = map[string]string{"since": since.UTC().Format(time.RFC3339Nano)}
	}
	res, err := m.client.do(ctx, "GET", "/api/matches/"+matchID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "pull")
	}
	var out PollResult
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode pull result: %w", err)
	}
	return &out, nil
}

// MatchesClient lists matches and manages per-match state.
type MatchesClient struct{ client *Client }

func (mc *MatchesClient) List(ctx context.Context) ([]Match, error) {
	res, err := mc.client.do(ctx, "GET", "/api/matches", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "list matches")
	}
	var out []Match
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode matches: %w", err)
	}
	return out, nil
}

func (mc *MatchesClient) Get(ctx context.Context, matchID string) (*Match, error) {
	res, err := mc.client.do(ctx, "GET", "/api/matches/"+matchID, nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "get match")
	}
	var out Match
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode match: %w", err)
	}
	return &out, nil
}

// MarkRead acknowledges everything delivered in the match as read.
// Best effort: a failed call is retried implicitly by the next poll cycle
// picking up the same unread messages.
func (mc *MatchesClient) MarkRead(ctx context.Context, matchID string) error {
	res, err := mc.client.do(ctx, "POST", "/api/matches/"+matchID+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "mark read")
	}
	return nil
}

// PresenceClient keeps the user's server-side liveness key alive.
type PresenceClient struct{ client *Client }

func (p *PresenceClient) Heartbeat(ctx context.Context) error {
	res, err := p.client.do(ctx, "POST", "/api/presence/heartbeat", nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "heartbeat")
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

// discardHandler drops every record; it backs the default silent logger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
