// Package pce is the Go client for the personal context engine gateway:
// session issuance, single-turn chat, streamed turns over websocket, and
// the session summary endpoint.
package pce

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/personal-context-engine/internal/jsonx"
)

// Client talks to one engine gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	sessionID  string
}

// ClientConfig configures the client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// Token and SessionID resume an existing session; leave both empty
	// and call CreateSession to start a new one.
	Token     string
	SessionID string
}

// NewClient creates a gateway client. The default timeout covers a worst
// case turn, every regeneration attempt included.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		token:      config.Token,
		sessionID:  config.SessionID,
	}
}

// SessionID returns the session the client is bound to.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Token returns the current session token.
func (c *Client) Token() string {
	return c.token
}

// CreateSession asks the gateway for a fresh session and binds the client
// to it.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	var resp Session
	if err := c.post(ctx, "/api/sessions", nil, &resp); err != nil {
		return nil, err
	}
	c.sessionID = resp.ID
	c.token = resp.Token
	return &resp, nil
}

// Chat runs one turn and waits for the full reply.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*Reply, error) {
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	var resp Reply
	if err := c.post(ctx, "/api/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ask is the one-line form of Chat.
func (c *Client) Ask(ctx context.Context, message string) (string, error) {
	reply, err := c.Chat(ctx, &ChatRequest{Message: message})
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// Summary fetches the digest of the bound session.
func (c *Client) Summary(ctx context.Context) (*SessionSummary, error) {
	if c.sessionID == "" {
		return nil, fmt.Errorf("no session bound; call CreateSession first")
	}
	var resp SessionSummary
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(c.sessionID)+"/summary", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks gateway liveness.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats fetches the engine counters.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	if err := c.get(ctx, "/api/stats", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream is one open websocket conversation. Send and Recv each must not
// be called from more than one goroutine at a time.
type Stream struct {
	conn *websocket.Conn
}

// OpenStream dials the websocket endpoint for the bound session. The token
// travels as a query parameter, the same way browser clients send it.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	if c.sessionID == "" || c.token == "" {
		return nil, fmt.Errorf("no session bound; call CreateSession first")
	}
	u := c.wsBase() + "/ws/chat?session_id=" + url.QueryEscape(c.sessionID) + "&token=" + url.QueryEscape(c.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &APIError{Status: resp.StatusCode, Message: "stream dial rejected"}
		}
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	resp.Body.Close()
	return &Stream{conn: conn}, nil
}

// Send submits one message on the stream. The turn's frames follow on
// Recv: fragments in order, then one metadata frame.
func (s *Stream) Send(msg *ChatMessage) error {
	data, err := jsonx.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv blocks for the next frame.
func (s *Stream) Recv() (*StreamEvent, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var ev StreamEvent
	if err := jsonx.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}
	return &ev, nil
}

// Close closes the websocket.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (c *Client) wsBase() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://")
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://")
	default:
		return "ws://" + c.baseURL
	}
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (c *Client) post(ctx context.Context, path string, body, resp interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := jsonx.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req, resp)
}

func (c *Client) get(ctx context.Context, path string, resp interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req, resp)
}

func (c *Client) do(req *http.Request, resp interface{}) error {
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		message := strings.TrimSpace(string(data))
		var body struct {
			Error string `json:"error"`
		}
		if jsonx.Unmarshal(data, &body) == nil && body.Error != "" {
			message = body.Error
		}
		return &APIError{Status: httpResp.StatusCode, Message: message}
	}

	if resp != nil {
		return jsonx.NewDecoder(httpResp.Body).Decode(resp)
	}
	return nil
}
