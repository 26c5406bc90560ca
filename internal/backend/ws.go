package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/thronecompanions/throne/internal/protocol"
)

// WSTransport sends chat requests over a single WebSocket connection, one
// request and one response frame at a time. The connection is dialed lazily
// and redialed after a failure.
type WSTransport struct {
	client *Client

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport creates a WebSocket chat transport that shares identity with client.
func NewWSTransport(client *Client) *WSTransport {
	return &WSTransport{client: client}
}

func (t *WSTransport) wsURL() string {
	base := t.client.BaseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/chat"
}

func (t *WSTransport) dialLocked(ctx context.Context, token string) error {
	if t.conn != nil {
		return nil
	}
	h := http.Header{}
	t.client.headers(h, token)

	conn, resp, err := websocket.Dial(ctx, t.wsURL(), &websocket.DialOptions{
		HTTPClient: t.client.http,
		HTTPHeader: h,
	})
	if err != nil {
		return fmt.Errorf("%w: dial chat socket: %w", ErrUnavailable, err)
	}
	if resp != nil {
		t.client.rememberVisitor(ctx, resp.Header.Get(VisitorHeader))
	}
	t.conn = conn
	return nil
}

// SendChat writes req as a text frame and waits for the matching response.
func (t *WSTransport) SendChat(ctx context.Context, token string, req protocol.ChatRequest) (protocol.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.dialLocked(ctx, token); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("%w: write chat frame: %w", ErrUnavailable, err)
	}

	_, frame, err := t.conn.Read(ctx)
	if err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("%w: read chat frame: %w", ErrUnavailable, err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrMalformed, err)
	}
	if env.Type == protocol.TypeError {
		var used *int
		if env.Code == protocol.CodeQuotaExceeded {
			used = &env.Used
		}
		return nil, errorFromBody(0, env.Code, env.Error, used, env.RequiredTier)
	}
	return protocol.Decode(env)
}

func (t *WSTransport) dropLocked() {
	if t.conn == nil {
		return
	}
	_ = t.conn.CloseNow()
	t.conn = nil
}

// Close closes the connection if one is open.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "client closing")
	t.conn = nil
	return err
}
