// Package backend is the visitor-side client for the companion service:
// directory, tiers, credentials, chat, profile and checkout.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/thronecompanions/throne/internal/kv"
	"github.com/thronecompanions/throne/internal/protocol"
)

// VisitorHeader carries the anonymous visitor id for clients without a
// cookie jar. The server echoes it on every response.
const VisitorHeader = "X-Throne-Visitor"

var (
	// ErrCompanionNotFound is returned for a companion id the backend does not know.
	ErrCompanionNotFound = errors.New("companion not found")
	// ErrUnavailable wraps transport failures.
	ErrUnavailable = errors.New("backend unavailable")
)

// Denial kinds.
const (
	DenialQuotaExceeded   = protocol.CodeQuotaExceeded
	DenialUpgradeRequired = protocol.CodeUpgradeRequired
)

// DenialError is an entitlement refusal: the visitor's tier does not allow the
// request or the quota is exhausted.
type DenialError struct {
	Kind         string
	Used         int
	HasUsed      bool
	RequiredTier string
	Message      string
}

func (e *DenialError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind
}

// APIError is any other non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to the backend over HTTP. The visitor id the server assigns is
// remembered in the device store.
type Client struct {
	baseURL string
	http    *http.Client
	store   kv.Store
	logger  *slog.Logger

	mu        sync.Mutex
	visitorID string
}

// New creates a client for baseURL.
func New(ctx context.Context, baseURL string, store kv.Store, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		store:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if raw, err := store.Get(ctx, kv.KeyVisitorID); err == nil {
		c.visitorID = string(raw)
	}
	return c
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string { return c.baseURL }

// VisitorID returns the id the server assigned to this device, if any.
func (c *Client) VisitorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visitorID
}

func (c *Client) rememberVisitor(ctx context.Context, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	changed := id != c.visitorID
	c.visitorID = id
	c.mu.Unlock()
	if !changed {
		return
	}
	if err := c.store.Set(ctx, kv.KeyVisitorID, []byte(id)); err != nil {
		c.logger.Warn("Failed to persist visitor id", "error", err)
	}
}

func (c *Client) headers(h http.Header, token string) {
	if id := c.VisitorID(); id != "" {
		h.Set(VisitorHeader, id)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// do sends a JSON request and decodes a JSON response into out. Non-2xx
// responses are returned as *APIError or *DenialError.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.headers(req.Header, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()
	c.rememberVisitor(ctx, resp.Header.Get(VisitorHeader))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrUnavailable, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", protocol.ErrMalformed, path, err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var body protocol.ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(status)
		}
	}
	return errorFromBody(status, body.Code, body.Error, body.Used, body.RequiredTier)
}

func errorFromBody(status int, code, msg string, used *int, requiredTier string) error {
	switch code {
	case protocol.CodeQuotaExceeded, protocol.CodeUpgradeRequired:
		d := &DenialError{Kind: code, RequiredTier: requiredTier, Message: msg}
		if used != nil {
			d.Used, d.HasUsed = *used, true
		}
		return d
	case protocol.CodeCompanionNotFound:
		return fmt.Errorf("%w: %s", ErrCompanionNotFound, msg)
	}
	return &APIError{Status: status, Code: code, Message: msg}
}
