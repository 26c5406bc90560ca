package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/thronecompanions/throne/internal/identity"
	"github.com/thronecompanions/throne/internal/protocol"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// Channels recorded in conversation logs.
const (
	ChannelHTTP      = "chat_http"
	ChannelWebSocket = "chat_ws"
)

// AdminChecker decides whether a request carries an admin credential.
type AdminChecker interface {
	IsAdminRequest(r *http.Request) bool
}

// Handler serves the chat endpoint over HTTP and WebSocket.
type Handler struct {
	svc            *Service
	admins         AdminChecker
	maxBodySize    int64
	originPatterns []string
	insecureOrigin bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMaxBodySize limits chat request bodies and frames.
func WithMaxBodySize(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodySize = n
		}
	}
}

// WithOriginPatterns sets the WebSocket origins accepted besides the request
// host. Insecure skips the origin check entirely, for development.
func WithOriginPatterns(patterns []string, insecure bool) HandlerOption {
	return func(h *Handler) {
		h.originPatterns = patterns
		h.insecureOrigin = insecure
	}
}

// NewHandler creates a chat handler.
func NewHandler(svc *Service, admins AdminChecker, opts ...HandlerOption) *Handler {
	h := &Handler{
		svc:         svc,
		admins:      admins,
		maxBodySize: defaultMaxRequestBodySize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers chat routes (requires visitor identity).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Get("/ws/chat", h.HandleWebSocket)
}

func (h *Handler) isAdmin(r *http.Request) bool {
	return h.admins != nil && h.admins.IsAdminRequest(r)
}

// HandleChat handles POST /api/chat requests.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		writeFailure(w, fail(http.StatusUnauthorized, protocol.CodeUnauthorized, "unauthorized"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, fail(http.StatusRequestEntityTooLarge, protocol.CodeInvalidRequest, "request body too large"))
			return
		}
		writeFailure(w, fail(http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid request body"))
		return
	}

	res, err := h.svc.Handle(r.Context(), Exchange{
		VisitorID: visitorID,
		IsAdmin:   h.isAdmin(r),
		Channel:   ChannelHTTP,
		RequestID: chiMiddleware.GetReqID(r.Context()),
	}, req)
	if err != nil {
		writeFailure(w, asFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, protocol.Encode(res))
}

// HandleWebSocket handles GET /ws/chat. Each text frame carries one chat
// request and is answered with exactly one envelope frame.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		writeFailure(w, fail(http.StatusUnauthorized, protocol.CodeUnauthorized, "unauthorized"))
		return
	}
	isAdmin := h.isAdmin(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns,
		InsecureSkipVerify: h.insecureOrigin,
	})
	if err != nil {
		slog.Warn("Chat socket upgrade failed", "visitor_id", visitorID, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(h.maxBodySize)

	ctx := r.Context()
	slog.Info("Chat socket connected", "visitor_id", visitorID)
	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				slog.Debug("Chat socket read ended", "visitor_id", visitorID, "error", err)
			}
			slog.Info("Chat socket disconnected", "visitor_id", visitorID)
			return
		}

		env := h.handleFrame(ctx, visitorID, isAdmin, typ, frame)
		raw, err := json.Marshal(env)
		if err != nil {
			slog.Warn("failed to marshal chat frame", "error", err)
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
			slog.Warn("failed to write chat frame", "visitor_id", visitorID, "error", err)
			return
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, visitorID string, isAdmin bool, typ websocket.MessageType, frame []byte) protocol.Envelope {
	if typ != websocket.MessageText {
		return errorFrame(fail(http.StatusBadRequest, protocol.CodeInvalidRequest, "text frames only"))
	}
	var req protocol.ChatRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return errorFrame(fail(http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid request frame"))
	}
	res, err := h.svc.Handle(ctx, Exchange{
		VisitorID: visitorID,
		IsAdmin:   isAdmin,
		Channel:   ChannelWebSocket,
	}, req)
	if err != nil {
		return errorFrame(asFailure(err))
	}
	return protocol.Encode(res)
}

func asFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return fail(http.StatusInternalServerError, protocol.CodeInternal, "internal error")
}

func errorFrame(f *Failure) protocol.Envelope {
	env := protocol.Envelope{
		Type:         protocol.TypeError,
		Code:         f.Body.Code,
		Error:        f.Body.Error,
		RequiredTier: f.Body.RequiredTier,
	}
	if f.Body.Used != nil {
		env.Used = *f.Body.Used
	}
	return env
}

func writeFailure(w http.ResponseWriter, f *Failure) {
	writeJSON(w, f.Status, f.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
