// Package api provides HTTP handlers for the companion API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/billing"
	"github.com/thronecompanions/throne/internal/identity"
	"github.com/thronecompanions/throne/internal/protocol"
	"github.com/thronecompanions/throne/internal/quota"
	"github.com/thronecompanions/throne/internal/store"
)

// maxBodySize bounds JSON request bodies on these endpoints.
const maxBodySize = 64 << 10

// Handler provides the non-chat endpoints.
type Handler struct {
	repo    store.Repository
	tokens  *identity.TokenService
	counter *quota.Counter
	billing *billing.Service
	events  *analytics.Recorder
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, tokens *identity.TokenService, counter *quota.Counter, bill *billing.Service, events *analytics.Recorder) *Handler {
	return &Handler{
		repo:    repo,
		tokens:  tokens,
		counter: counter,
		billing: bill,
		events:  events,
	}
}

// RegisterPublic registers routes that need no visitor identity.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Get("/api/companions", h.ListCompanions)
	r.Get("/api/companions/{id}", h.GetCompanion)
	r.Get("/api/tiers", h.ListTiers)
	r.Post("/api/auth/create-token", h.CreateToken)
	r.Get("/api/auth/verify", h.VerifyToken)
}

// RegisterRoutes registers routes scoped to the calling visitor.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Put("/api/user", h.UpdateUser)
	r.Get("/api/history", h.History)
	r.Post("/api/checkout", h.CreateCheckout)
	r.Get("/api/checkout/confirm", h.ConfirmCheckout)
	r.Post("/api/events", h.TrackEvent)
	r.Get("/api/metrics/funnel", h.Funnel)
	r.Get("/api/metrics/upgrades", h.Upgrades)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response with a machine-readable code.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, protocol.ErrorBody{Error: message, Code: code})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid request body")
		return false
	}
	return true
}

// Health reports database connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, protocol.CodeInternal, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
