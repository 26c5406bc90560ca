package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/thronecompanions/throne/internal/billing"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/identity"
	"github.com/thronecompanions/throne/internal/protocol"
)

type checkoutRequest struct {
	Tier string `json:"tier"`
}

// CreateCheckout starts a checkout for a paid tier.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "unauthorized")
		return
	}
	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, payURL, err := h.billing.Create(r.Context(), visitorID, entitlement.TierID(req.Tier))
	switch {
	case errors.Is(err, entitlement.ErrUnknownTier):
		Error(w, http.StatusBadRequest, protocol.CodeUnknownTier, "unknown tier")
		return
	case errors.Is(err, billing.ErrFreeTier):
		Error(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "tier is free")
		return
	case err != nil:
		slog.Error("Failed to create checkout", "visitor_id", visitorID, "error", err)
		Error(w, http.StatusInternalServerError, protocol.CodeInternal, "failed to create checkout")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"session_id": c.ID, "url": payURL})
}

// ConfirmCheckout reports and applies the outcome of a checkout session.
func (h *Handler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "unauthorized")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "session_id is required")
		return
	}

	c, err := h.billing.Confirm(r.Context(), visitorID, sessionID)
	switch {
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, billing.ErrForeignSession):
		Error(w, http.StatusNotFound, protocol.CodeInvalidRequest, "checkout session not found")
		return
	case err != nil:
		slog.Error("Failed to confirm checkout", "visitor_id", visitorID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, protocol.CodeInternal, "failed to confirm checkout")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": c.Status, "tier": string(c.Tier)})
}
