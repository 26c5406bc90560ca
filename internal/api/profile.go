package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/identity"
	"github.com/thronecompanions/throne/internal/protocol"
	"github.com/thronecompanions/throne/internal/store"
)

const defaultHistoryLimit = 100

func (h *Handler) currentVisitor(w http.ResponseWriter, r *http.Request) (*domain.Visitor, bool) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "unauthorized")
		return nil, false
	}
	v, err := h.repo.GetVisitor(r.Context(), visitorID)
	if err != nil {
		slog.Error("Failed to load visitor", "visitor_id", visitorID, "error", err)
		Error(w, http.StatusInternalServerError, protocol.CodeInternal, "failed to load visitor")
		return nil, false
	}
	if v == nil {
		Error(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "visitor not found")
		return nil, false
	}
	return v, true
}

// GetMe returns the current visitor's profile and usage.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	v, ok := h.currentVisitor(w, r)
	if !ok {
		return
	}
	used, err := h.counter.Used(r.Context(), v.VisitorID)
	if err != nil {
		slog.Warn("Failed to read usage", "visitor_id", v.VisitorID, "error", err)
	}

	tier := v.ActiveTier()
	q := entitlement.MustLookup(tier).MessageQuota
	if h.tokens.IsAdminRequest(r) {
		q = entitlement.Unlimited
	}
	JSON(w, http.StatusOK, map[string]any{
		"visitor_id":       v.VisitorID,
		"username":         v.Username,
		"tier":             tier,
		"unlocked_tier":    v.UnlockedTier,
		"chosen_companion": v.ChosenCompanion,
		"used":             used,
		"quota":            q,
		"window_seconds":   int(h.counter.Window().Seconds()),
	})
}

type updateUserRequest struct {
	Tier            string `json:"tier"`
	ChosenCompanion string `json:"chosen_companion"`
}

// UpdateUser stores the visitor's tier and companion choice.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	v, ok := h.currentVisitor(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.ChosenCompanion != "" && !companion.Exists(req.ChosenCompanion) {
		Error(w, http.StatusNotFound, protocol.CodeCompanionNotFound, "companion not found")
		return
	}
	var tier entitlement.TierID
	if req.Tier != "" {
		parsed, err := entitlement.Parse(req.Tier)
		if err != nil {
			Error(w, http.StatusBadRequest, protocol.CodeUnknownTier, "unknown tier")
			return
		}
		if !v.CanSelect(parsed) {
			JSON(w, http.StatusPaymentRequired, protocol.ErrorBody{
				Error:        "tier requires a confirmed checkout",
				Code:         protocol.CodePaymentRequired,
				RequiredTier: string(parsed),
			})
			return
		}
		tier = parsed
	}

	err := h.repo.UpdateProfile(r.Context(), v.VisitorID, tier, req.ChosenCompanion)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Failed to update profile", "visitor_id", v.VisitorID, "error", err)
		Error(w, http.StatusInternalServerError, protocol.CodeInternal, "failed to update profile")
		return
	}
	slog.Info("Profile updated", "visitor_id", v.VisitorID, "tier", tier, "companion_id", req.ChosenCompanion)
	w.WriteHeader(http.StatusNoContent)
}

// History returns the stored messages of one session, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
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
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= defaultHistoryLimit {
			limit = n
		}
	}

	msgs, err := h.repo.ListMessages(r.Context(), visitorID, sessionID, limit)
	if err != nil {
		slog.Error("Failed to list history", "visitor_id", visitorID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, protocol.CodeInternal, "failed to load history")
		return
	}
	if msgs == nil {
		msgs = []*domain.StoredMessage{}
	}
	JSON(w, http.StatusOK, msgs)
}
