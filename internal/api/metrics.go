package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/identity"
	"github.com/thronecompanions/throne/internal/protocol"
)

const (
	defaultFunnelDays  = 7
	defaultUpgradeDays = 30
	maxMetricsDays     = 365
)

// TrackEvent records an event reported by the visitor's device. Only
// visitor-side event types are accepted; the rest are recorded by the server.
func (h *Handler) TrackEvent(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "unauthorized")
		return
	}
	var e analytics.Event
	if !decodeBody(w, r, &e) {
		return
	}
	if !e.Type.ClientReported() {
		Error(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "unknown event type")
		return
	}
	if e.Companion != "" && !companion.Exists(e.Companion) {
		Error(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "unknown companion")
		return
	}

	// Identity and time come from the server.
	e.ID = ""
	e.VisitorID = visitorID
	e.CreatedAt = time.Time{}
	h.events.Track(r.Context(), e)
	w.WriteHeader(http.StatusAccepted)
}

// Funnel returns the onboarding funnel. Admin only.
func (h *Handler) Funnel(w http.ResponseWriter, r *http.Request) {
	days, ok := h.metricsRequest(w, r, defaultFunnelDays)
	if !ok {
		return
	}
	f, err := h.events.Funnel(r.Context(), days)
	if err != nil {
		slog.Error("Failed to compute funnel", "days", days, "error", err)
		Error(w, http.StatusInternalServerError, protocol.CodeInternal, "failed to compute funnel")
		return
	}
	JSON(w, http.StatusOK, f)
}

// Upgrades returns upgrade prompt and purchase metrics. Admin only.
func (h *Handler) Upgrades(w http.ResponseWriter, r *http.Request) {
	days, ok := h.metricsRequest(w, r, defaultUpgradeDays)
	if !ok {
		return
	}
	u, err := h.events.Upgrades(r.Context(), days)
	if err != nil {
		slog.Error("Failed to compute upgrade metrics", "days", days, "error", err)
		Error(w, http.StatusInternalServerError, protocol.CodeInternal, "failed to compute upgrade metrics")
		return
	}
	JSON(w, http.StatusOK, u)
}

// metricsRequest checks the admin credential and parses the days parameter.
func (h *Handler) metricsRequest(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	if !h.tokens.IsAdminRequest(r) {
		Error(w, http.StatusForbidden, protocol.CodeForbidden, "admin credential required")
		return 0, false
	}
	days := def
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMetricsDays {
			Error(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "days must be between 1 and 365")
			return 0, false
		}
		days = n
	}
	return days, true
}
