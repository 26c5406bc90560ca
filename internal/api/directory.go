package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/protocol"
)

// ListCompanions returns the companion directory.
func (h *Handler) ListCompanions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, companion.List())
}

// GetCompanion returns one companion.
func (h *Handler) GetCompanion(w http.ResponseWriter, r *http.Request) {
	c, err := companion.Get(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, http.StatusNotFound, protocol.CodeCompanionNotFound, "companion not found")
		return
	}
	JSON(w, http.StatusOK, c)
}

// ListTiers returns the entitlement catalog keyed by tier id.
func (h *Handler) ListTiers(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, entitlement.All())
}
