package api

import (
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/thronecompanions/throne/internal/identity"
	"github.com/thronecompanions/throne/internal/protocol"
)

type createTokenRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// CreateToken issues a credential. The requested role is ignored: admin is
// granted only to configured admin emails.
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		Error(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "a valid email is required")
		return
	}

	token, err := h.tokens.Issue(email)
	if err != nil {
		slog.Error("Failed to issue token", "error", err)
		Error(w, http.StatusInternalServerError, protocol.CodeInternal, "failed to issue token")
		return
	}
	if req.Role == identity.RoleAdmin && h.tokens.RoleFor(email) != identity.RoleAdmin {
		slog.Warn("Admin role requested by non-admin email", "ip", identity.IPFromRequest(r))
	}
	JSON(w, http.StatusOK, map[string]string{"token": token})
}

// VerifyToken reports whether the bearer credential is valid and grants admin.
func (h *Handler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	token := identity.BearerToken(r)
	if token == "" {
		JSON(w, http.StatusOK, map[string]any{"valid": false, "is_admin": false})
		return
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		JSON(w, http.StatusOK, map[string]any{"valid": false, "is_admin": false})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"is_admin": claims.IsAdmin(),
		"email":    claims.Email,
	})
}
