// Package identity provides anonymous per-device identity primitives and the
// credential service.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/store"
)

const (
	// VisitorCookieName carries the anonymous visitor id for browsers.
	VisitorCookieName = "throne_visitor"
	// VisitorHeaderName carries the visitor id for non-browser clients. It is
	// echoed on every response.
	VisitorHeaderName   = "X-Throne-Visitor"
	visitorCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	visitorIDKey contextKey = iota
	usernameKey
)

var visitorIDPattern = regexp.MustCompile(`^v_[a-f0-9]{32}$`)

// VisitorIDFromContext extracts the visitor ID from the request context.
func VisitorIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(visitorIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithVisitor returns a context carrying the given visitor id.
func WithVisitor(ctx context.Context, visitorID string) context.Context {
	ctx = context.WithValue(ctx, visitorIDKey, visitorID)
	return context.WithValue(ctx, usernameKey, deriveUsername(visitorID))
}

func generateVisitorID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate visitor id: %w", err)
	}
	return "v_" + hex.EncodeToString(buf), nil
}

// IsValidVisitorID reports whether id has the shape of an issued visitor id.
func IsValidVisitorID(id string) bool {
	return visitorIDPattern.MatchString(id)
}

func deriveUsername(visitorID string) string {
	if len(visitorID) > 10 {
		return "guest-" + visitorID[len(visitorID)-6:]
	}
	return "guest"
}

func ensureVisitor(ctx context.Context, repo store.Repository, visitorID string) error {
	v, err := repo.GetVisitor(ctx, visitorID)
	if err != nil {
		return err
	}
	now := time.Now()
	if v != nil {
		if err := repo.UpdateLastSeen(ctx, visitorID, now); err != nil {
			slog.Warn("Failed to update visitor last seen", "visitor_id", visitorID, "error", err)
		}
		return nil
	}

	return repo.UpsertVisitor(ctx, &domain.Visitor{
		VisitorID:  visitorID,
		Username:   deriveUsername(visitorID),
		Tier:       entitlement.Novice,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func visitorIDFromRequest(r *http.Request) (string, bool) {
	if id := r.Header.Get(VisitorHeaderName); IsValidVisitorID(id) {
		return id, true
	}
	if c, err := r.Cookie(VisitorCookieName); err == nil && IsValidVisitorID(c.Value) {
		return c.Value, true
	}
	return "", false
}

func getOrCreateVisitorID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	id, ok := visitorIDFromRequest(r)
	if !ok {
		var err error
		if id, err = generateVisitorID(); err != nil {
			return "", err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     VisitorCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(visitorCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(visitorCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	w.Header().Set(VisitorHeaderName, id)
	return id, nil
}

// Middleware injects the anonymous per-device visitor identity.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			visitorID, err := getOrCreateVisitorID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish visitor identity","code":"internal_error"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureVisitor(r.Context(), repo, visitorID); err != nil {
				slog.Error("Failed to initialize visitor", "visitor_id", visitorID, "error", err)
				http.Error(w, `{"error":"failed to initialize visitor","code":"internal_error"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithVisitor(r.Context(), visitorID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
