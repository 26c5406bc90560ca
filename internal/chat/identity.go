package chat

import (
	"context"
	"errors"

	"github.com/thronecompanions/throne/internal/backend"
	"github.com/thronecompanions/throne/internal/kv"
)

// Credentials is the opaque credential service.
type Credentials interface {
	IssueCredential(ctx context.Context, email, role string) (string, error)
	VerifyCredential(ctx context.Context, token string) (backend.Verification, error)
}

// visitorRole is the only role the client ever asks for; elevated roles are
// decided by the credential service.
const visitorRole = "user"

// Identify obtains a credential for email, reusing the cached one while it
// still verifies, and records whether the visitor is an admin. Failures leave
// the visitor as a regular, unauthenticated user.
func (m *Manager) Identify(ctx context.Context, email string) bool {
	if m.creds == nil {
		return false
	}

	token := ""
	raw, err := m.store.Get(ctx, kv.KeyCredential)
	switch {
	case err == nil:
		token = string(raw)
	case !errors.Is(err, kv.ErrNotFound):
		m.logger.Warn("Failed to load cached credential", "error", err)
	}

	if token != "" {
		if v, err := m.creds.VerifyCredential(ctx, token); err == nil && v.Valid {
			m.setIdentity(token, v.IsAdmin)
			return v.IsAdmin
		}
	}

	if email == "" {
		m.setIdentity("", false)
		return false
	}
	token, err = m.creds.IssueCredential(ctx, email, visitorRole)
	if err != nil {
		m.logger.Warn("Failed to issue credential", "error", err)
		m.setIdentity("", false)
		return false
	}
	if err := m.store.Set(ctx, kv.KeyCredential, []byte(token)); err != nil {
		m.logger.Warn("Failed to cache credential", "error", err)
	}

	v, err := m.creds.VerifyCredential(ctx, token)
	if err != nil {
		m.logger.Warn("Failed to verify credential", "error", err)
		m.setIdentity(token, false)
		return false
	}
	m.setIdentity(token, v.IsAdmin)
	return v.IsAdmin
}

func (m *Manager) setIdentity(token string, isAdmin bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.isAdmin = isAdmin
}

// IsAdmin reports whether the credential service recognized an admin.
func (m *Manager) IsAdmin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAdmin
}

// ShowQuota reports whether usage against the quota should be displayed.
// Admins are not subject to quota.
func (m *Manager) ShowQuota() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.isAdmin && !m.tier.MessageQuota.IsUnlimited()
}
