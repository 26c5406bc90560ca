// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
)

// ErrNotFound is returned when an update targets a record that does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for persisting visitors, usage, chat
// history and checkout sessions.
type Repository interface {
	// GetVisitor retrieves a visitor by id. It returns nil, nil when absent.
	GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error)

	// UpsertVisitor creates a visitor or refreshes its last-seen time.
	UpsertVisitor(ctx context.Context, v *domain.Visitor) error

	// UpdateLastSeen updates the last_seen_at timestamp for a visitor.
	UpdateLastSeen(ctx context.Context, visitorID string, lastSeen time.Time) error

	// UpdateProfile stores the selected tier and companion. Empty values keep
	// the current ones.
	UpdateProfile(ctx context.Context, visitorID string, tier entitlement.TierID, companionID string) error

	// UnlockTier records a confirmed purchase of tier and selects it.
	UnlockTier(ctx context.Context, visitorID string, tier entitlement.TierID) error

	// GetUsage returns the visitor's usage window. It returns nil, nil when the
	// visitor has not sent anything yet.
	GetUsage(ctx context.Context, visitorID string) (*domain.Usage, error)

	// IncrementUsage counts one message and returns the new count. A window
	// older than window is restarted first.
	IncrementUsage(ctx context.Context, visitorID string, window time.Duration, now time.Time) (int, error)

	// ResetExpiredUsage removes usage windows that started before now-window.
	ResetExpiredUsage(ctx context.Context, window time.Duration, now time.Time) (int64, error)

	// AppendMessages stores messages in order.
	AppendMessages(ctx context.Context, msgs ...*domain.StoredMessage) error

	// ListMessages returns up to limit most recent messages of a session,
	// oldest first.
	ListMessages(ctx context.Context, visitorID, sessionID string, limit int) ([]*domain.StoredMessage, error)

	// CreateCheckout stores a new checkout session.
	CreateCheckout(ctx context.Context, c *domain.CheckoutSession) error

	// GetCheckout retrieves a checkout session. It returns nil, nil when absent.
	GetCheckout(ctx context.Context, id string) (*domain.CheckoutSession, error)

	// ConfirmCheckout marks a checkout session paid.
	ConfirmCheckout(ctx context.Context, id string, at time.Time) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
