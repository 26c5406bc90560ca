// Package billing starts and confirms tier purchases. Payment itself is
// delegated to a Provider; the built-in StandIn approves every checkout.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
)

var (
	// ErrFreeTier is returned when a checkout is requested for a free tier.
	ErrFreeTier = errors.New("tier does not require payment")
	// ErrNotFound is returned for an unknown checkout session.
	ErrNotFound = errors.New("checkout session not found")
	// ErrForeignSession is returned when a visitor confirms another visitor's checkout.
	ErrForeignSession = errors.New("checkout session belongs to another visitor")
)

// Provider is the external payment collaborator.
type Provider interface {
	// PaymentURL returns where the visitor completes payment for a session.
	PaymentURL(sessionID string, tier entitlement.TierID) string
	// Paid reports whether the session has been paid.
	Paid(ctx context.Context, sessionID string) (bool, error)
}

// StandIn is a Provider that treats every session as paid.
type StandIn struct {
	BaseURL string
}

// PaymentURL implements Provider.
func (s StandIn) PaymentURL(sessionID string, tier entitlement.TierID) string {
	q := url.Values{"session_id": {sessionID}, "tier": {string(tier)}}
	return s.BaseURL + "?" + q.Encode()
}

// Paid implements Provider.
func (StandIn) Paid(context.Context, string) (bool, error) {
	return true, nil
}

// Repository is the slice of the store billing needs.
type Repository interface {
	CreateCheckout(ctx context.Context, c *domain.CheckoutSession) error
	GetCheckout(ctx context.Context, id string) (*domain.CheckoutSession, error)
	ConfirmCheckout(ctx context.Context, id string, at time.Time) error
	UnlockTier(ctx context.Context, visitorID string, tier entitlement.TierID) error
}

// Option configures a Service.
type Option func(*Service)

// WithTracker sets where checkout attempts and confirmed upgrades are reported.
func WithTracker(t analytics.Tracker) Option {
	return func(s *Service) { s.tracker = t }
}

// Service creates and confirms checkouts.
type Service struct {
	repo     Repository
	provider Provider
	tracker  analytics.Tracker
	now      func() time.Time
}

// NewService creates a billing service.
func NewService(repo Repository, provider Provider, opts ...Option) *Service {
	s := &Service{repo: repo, provider: provider, tracker: analytics.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a checkout for a paid tier and returns it with the payment URL.
func (s *Service) Create(ctx context.Context, visitorID string, tier entitlement.TierID) (*domain.CheckoutSession, string, error) {
	t, err := entitlement.Lookup(tier)
	if err != nil {
		return nil, "", err
	}
	if t.IsFree() {
		return nil, "", fmt.Errorf("%w: %s", ErrFreeTier, tier)
	}

	c := &domain.CheckoutSession{
		ID:        "cs_" + uuid.NewString(),
		VisitorID: visitorID,
		Tier:      tier,
		Status:    domain.CheckoutPending,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateCheckout(ctx, c); err != nil {
		return nil, "", fmt.Errorf("create checkout: %w", err)
	}
	slog.Info("Checkout created", "visitor_id", visitorID, "tier", tier, "session_id", c.ID)
	s.tracker.Track(ctx, analytics.Event{
		Type:      analytics.UpgradeAttempt,
		Key:       string(tier),
		VisitorID: visitorID,
		Payload:   map[string]any{"checkout_session": c.ID},
	})
	return c, s.provider.PaymentURL(c.ID, tier), nil
}

// Confirm checks payment and, once paid, unlocks the tier for the visitor.
// Confirming an already confirmed session is a no-op.
func (s *Service) Confirm(ctx context.Context, visitorID, sessionID string) (*domain.CheckoutSession, error) {
	c, err := s.repo.GetCheckout(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get checkout: %w", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	if c.VisitorID != visitorID {
		return nil, ErrForeignSession
	}
	if c.IsConfirmed() {
		return c, nil
	}

	paid, err := s.provider.Paid(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("check payment: %w", err)
	}
	if !paid {
		return c, nil
	}

	now := s.now()
	if err := s.repo.ConfirmCheckout(ctx, sessionID, now); err != nil {
		return nil, fmt.Errorf("confirm checkout: %w", err)
	}
	if err := s.repo.UnlockTier(ctx, visitorID, c.Tier); err != nil {
		return nil, fmt.Errorf("unlock tier: %w", err)
	}
	c.Status = domain.CheckoutConfirmed
	c.ConfirmedAt = &now
	slog.Info("Checkout confirmed", "visitor_id", visitorID, "tier", c.Tier, "session_id", sessionID)
	s.tracker.Track(ctx, analytics.Event{
		Type:      analytics.UpgradeSuccess,
		Key:       string(c.Tier),
		VisitorID: visitorID,
		Tier:      c.Tier,
		Payload:   map[string]any{"checkout_session": sessionID},
	})
	return c, nil
}
