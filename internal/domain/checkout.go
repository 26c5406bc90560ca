package domain

import (
	"time"

	"github.com/thronecompanions/throne/internal/entitlement"
)

// Checkout statuses.
const (
	CheckoutPending   = "pending"
	CheckoutConfirmed = "confirmed"
)

// CheckoutSession is a started payment for a paid tier.
type CheckoutSession struct {
	ID          string
	VisitorID   string
	Tier        entitlement.TierID
	Status      string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// IsConfirmed reports whether payment completed.
func (c *CheckoutSession) IsConfirmed() bool {
	return c.Status == CheckoutConfirmed
}
