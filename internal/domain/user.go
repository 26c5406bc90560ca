// Package domain contains the server-side records of the companion service.
package domain

import (
	"time"

	"github.com/thronecompanions/throne/internal/entitlement"
)

// Visitor is an anonymous per-device visitor with their subscription state.
type Visitor struct {
	VisitorID       string             `json:"visitor_id"`
	Username        string             `json:"username"`
	Tier            entitlement.TierID `json:"tier"`
	UnlockedTier    entitlement.TierID `json:"unlocked_tier"`
	ChosenCompanion string             `json:"chosen_companion,omitempty"`
	LastSeenAt      time.Time          `json:"last_seen_at"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ActiveTier returns the tier the visitor is entitled to use right now. A
// selected tier above what has been paid for is never active.
func (v *Visitor) ActiveTier() entitlement.TierID {
	if v.CanSelect(v.Tier) {
		return v.Tier
	}
	return entitlement.Novice
}

// CanSelect reports whether the visitor may switch to tier: free tiers always,
// paid tiers up to the highest one unlocked by a confirmed checkout.
func (v *Visitor) CanSelect(tier entitlement.TierID) bool {
	t, err := entitlement.Lookup(tier)
	if err != nil {
		return false
	}
	if t.IsFree() {
		return true
	}
	unlocked := entitlement.Rank(v.UnlockedTier)
	return unlocked >= 0 && entitlement.Rank(tier) <= unlocked
}
