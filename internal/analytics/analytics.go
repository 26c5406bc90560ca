// Package analytics records product events and derives the onboarding and
// upgrade funnels from them.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/thronecompanions/throne/internal/entitlement"
)

// Type names an event.
type Type string

// Event types.
const (
	OnboardingStep      Type = "onboarding_step"
	ComplianceCompleted Type = "compliance_completed"
	OnboardingCompleted Type = "onboarding_completed"
	FirstChatStarted    Type = "first_chat_started"
	MessageSent         Type = "message_sent"
	UpgradeCTAShown     Type = "upgrade_cta_shown"
	UpgradeAttempt      Type = "upgrade_attempt"
	UpgradeSuccess      Type = "upgrade_success"
)

// clientTypes are the events a visitor's device may report. The rest are
// recorded by the server where they happen.
var clientTypes = map[Type]bool{
	OnboardingStep:      true,
	ComplianceCompleted: true,
	OnboardingCompleted: true,
	FirstChatStarted:    true,
	UpgradeCTAShown:     true,
}

// ClientReported reports whether t may be submitted by a client.
func (t Type) ClientReported() bool { return clientTypes[t] }

// Event is one recorded occurrence. Key narrows the type: the step for
// onboarding_step, the mode for message_sent and the target tier for the
// upgrade events.
type Event struct {
	ID        string             `json:"id,omitempty"`
	Type      Type               `json:"event_type"`
	Key       string             `json:"key,omitempty"`
	VisitorID string             `json:"-"`
	SessionID string             `json:"session_id,omitempty"`
	Tier      entitlement.TierID `json:"tier,omitempty"`
	Companion string             `json:"companion,omitempty"`
	Payload   map[string]any     `json:"payload,omitempty"`
	CreatedAt time.Time          `json:"created_at,omitzero"`
}

// Tracker receives events. Tracking never fails the caller; implementations
// log what they could not record.
type Tracker interface {
	Track(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

// Track implements Tracker.
func (Nop) Track(context.Context, Event) {}

// Filter selects events for counting. Zero fields match everything.
type Filter struct {
	Type  Type
	Key   string
	Since time.Time
	// MinEvents is the number of matching events a visitor needs to be counted
	// by CountVisitors.
	MinEvents int
}

// Store persists events and answers the count queries the funnels need.
type Store interface {
	AppendEvent(ctx context.Context, e *Event) error
	CountVisitors(ctx context.Context, f Filter) (int, error)
	CountEventsByKey(ctx context.Context, f Filter) (map[string]int, error)
}

// Recorder is the server-side Tracker. It stores events and computes metrics
// from them.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder backed by store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Track implements Tracker.
func (r *Recorder) Track(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	if err := r.store.AppendEvent(ctx, &e); err != nil {
		r.logger.Warn("Failed to record analytics event",
			"event_type", string(e.Type),
			"visitor_id", e.VisitorID,
			"error", err,
		)
		return
	}
	r.logger.Debug("Analytics event recorded", "event_type", string(e.Type), "key", e.Key, "visitor_id", e.VisitorID)
}

// ActivationMessages is the number of messages after which a visitor counts
// as activated.
const ActivationMessages = 3

// FunnelStep is one stage of the onboarding funnel. Conversion is the share
// of visitors who started onboarding, in percent.
type FunnelStep struct {
	Step       string  `json:"step"`
	Count      int     `json:"count"`
	Conversion float64 `json:"conversion"`
}

// Funnel is the onboarding funnel over a period.
type Funnel struct {
	Steps        []FunnelStep `json:"funnel_steps"`
	Days         int          `json:"days"`
	CalculatedAt time.Time    `json:"calculated_at"`
}

var funnelStages = []struct {
	name   string
	filter Filter
}{
	{"onboarding_started", Filter{Type: OnboardingStep, Key: "welcome"}},
	{"compliance_completed", Filter{Type: ComplianceCompleted}},
	{"companion_chosen", Filter{Type: OnboardingStep, Key: "companion_selection"}},
	{"tier_chosen", Filter{Type: OnboardingStep, Key: "tier_selection"}},
	{"first_chat_started", Filter{Type: FirstChatStarted}},
	{"three_message_activation", Filter{Type: MessageSent, MinEvents: ActivationMessages}},
}

// Funnel counts the visitors that reached each onboarding stage in the last
// days days.
func (r *Recorder) Funnel(ctx context.Context, days int) (Funnel, error) {
	now := r.now()
	since := now.AddDate(0, 0, -days)

	out := Funnel{Days: days, CalculatedAt: now.UTC()}
	var base int
	for i, stage := range funnelStages {
		f := stage.filter
		f.Since = since
		n, err := r.store.CountVisitors(ctx, f)
		if err != nil {
			return Funnel{}, fmt.Errorf("count %s: %w", stage.name, err)
		}
		if i == 0 {
			base = n
		}
		out.Steps = append(out.Steps, FunnelStep{Step: stage.name, Count: n, Conversion: percent(n, base)})
	}
	return out, nil
}

// Upgrades summarizes upgrade prompts and purchases over a period.
type Upgrades struct {
	CTAShown  int `json:"cta_shown"`
	Attempts  int `json:"upgrade_attempts"`
	Successes int `json:"upgrade_successes"`
	// ClickThrough is attempts per prompt shown, in percent.
	ClickThrough float64 `json:"cta_click_through_rate"`
	// SuccessRate is successes per attempt, in percent.
	SuccessRate  float64                 `json:"attempt_to_success_rate"`
	ByTier       map[string]map[Type]int `json:"tier_performance"`
	Days         int                     `json:"days"`
	CalculatedAt time.Time               `json:"calculated_at"`
}

// Upgrades counts upgrade events in the last days days, in total and per
// target tier.
func (r *Recorder) Upgrades(ctx context.Context, days int) (Upgrades, error) {
	now := r.now()
	since := now.AddDate(0, 0, -days)

	out := Upgrades{ByTier: map[string]map[Type]int{}, Days: days, CalculatedAt: now.UTC()}
	counts := map[Type]*int{
		UpgradeCTAShown: &out.CTAShown,
		UpgradeAttempt:  &out.Attempts,
		UpgradeSuccess:  &out.Successes,
	}
	for _, t := range []Type{UpgradeCTAShown, UpgradeAttempt, UpgradeSuccess} {
		byKey, err := r.store.CountEventsByKey(ctx, Filter{Type: t, Since: since})
		if err != nil {
			return Upgrades{}, fmt.Errorf("count %s: %w", t, err)
		}
		for tier, n := range byKey {
			*counts[t] += n
			if out.ByTier[tier] == nil {
				out.ByTier[tier] = map[Type]int{}
			}
			out.ByTier[tier][t] = n
		}
	}
	out.ClickThrough = percent(out.Attempts, out.CTAShown)
	out.SuccessRate = percent(out.Successes, out.Attempts)
	return out, nil
}

// percent returns n/of as a percentage rounded to two decimals. A zero
// denominator counts as one.
func percent(n, of int) float64 {
	if of < 1 {
		of = 1
	}
	return math.Round(float64(n)/float64(of)*10000) / 100
}
