// Package compliance implements the attestation gate a visitor passes before
// onboarding continues: age verification, terms and privacy, and the content
// policy, completed strictly in that order.
package compliance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thronecompanions/throne/internal/kv"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Step is one attestation in the gate.
type Step int

// Attestation steps in canonical order.
const (
	AgeVerification Step = iota
	TermsAndPrivacy
	ContentPolicy
)

// Steps lists every step in the order it must be completed.
var Steps = []Step{AgeVerification, TermsAndPrivacy, ContentPolicy}

func (s Step) String() string {
	switch s {
	case AgeVerification:
		return "age_verification"
	case TermsAndPrivacy:
		return "terms_and_privacy"
	case ContentPolicy:
		return "content_policy"
	default:
		return "unknown"
	}
}

// Title is the human-readable step name.
func (s Step) Title() string {
	switch s {
	case AgeVerification:
		return "Age Verification"
	case TermsAndPrivacy:
		return "Terms & Privacy"
	case ContentPolicy:
		return "Content Policy"
	default:
		return "Unknown"
	}
}

// Evidence is what the visitor supplied when attempting a step.
type Evidence struct {
	// Attested is the confirmation checkbox (age, content policy).
	Attested bool
	// ReadToEnd is set once the document was scrolled to the end (terms).
	ReadToEnd bool
}

// Record is the persisted compliance state. Partial records are valid.
type Record struct {
	AgeVerified                 bool      `json:"age_verified"`
	AgeVerifiedAt               time.Time `json:"age_verified_at,omitzero"`
	TermsAccepted               bool      `json:"terms_accepted"`
	TermsAcceptedAt             time.Time `json:"terms_accepted_at,omitzero"`
	ContentPolicyAcknowledged   bool      `json:"content_policy_acknowledged"`
	ContentPolicyAcknowledgedAt time.Time `json:"content_policy_acknowledged_at,omitzero"`
}

// Complete reports whether every attestation is recorded.
func (r Record) Complete() bool {
	return r.AgeVerified && r.TermsAccepted && r.ContentPolicyAcknowledged
}

// Has reports whether step is recorded.
func (r Record) Has(step Step) bool {
	switch step {
	case AgeVerification:
		return r.AgeVerified
	case TermsAndPrivacy:
		return r.TermsAccepted
	case ContentPolicy:
		return r.ContentPolicyAcknowledged
	default:
		return false
	}
}

func (r *Record) mark(step Step, at time.Time) {
	switch step {
	case AgeVerification:
		r.AgeVerified, r.AgeVerifiedAt = true, at
	case TermsAndPrivacy:
		r.TermsAccepted, r.TermsAcceptedAt = true, at
	case ContentPolicy:
		r.ContentPolicyAcknowledged, r.ContentPolicyAcknowledgedAt = true, at
	}
}

// StepResult is the outcome of a Complete call.
type StepResult struct {
	Step     Step
	Accepted bool
	// Message is the localized validation feedback when the step was rejected.
	Message string
	// Next is the step now awaiting the visitor; meaningless when Done.
	Next Step
	Done bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides time.Now for step timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLanguage selects the language for validation messages.
func WithLanguage(tag language.Tag) Option {
	return func(g *Gate) { g.printer = newPrinter(tag) }
}

// Gate walks a visitor through the attestation steps.
type Gate struct {
	mu       sync.Mutex
	store    kv.Store
	logger   *slog.Logger
	now      func() time.Time
	printer  *message.Printer
	record   Record
	degraded bool
}

// NewGate loads any persisted record from store. A record that is already
// complete leaves the gate in its terminal state. Unreadable state is treated
// as a fresh start.
func NewGate(ctx context.Context, store kv.Store, opts ...Option) *Gate {
	g := &Gate{
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		printer: newPrinter(language.English),
	}
	for _, opt := range opts {
		opt(g)
	}

	var rec Record
	err := kv.GetJSON(ctx, store, kv.KeyCompliance, &rec)
	switch {
	case err == nil:
		g.record = rec
	case errors.Is(err, kv.ErrNotFound):
	default:
		g.logger.Warn("Failed to load compliance record, starting fresh", "error", err)
	}
	return g
}

// Current returns the step awaiting completion. The boolean is true when the
// gate is complete, in which case the returned step is meaningless.
func (g *Gate) Current() (Step, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentLocked()
}

func (g *Gate) currentLocked() (Step, bool) {
	for _, s := range Steps {
		if !g.record.Has(s) {
			return s, false
		}
	}
	return ContentPolicy, true
}

// Done reports whether every step is complete.
func (g *Gate) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record.Complete()
}

// Record returns a snapshot of the compliance record.
func (g *Gate) Record() Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record
}

// Complete attempts step with the supplied evidence. Rejections carry a
// localized message and leave the gate untouched, so they can be retried.
// Completing an already recorded step is a no-op.
func (g *Gate) Complete(ctx context.Context, step Step, ev Evidence) StepResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, done := g.currentLocked()
	if done || g.record.Has(step) {
		return StepResult{Step: step, Accepted: true, Next: current, Done: done}
	}
	if step != current {
		return StepResult{Step: step, Message: g.printer.Sprintf(msgPreviousPending), Next: current}
	}
	if key, ok := validate(step, ev); !ok {
		return StepResult{Step: step, Message: g.printer.Sprintf(key), Next: current}
	}

	g.record.mark(step, g.now().UTC())
	g.persistLocked(ctx)

	next, done := g.currentLocked()
	g.logger.Info("Compliance step completed", "step", step.String(), "done", done)
	return StepResult{Step: step, Accepted: true, Next: next, Done: done}
}

// Clear forgets the record, both in memory and in the store.
func (g *Gate) Clear(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record = Record{}
	return g.store.Clear(ctx, kv.KeyCompliance)
}

func (g *Gate) persistLocked(ctx context.Context) {
	if g.degraded {
		return
	}
	if err := kv.SetJSON(ctx, g.store, kv.KeyCompliance, g.record); err != nil {
		g.degraded = true
		g.logger.Warn("Failed to persist compliance record, continuing in memory", "error", err)
	}
}

func validate(step Step, ev Evidence) (string, bool) {
	switch step {
	case AgeVerification:
		return msgAgeRequired, ev.Attested
	case TermsAndPrivacy:
		return msgTermsUnread, ev.ReadToEnd
	case ContentPolicy:
		return msgPolicyRequired, ev.Attested
	default:
		return msgPreviousPending, false
	}
}
