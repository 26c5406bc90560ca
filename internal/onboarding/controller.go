package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/compliance"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/kv"
)

// Directory resolves companion ids offered during selection.
type Directory interface {
	GetCompanion(ctx context.Context, id string) (companion.Companion, error)
}

// ProfileUpdater receives the visitor's choices once tier selection is
// confirmed. Failures are logged and never retried.
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, tier entitlement.TierID, companionID string) error
}

type staticDirectory struct{}

func (staticDirectory) GetCompanion(_ context.Context, id string) (companion.Companion, error) {
	return companion.Get(id)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithDirectory sets the companion directory used to validate selections.
// The built-in directory is used otherwise.
func WithDirectory(d Directory) Option {
	return func(c *Controller) { c.directory = d }
}

// WithProfileUpdater sets the collaborator notified on tier confirmation.
func WithProfileUpdater(p ProfileUpdater) Option {
	return func(c *Controller) { c.profile = p }
}

// WithTracker sets where completed steps are reported.
func WithTracker(t analytics.Tracker) Option {
	return func(c *Controller) { c.tracker = t }
}

// Controller walks a visitor through onboarding and persists progress after
// every completed step. All methods are safe for concurrent use, though the
// wizard itself is driven by one visitor at a time.
type Controller struct {
	mu        sync.Mutex
	store     kv.Store
	gate      *compliance.Gate
	directory Directory
	profile   ProfileUpdater
	tracker   analytics.Tracker
	logger    *slog.Logger
	now       func() time.Time

	state    State
	progress Progress
	degraded bool

	stagedCompanion string
	stagedTier      entitlement.TierID
}

// New loads persisted progress from store and resumes at the first step not
// yet completed. Unreadable progress starts the wizard over. When the gate is
// already complete the Compliance step is passed through.
func New(ctx context.Context, store kv.Store, gate *compliance.Gate, opts ...Option) *Controller {
	c := &Controller{
		store:      store,
		gate:       gate,
		directory:  staticDirectory{},
		tracker:    analytics.Nop{},
		logger:     slog.Default(),
		now:        time.Now,
		stagedTier: entitlement.Novice,
	}
	for _, opt := range opts {
		opt(c)
	}

	var p Progress
	err := kv.GetJSON(ctx, store, kv.KeyOnboarding, &p)
	switch {
	case err == nil:
		c.progress = p
	case errors.Is(err, kv.ErrNotFound):
	default:
		c.logger.Warn("Failed to load onboarding progress, starting fresh", "error", err)
	}
	c.state = Resume(c.progress)

	c.mu.Lock()
	c.settleLocked(ctx)
	c.mu.Unlock()

	c.logger.Debug("Onboarding resumed", "state", string(c.state))
	return c
}

// State returns the current wizard state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done reports whether onboarding is terminal.
func (c *Controller) Done() bool {
	return c.State() == Done
}

// Progress returns a snapshot of the onboarding record.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Degraded reports whether progress is only held in memory because the store
// rejected a write.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Advance merges patch into the persisted progress and returns the resulting
// state. Replaying a patch for a step that already completed leaves both the
// state and the recorded choice untouched.
func (c *Controller) Advance(ctx context.Context, patch Patch) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advanceLocked(ctx, patch)
}

func (c *Controller) advanceLocked(ctx context.Context, patch Patch) (State, error) {
	next, merged, err := NextState(c.state, c.progress, patch)
	if err != nil {
		return c.state, err
	}
	if merged == c.progress {
		c.state = next
		return c.state, nil
	}

	prev := c.state
	if next == Done && merged.CompletedAt.IsZero() {
		merged.CompletedAt = c.now().UTC()
	}
	c.progress = merged
	c.state = next
	c.persistLocked(ctx)

	c.logger.Info("Onboarding step completed", "step", string(prev), "next", string(next))
	c.trackLocked(ctx, prev)

	if next == FirstGuidedChat {
		c.notifyProfileLocked(ctx)
	}
	c.settleLocked(ctx)
	return c.state, nil
}

// CompleteWelcome finishes the welcome screen.
func (c *Controller) CompleteWelcome(ctx context.Context) (State, error) {
	return c.Advance(ctx, WelcomeDone())
}

// CompleteCompliance forwards one attestation to the gate. Once the gate is
// complete the Compliance step is completed as well.
func (c *Controller) CompleteCompliance(ctx context.Context, step compliance.Step, ev compliance.Evidence) (compliance.StepResult, State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.progress.CompletedCompliance {
		return compliance.StepResult{Step: step, Accepted: true, Done: true}, c.state, nil
	}
	if c.state != Compliance {
		return compliance.StepResult{Step: step}, c.state,
			fmt.Errorf("%w: compliance while in %s", ErrOutOfOrder, c.state)
	}
	if c.gate == nil {
		return compliance.StepResult{Step: step}, c.state, errors.New("no compliance gate configured")
	}

	res := c.gate.Complete(ctx, step, ev)
	c.settleLocked(ctx)
	return res, c.state, nil
}

// SelectCompanion stages a companion choice. It can be called repeatedly
// before ConfirmCompanion; the last call wins.
func (c *Controller) SelectCompanion(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != CompanionSelection {
		return fmt.Errorf("%w: companion selection while in %s", ErrOutOfOrder, c.state)
	}
	if _, err := c.directory.GetCompanion(ctx, id); err != nil {
		return fmt.Errorf("select companion: %w", err)
	}
	c.stagedCompanion = id
	return nil
}

// ConfirmCompanion locks the staged companion and advances.
func (c *Controller) ConfirmCompanion(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.progress.ChosenCompanion != "" {
		return c.state, nil
	}
	if c.stagedCompanion == "" {
		return c.state, fmt.Errorf("%w: companion", ErrNoSelection)
	}
	return c.advanceLocked(ctx, CompanionChosen(c.stagedCompanion))
}

// SelectTier stages a tier choice. Novice is staged until another tier is
// selected.
func (c *Controller) SelectTier(id entitlement.TierID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != TierSelection {
		return fmt.Errorf("%w: tier selection while in %s", ErrOutOfOrder, c.state)
	}
	if _, err := entitlement.Lookup(id); err != nil {
		return fmt.Errorf("select tier: %w", err)
	}
	c.stagedTier = id
	return nil
}

// ConfirmTier locks the staged tier and advances to the guided first chat.
func (c *Controller) ConfirmTier(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.progress.ChosenTier != "" {
		return c.state, nil
	}
	return c.advanceLocked(ctx, TierChosen(c.stagedTier))
}

// Staged returns the pending, unconfirmed selections.
func (c *Controller) Staged() (string, entitlement.TierID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stagedCompanion, c.stagedTier
}

// Script returns the scripted opening of the guided first chat. It is only
// available while in FirstGuidedChat.
func (c *Controller) Script() (Script, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != FirstGuidedChat {
		return Script{}, fmt.Errorf("%w: script while in %s", ErrOutOfOrder, c.state)
	}
	return Intro(c.progress.ChosenCompanion, c.progress.ChosenTier), nil
}

// StartFirstChat hands off to live chat and ends onboarding.
func (c *Controller) StartFirstChat(ctx context.Context) (State, error) {
	return c.Advance(ctx, FirstChatStarted())
}

// Reset forgets all progress, in memory and in the store.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.progress = Progress{}
	c.state = Welcome
	c.stagedCompanion = ""
	c.stagedTier = entitlement.Novice
	c.degraded = false
	if err := c.store.Clear(ctx, kv.KeyOnboarding); err != nil {
		return fmt.Errorf("clear onboarding progress: %w", err)
	}
	return nil
}

// settleLocked completes the Compliance step when the gate has nothing left
// to ask.
func (c *Controller) settleLocked(ctx context.Context) {
	if c.state != Compliance || c.gate == nil || !c.gate.Done() {
		return
	}
	if _, err := c.advanceLocked(ctx, ComplianceDone()); err != nil {
		c.logger.Warn("Failed to pass completed compliance gate", "error", err)
	}
}

func (c *Controller) persistLocked(ctx context.Context) {
	if c.degraded {
		return
	}
	if err := kv.SetJSON(ctx, c.store, kv.KeyOnboarding, c.progress); err != nil {
		c.degraded = true
		c.logger.Warn("Failed to persist onboarding progress, continuing in memory", "error", err)
	}
}

// trackLocked reports the completion of step.
func (c *Controller) trackLocked(ctx context.Context, step State) {
	base := analytics.Event{Tier: c.progress.ChosenTier, Companion: c.progress.ChosenCompanion}

	e := base
	e.Type, e.Key = analytics.OnboardingStep, string(step)
	e.Payload = map[string]any{"status": "completed"}
	c.tracker.Track(ctx, e)

	switch step {
	case Compliance:
		e = base
		e.Type = analytics.ComplianceCompleted
		c.tracker.Track(ctx, e)
	case FirstGuidedChat:
		e = base
		e.Type = analytics.FirstChatStarted
		c.tracker.Track(ctx, e)
		e.Type = analytics.OnboardingCompleted
		e.Payload = map[string]any{"completed_at": c.progress.CompletedAt}
		c.tracker.Track(ctx, e)
	}
}

func (c *Controller) notifyProfileLocked(ctx context.Context) {
	if c.profile == nil {
		return
	}
	tier, companionID := c.progress.ChosenTier, c.progress.ChosenCompanion
	if err := c.profile.UpdateProfile(ctx, tier, companionID); err != nil {
		c.logger.Warn("Failed to update visitor profile",
			"tier", string(tier),
			"companion_id", companionID,
			"error", err,
		)
	}
}
