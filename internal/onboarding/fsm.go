// Package onboarding drives the first-run wizard: welcome, compliance,
// companion choice, tier choice and the guided first exchange. Progress is
// persisted after every completed step and the wizard resumes at the first
// step not yet completed.
package onboarding

import (
	"errors"
	"fmt"
	"time"

	"github.com/thronecompanions/throne/internal/entitlement"
)

var (
	// ErrInvalidPatch is returned for a patch that does not complete exactly one step.
	ErrInvalidPatch = errors.New("invalid onboarding patch")
	// ErrOutOfOrder is returned when a patch targets a step that is not current.
	ErrOutOfOrder = errors.New("onboarding step out of order")
	// ErrNoSelection is returned when confirming a selection that was never made.
	ErrNoSelection = errors.New("nothing selected")
)

// State is a wizard state.
type State string

// Wizard states in canonical order.
const (
	Welcome            State = "welcome"
	Compliance         State = "compliance"
	CompanionSelection State = "companion_selection"
	TierSelection      State = "tier_selection"
	FirstGuidedChat    State = "first_chat"
	Done               State = "done"
)

// Steps lists the states that must be completed, in order.
var Steps = []State{Welcome, Compliance, CompanionSelection, TierSelection, FirstGuidedChat}

// Index returns the 1-based position of s among Steps, or 0 for Done.
func (s State) Index() int {
	for i, step := range Steps {
		if step == s {
			return i + 1
		}
	}
	return 0
}

// Event is the completion signal of one step.
type Event string

// Step completion events.
const (
	EventWelcomeCompleted    Event = "welcome_completed"
	EventComplianceCompleted Event = "compliance_completed"
	EventCompanionChosen     Event = "companion_chosen"
	EventTierChosen          Event = "tier_chosen"
	EventFirstChatStarted    Event = "first_chat_started"
)

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{Welcome, EventWelcomeCompleted}:           Compliance,
	{Compliance, EventComplianceCompleted}:     CompanionSelection,
	{CompanionSelection, EventCompanionChosen}: TierSelection,
	{TierSelection, EventTierChosen}:           FirstGuidedChat,
	{FirstGuidedChat, EventFirstChatStarted}:   Done,
}

var eventStep = map[Event]State{
	EventWelcomeCompleted:    Welcome,
	EventComplianceCompleted: Compliance,
	EventCompanionChosen:     CompanionSelection,
	EventTierChosen:          TierSelection,
	EventFirstChatStarted:    FirstGuidedChat,
}

// Progress is the persisted onboarding record.
type Progress struct {
	CompletedWelcome    bool               `json:"completed_welcome"`
	CompletedCompliance bool               `json:"completed_compliance"`
	ChosenCompanion     string             `json:"chosen_companion,omitempty"`
	ChosenTier          entitlement.TierID `json:"chosen_tier,omitempty"`
	FirstChatStarted    bool               `json:"first_chat_started"`
	CompletedAt         time.Time          `json:"completed_at,omitzero"`
}

// IsComplete reports whether step has been completed.
func (p Progress) IsComplete(step State) bool {
	switch step {
	case Welcome:
		return p.CompletedWelcome
	case Compliance:
		return p.CompletedCompliance
	case CompanionSelection:
		return p.ChosenCompanion != ""
	case TierSelection:
		return p.ChosenTier != ""
	case FirstGuidedChat, Done:
		return p.FirstChatStarted
	default:
		return false
	}
}

// CompletedSteps returns the completed steps in canonical order.
func (p Progress) CompletedSteps() []State {
	var out []State
	for _, s := range Steps {
		if p.IsComplete(s) {
			out = append(out, s)
		}
	}
	return out
}

// Patch completes one step. Exactly one field must be set.
type Patch struct {
	CompletedWelcome    *bool               `json:"completed_welcome,omitempty"`
	CompletedCompliance *bool               `json:"completed_compliance,omitempty"`
	ChosenCompanion     *string             `json:"chosen_companion,omitempty"`
	ChosenTier          *entitlement.TierID `json:"chosen_tier,omitempty"`
	FirstChatStarted    *bool               `json:"first_chat_started,omitempty"`
}

// WelcomeDone is the patch emitted by the welcome screen.
func WelcomeDone() Patch { return Patch{CompletedWelcome: ptr(true)} }

// ComplianceDone is the patch emitted once the compliance gate is complete.
func ComplianceDone() Patch { return Patch{CompletedCompliance: ptr(true)} }

// CompanionChosen is the patch emitted when a companion is confirmed.
func CompanionChosen(id string) Patch { return Patch{ChosenCompanion: ptr(id)} }

// TierChosen is the patch emitted when a tier is confirmed.
func TierChosen(id entitlement.TierID) Patch { return Patch{ChosenTier: ptr(id)} }

// FirstChatStarted is the patch emitted when the visitor starts the first chat.
func FirstChatStarted() Patch { return Patch{FirstChatStarted: ptr(true)} }

// Event validates the patch and returns the event it represents.
func (p Patch) Event() (Event, error) {
	var events []Event
	if p.CompletedWelcome != nil {
		if !*p.CompletedWelcome {
			return "", fmt.Errorf("%w: completed_welcome must be true", ErrInvalidPatch)
		}
		events = append(events, EventWelcomeCompleted)
	}
	if p.CompletedCompliance != nil {
		if !*p.CompletedCompliance {
			return "", fmt.Errorf("%w: completed_compliance must be true", ErrInvalidPatch)
		}
		events = append(events, EventComplianceCompleted)
	}
	if p.ChosenCompanion != nil {
		if *p.ChosenCompanion == "" {
			return "", fmt.Errorf("%w: chosen_companion is empty", ErrInvalidPatch)
		}
		events = append(events, EventCompanionChosen)
	}
	if p.ChosenTier != nil {
		if _, err := entitlement.Lookup(*p.ChosenTier); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidPatch, err)
		}
		events = append(events, EventTierChosen)
	}
	if p.FirstChatStarted != nil {
		if !*p.FirstChatStarted {
			return "", fmt.Errorf("%w: first_chat_started must be true", ErrInvalidPatch)
		}
		events = append(events, EventFirstChatStarted)
	}

	if len(events) != 1 {
		return "", fmt.Errorf("%w: want exactly one field, got %d", ErrInvalidPatch, len(events))
	}
	return events[0], nil
}

func (p Patch) applyTo(progress Progress) Progress {
	if p.CompletedWelcome != nil {
		progress.CompletedWelcome = *p.CompletedWelcome
	}
	if p.CompletedCompliance != nil {
		progress.CompletedCompliance = *p.CompletedCompliance
	}
	if p.ChosenCompanion != nil {
		progress.ChosenCompanion = *p.ChosenCompanion
	}
	if p.ChosenTier != nil {
		progress.ChosenTier = *p.ChosenTier
	}
	if p.FirstChatStarted != nil {
		progress.FirstChatStarted = *p.FirstChatStarted
	}
	return progress
}

// Resume returns the state a visitor with progress should see: Done once the
// first chat has started, otherwise the first step not yet completed.
func Resume(p Progress) State {
	if p.FirstChatStarted {
		return Done
	}
	for _, s := range Steps {
		if !p.IsComplete(s) {
			return s
		}
	}
	return Done
}

// NextState applies patch to progress while in state and returns the new
// state and merged progress. A patch for a step that is already complete is a
// no-op: the recorded choice is locked and the visible step does not change.
// It has no side effects.
func NextState(state State, progress Progress, patch Patch) (State, Progress, error) {
	event, err := patch.Event()
	if err != nil {
		return state, progress, err
	}

	if progress.IsComplete(eventStep[event]) {
		return Resume(progress), progress, nil
	}

	if _, ok := transitions[transitionKey{from: state, event: event}]; !ok {
		return state, progress, fmt.Errorf("%w: %s while in %s", ErrOutOfOrder, event, state)
	}

	merged := patch.applyTo(progress)
	return Resume(merged), merged, nil
}

func ptr[T any](v T) *T { return &v }
