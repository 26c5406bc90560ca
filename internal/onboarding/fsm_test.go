package onboarding

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thronecompanions/throne/internal/entitlement"
)

func TestResume(t *testing.T) {
	tests := []struct {
		name     string
		progress Progress
		want     State
	}{
		{"fresh", Progress{}, Welcome},
		{"welcome done", Progress{CompletedWelcome: true}, Compliance},
		{
			"welcome and compliance done",
			Progress{CompletedWelcome: true, CompletedCompliance: true},
			CompanionSelection,
		},
		{
			"companion chosen",
			Progress{CompletedWelcome: true, CompletedCompliance: true, ChosenCompanion: "aurora"},
			TierSelection,
		},
		{
			"tier chosen",
			Progress{CompletedWelcome: true, CompletedCompliance: true, ChosenCompanion: "aurora", ChosenTier: entitlement.Novice},
			FirstGuidedChat,
		},
		{"first chat started alone", Progress{FirstChatStarted: true}, Done},
		{
			"gap resumes at first missing step",
			Progress{CompletedWelcome: true, ChosenCompanion: "sophia", ChosenTier: entitlement.Regent},
			Compliance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resume(tt.progress))
		})
	}
}

func TestNextStateFollowsTransitionTable(t *testing.T) {
	state := Welcome
	progress := Progress{}
	patches := []Patch{
		WelcomeDone(),
		ComplianceDone(),
		CompanionChosen("aurora"),
		TierChosen(entitlement.Novice),
		FirstChatStarted(),
	}
	want := []State{Compliance, CompanionSelection, TierSelection, FirstGuidedChat, Done}

	var got []State
	for _, p := range patches {
		var err error
		state, progress, err = NextState(state, progress, p)
		require.NoError(t, err)
		got = append(got, state)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	wantProgress := Progress{
		CompletedWelcome:    true,
		CompletedCompliance: true,
		ChosenCompanion:     "aurora",
		ChosenTier:          entitlement.Novice,
		FirstChatStarted:    true,
	}
	if diff := cmp.Diff(wantProgress, progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestNextStateRejectsSkipAhead(t *testing.T) {
	state, progress, err := NextState(Welcome, Progress{}, CompanionChosen("aurora"))
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, Welcome, state)
	assert.Equal(t, Progress{}, progress)
}

func TestNextStateReplayIsNoop(t *testing.T) {
	progress := Progress{CompletedWelcome: true, CompletedCompliance: true, ChosenCompanion: "aurora"}

	state, merged, err := NextState(TierSelection, progress, CompanionChosen("vanessa"))
	require.NoError(t, err)
	assert.Equal(t, TierSelection, state)
	assert.Equal(t, "aurora", merged.ChosenCompanion, "confirmed choice is locked")
}

func TestPatchEvent(t *testing.T) {
	unknown := entitlement.TierID("emperor")
	tests := []struct {
		name    string
		patch   Patch
		want    Event
		wantErr bool
	}{
		{"welcome", WelcomeDone(), EventWelcomeCompleted, false},
		{"tier", TierChosen(entitlement.Sovereign), EventTierChosen, false},
		{"empty", Patch{}, "", true},
		{"two fields", Patch{CompletedWelcome: ptr(true), CompletedCompliance: ptr(true)}, "", true},
		{"false flag", Patch{CompletedWelcome: ptr(false)}, "", true},
		{"empty companion", CompanionChosen(""), "", true},
		{"unknown tier", Patch{ChosenTier: &unknown}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.patch.Event()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProgressCompletedSteps(t *testing.T) {
	p := Progress{CompletedWelcome: true, CompletedCompliance: true, ChosenCompanion: "aurora"}
	assert.Equal(t, []State{Welcome, Compliance, CompanionSelection}, p.CompletedSteps())
	assert.Equal(t, 3, CompanionSelection.Index())
	assert.Equal(t, 0, Done.Index())
}

func TestIntroFallbacks(t *testing.T) {
	s := Intro("aurora", entitlement.Regent)
	assert.Contains(t, s.Intro, "Aurora")
	assert.Len(t, s.Lines(), 3)

	novice := Intro("sophia", entitlement.Novice)
	missing := Intro("sophia", entitlement.TierID("emperor"))
	assert.Equal(t, novice.Intro, missing.Intro)

	generic := Intro("nobody", entitlement.Novice)
	assert.Equal(t, "Hello, I'm nobody.", generic.Intro)
	assert.Equal(t, fallbackRitual, generic.Ritual)
}
