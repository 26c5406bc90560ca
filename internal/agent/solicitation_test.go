package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsVague(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"hi", true},
		{"   hello there   ", true},
		{"I need some help with my career plans", true},
		{"idk what to talk about tonight", true},
		{"Tell me about the history of Rome", false},
		{"How do I negotiate a raise next week?", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsVague(tt.msg), tt.msg)
	}
}

func TestBuildClarification(t *testing.T) {
	c := BuildClarification("vanessa")
	assert.Len(t, c.Questions, maxQuestions)
	assert.Len(t, c.QuickOptions, maxStarters)
	assert.Equal(t, clarificationTag, c.Tag)

	// Callers may not alias the persona tables.
	c.Questions[0] = "mutated"
	assert.NotEqual(t, "mutated", BuildClarification("vanessa").Questions[0])

	unknown := BuildClarification("nobody")
	assert.Equal(t, BuildClarification("sophia"), unknown)
}

func TestBuildPreface(t *testing.T) {
	preface := BuildPreface("aurora", map[int]string{2: "go big", 0: "a new hobby", 1: "  "}, "")
	lines := strings.Split(preface, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "User intent (solicited):", lines[0])
	assert.Equal(t, "- Goal: a new hobby", lines[1])
	assert.Equal(t, "- Decision: go big", lines[2])
	assert.Contains(t, preface, "Persona: Aurora (futuristic, tech-savvy, divine guide)")
	assert.NotContains(t, preface, "Detail")
}

func TestScriptedResponderAcknowledgesStarter(t *testing.T) {
	preface := BuildPreface("sophia", nil, "Reflect on my week with me")
	reply, err := ScriptedResponder{}.Respond(context.Background(), Prompt{CompanionID: "sophia", Preface: preface})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(reply, "Let's begin: reflect on my week with me."), reply)
}
