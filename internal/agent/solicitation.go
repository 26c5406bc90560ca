package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/protocol"
)

const (
	minSpecificLength = 12
	maxQuestions      = 3
	maxStarters       = 3
	clarificationTag  = "Throne Clarity"
)

var vagueKeywords = []string{
	"help",
	"idk",
	"i don't know",
	"not sure",
	"anything",
	"whatever",
	"something",
	"advice",
	"what should i",
}

type personaPrompts struct {
	style     string
	questions []string
	starters  []string
}

var personas = map[string]personaPrompts{
	"sophia": {
		style: "elegant, wise, thoughtful teacher",
		questions: []string{
			"What outcome would make this conversation worthwhile for you?",
			"Which detail matters most right now?",
			"Is there a decision you are weighing?",
		},
		starters: []string{
			"Help me think through a difficult choice",
			"Teach me something I can use today",
			"Reflect on my week with me",
		},
	},
	"aurora": {
		style: "futuristic, tech-savvy, divine guide",
		questions: []string{
			"What are you hoping to create or change?",
			"Where are you starting from?",
			"How bold should we be?",
		},
		starters: []string{
			"Spark a new idea with me",
			"Plan an adventure for this weekend",
			"Brighten a tough day",
		},
	},
	"vanessa": {
		style: "direct, confident, street-smart advisor",
		questions: []string{
			"What is the real goal here?",
			"What is stopping you?",
			"How fast do you need this solved?",
		},
		starters: []string{
			"Give me a straight answer on a problem",
			"Sharpen my negotiation",
			"Call out my blind spots",
		},
	},
}

var clarifierNames = []string{"Goal", "Detail", "Decision", "Level", "Teaching"}

// IsVague reports whether a plain message needs clarification before a reply.
func IsVague(message string) bool {
	text := strings.ToLower(strings.TrimSpace(message))
	if len([]rune(text)) < minSpecificLength {
		return true
	}
	for _, kw := range vagueKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// BuildClarification returns the questions and quick options for a companion.
func BuildClarification(companionID string) protocol.Clarification {
	p, ok := personas[companionID]
	if !ok {
		p = personas["sophia"]
	}
	return protocol.Clarification{
		Questions:    append([]string(nil), p.questions[:min(maxQuestions, len(p.questions))]...),
		QuickOptions: append([]string(nil), p.starters[:min(maxStarters, len(p.starters))]...),
		Tag:          clarificationTag,
	}
}

// BuildPreface turns a clarification submission into guidance for the reply
// generator.
func BuildPreface(companionID string, answers map[int]string, chosen string) string {
	lines := []string{"User intent (solicited):"}

	idx := make([]int, 0, len(answers))
	for i := range answers {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		answer := strings.TrimSpace(answers[i])
		if answer == "" {
			continue
		}
		name := fmt.Sprintf("Question %d", i)
		if i >= 0 && i < len(clarifierNames) {
			name = clarifierNames[i]
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", name, answer))
	}
	if chosen != "" {
		lines = append(lines, "- Chosen starter: "+chosen)
	}

	name := companionID
	if c, err := companion.Get(companionID); err == nil {
		name = c.Name
	}
	style := "warm companion"
	if p, ok := personas[companionID]; ok {
		style = p.style
	}
	lines = append(lines,
		"",
		fmt.Sprintf("Persona: %s (%s)", name, style),
		"Instruction: Answer accordingly with your natural personality.",
	)
	return strings.Join(lines, "\n")
}
