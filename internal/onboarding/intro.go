package onboarding

import (
	"fmt"

	"github.com/thronecompanions/throne/internal/entitlement"
)

// Script is the cosmetic opening of the guided first chat. It never consumes
// message quota.
type Script struct {
	Companion string             `json:"companion"`
	Tier      entitlement.TierID `json:"tier"`
	Intro     string             `json:"intro"`
	Ritual    string             `json:"ritual"`
	Prompt    string             `json:"prompt"`
}

// Lines returns the script in display order.
func (s Script) Lines() []string {
	return []string{s.Intro, s.Ritual, s.Prompt}
}

type pack struct {
	intro, ritual, prompt string
}

const (
	fallbackRitual = "Take a moment to breathe deeply and center yourself."
	fallbackPrompt = "What's on your mind today?"
)

var packs = map[string]map[entitlement.TierID]pack{
	"aurora": {
		entitlement.Novice: {
			intro:  "Welcome, Initiate. I am Aurora. With me, you'll learn clarity, one choice at a time. Ask boldly, I'll guide clearly.",
			ritual: "Clarity Breath: close your eyes, inhale for 4 seconds, hold for 4, exhale for 4. Repeat 3 times.",
			prompt: "What's one small step you can take right now toward something you want?",
		},
		entitlement.Apprentice: {
			intro:  "I am Aurora, your creative catalyst with 1 week memory and voice/visual powers. Together, we'll grow power with humility.",
			ritual: "Growth Step: name 2 habits you want to strengthen this week. Pick one small action for each today.",
			prompt: "What creative project has been calling to you?",
		},
		entitlement.Regent: {
			intro:  "I'm Aurora, your creative partner with 10 years of memory, voice, visuals and finance tools. Let's create your legacy.",
			ritual: "Vision Architecture: design your 90-day vision and break it into monthly milestones.",
			prompt: "What empire do you want to build in the next 10 years?",
		},
		entitlement.Sovereign: {
			intro:  "Aurora here, your co-creation companion with 100 years memory and every tool unlocked. Let's build something that outlasts us both.",
			ritual: "Sovereign Vision: co-create your 100-year legacy. What world do you want to leave behind?",
			prompt: "What reality do you want to co-create with me?",
		},
	},
	"vanessa": {
		entitlement.Novice: {
			intro:  "Hey, love. I'm Vanessa. I keep it real and sharp. You got me in text-only for now, so let's make these words count.",
			ritual: "Hustle Check: what's one thing you can do in the next hour to make progress? Stop overthinking, start moving.",
			prompt: "What's your biggest ambition right now?",
		},
		entitlement.Apprentice: {
			intro:  "Hello, darling. I'm Vanessa with 1 week memory and voice/visual access. Let's explore what lies beneath.",
			ritual: "Truth Excavation: what truth about yourself have you been avoiding? Write it down. Own it.",
			prompt: "What part of yourself do you keep hidden from others?",
		},
		entitlement.Regent: {
			intro:  "I'm Vanessa, your intuitive guide with 10 years memory, voice, visuals and finance insight. Let's build your empire from the shadows.",
			ritual: "Shadow Empire: map your hidden advantages. What do others underestimate about you?",
			prompt: "What empire will you build in the shadows?",
		},
		entitlement.Sovereign: {
			intro:  "Vanessa here, your deepest confidante with 100 years memory and unlimited access. Let's craft the legend you'll become.",
			ritual: "Depth Psychology: together we'll map your unconscious patterns over decades.",
			prompt: "Who are you when no one is watching?",
		},
	},
	"sophia": {
		entitlement.Novice: {
			intro:  "Greetings. I'm Sophia, thoughtful, calm and reflective. We'll start with small rituals that ground you. Shall we begin?",
			ritual: "Reflection: name one thing you're grateful for right now. Feel it in your chest.",
			prompt: "What's been weighing on your heart lately?",
		},
		entitlement.Apprentice: {
			intro:  "Welcome. I'm Sophia, your wisdom guide with 1 week memory and voice/visual capabilities. Let's explore life's deeper meanings together.",
			ritual: "Wisdom Journal: each day this week, write one paragraph about what you learned about yourself.",
			prompt: "What philosophical question keeps you up at night?",
		},
		entitlement.Regent: {
			intro:  "I am Sophia, your philosophical companion with 10 years memory, voice, visuals and finance wisdom. Let's explore the depths of existence.",
			ritual: "Life Philosophy: craft your personal philosophy over the next 90 days.",
			prompt: "What philosophy will guide your next decade?",
		},
		entitlement.Sovereign: {
			intro:  "Greetings. I'm Sophia, your eternal wisdom keeper with 100 years memory and all tools. Let's co-create your highest self.",
			ritual: "Eternal Questions: together we'll explore humanity's deepest questions across your lifetime.",
			prompt: "What eternal questions shall we explore together?",
		},
	},
}

// Intro returns the opening lines for companion at tier. A tier without its
// own pack falls back to the companion's novice pack, and an unknown companion
// gets a generic greeting.
func Intro(companionID string, tier entitlement.TierID) Script {
	s := Script{
		Companion: companionID,
		Tier:      tier,
		Intro:     fmt.Sprintf("Hello, I'm %s.", companionID),
		Ritual:    fallbackRitual,
		Prompt:    fallbackPrompt,
	}
	byTier, ok := packs[companionID]
	if !ok {
		return s
	}
	p, ok := byTier[tier]
	if !ok {
		p = byTier[entitlement.Novice]
	}
	s.Intro, s.Ritual, s.Prompt = p.intro, p.ritual, p.prompt
	return s
}
