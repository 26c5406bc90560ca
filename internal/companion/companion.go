// Package companion is the directory of selectable personas.
package companion

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for an id outside the directory.
var ErrNotFound = errors.New("companion not found")

// Companion is a selectable conversational persona.
type Companion struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Image       string   `json:"image"`
	Traits      []string `json:"traits"`
}

var directory = []Companion{
	{
		ID:          "sophia",
		Name:        "Sophia",
		Description: "An elegant and sophisticated companion with wisdom beyond her years. Sophia is thoughtful, articulate, and brings depth to every conversation.",
		Image:       "/avatars/sophia.png",
		Traits:      []string{"sophisticated", "wise", "elegant", "thoughtful"},
	},
	{
		ID:          "aurora",
		Name:        "Aurora",
		Description: "A vibrant and energetic companion who brings light to every interaction. Aurora is optimistic, creative, and always ready for adventure.",
		Image:       "/avatars/aurora.png",
		Traits:      []string{"vibrant", "energetic", "optimistic", "creative"},
	},
	{
		ID:          "vanessa",
		Name:        "Vanessa",
		Description: "A mysterious and alluring companion with an air of elegance. Vanessa is confident, intriguing, and captivates with her presence.",
		Image:       "/avatars/vanessa.png",
		Traits:      []string{"mysterious", "alluring", "confident", "elegant"},
	},
}

var upgradeLines = map[string]string{
	"aurora":  "We've only just opened the candlelight; to keep building clarity together, unlock the next Scroll.",
	"vanessa": "This is where the real work starts. Unlock the next tier if you're serious.",
	"sophia":  "Our thread pauses here. Continue the inquiry with a higher Scroll.",
}

const defaultUpgradeLine = "I loved our time together. To continue our deeper journey, unlock the next scroll."

var fallbackReplies = map[string]string{
	"sophia":  "I appreciate you sharing that with me. Your thoughts always give me much to contemplate.",
	"aurora":  "That's wonderful! I love hearing your thoughts, they always brighten my day!",
	"vanessa": "How intriguing... I'd love to explore that idea further with you.",
}

// List returns every companion in display order.
func List() []Companion {
	out := make([]Companion, len(directory))
	for i, c := range directory {
		out[i] = clone(c)
	}
	return out
}

// Get returns the companion with id.
func Get(id string) (Companion, error) {
	for _, c := range directory {
		if c.ID == id {
			return clone(c), nil
		}
	}
	return Companion{}, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// Exists reports whether id is in the directory.
func Exists(id string) bool {
	_, err := Get(id)
	return err == nil
}

// UpgradeLine is the companion-voice invitation to upgrade.
func UpgradeLine(id string) string {
	if line, ok := upgradeLines[id]; ok {
		return line
	}
	return defaultUpgradeLine
}

// FallbackReply is used when no generator is available.
func FallbackReply(id string) string {
	if line, ok := fallbackReplies[id]; ok {
		return line
	}
	return "Thank you for sharing that with me."
}

func clone(c Companion) Companion {
	c.Traits = append([]string(nil), c.Traits...)
	return c
}
