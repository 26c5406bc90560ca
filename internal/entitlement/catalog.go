// Package entitlement holds the static tier catalog: what each subscription
// tier unlocks in terms of quota, memory depth, interaction modes and tools.
package entitlement

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTier is returned when a tier id is outside the fixed catalog.
var ErrUnknownTier = errors.New("unknown tier")

// TierID identifies a subscription tier.
type TierID string

// Tier identifiers in ascending capability order.
const (
	Novice     TierID = "novice"
	Apprentice TierID = "apprentice"
	Regent     TierID = "regent"
	Sovereign  TierID = "sovereign"
)

// Mode is an interaction mode a tier may unlock.
type Mode string

// Interaction modes.
const (
	ModeText              Mode = "text"
	ModeVoice             Mode = "voice"
	ModeVisuals           Mode = "visuals"
	ModeFinance           Mode = "finance"
	ModePersonaCustomizer Mode = "persona_customizer"
)

// Tool is a companion tool a tier may enable.
type Tool string

// Companion tools.
const (
	ToolRituals           Tool = "rituals"
	ToolGrowthTracking    Tool = "growth_tracking"
	ToolFinance           Tool = "finance"
	ToolCustomPacks       Tool = "custom_packs"
	ToolPersonaCustomizer Tool = "persona_customizer"
	ToolPrivateHosting    Tool = "private_hosting"
)

// Quota is a message allowance per usage window. Unlimited is represented by a
// negative value.
type Quota int

// Unlimited marks a tier without a message cap.
const Unlimited Quota = -1

// IsUnlimited reports whether the quota has no cap.
func (q Quota) IsUnlimited() bool { return q < 0 }

// AtLeast reports whether q grants at least as many messages as o.
func (q Quota) AtLeast(o Quota) bool {
	switch {
	case q.IsUnlimited():
		return true
	case o.IsUnlimited():
		return false
	default:
		return q >= o
	}
}

// Reached reports whether used messages exhaust the quota.
func (q Quota) Reached(used int) bool {
	return !q.IsUnlimited() && used >= int(q)
}

// Remaining returns the number of messages left, or -1 when unlimited.
func (q Quota) Remaining(used int) int {
	if q.IsUnlimited() {
		return -1
	}
	if left := int(q) - used; left > 0 {
		return left
	}
	return 0
}

// String renders the quota for display.
func (q Quota) String() string {
	if q.IsUnlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", int(q))
}

// ResponseStyle describes the tone a companion uses for the tier.
type ResponseStyle struct {
	Length    string `json:"length"`
	Formality string `json:"formality"`
}

// Tier is the immutable capability descriptor of one tier.
type Tier struct {
	ID                  TierID        `json:"id"`
	DisplayName         string        `json:"display_name"`
	Price               int           `json:"price"`
	MemoryRetentionDays int           `json:"memory_retention_days"`
	AllowedModes        []Mode        `json:"allowed_modes"`
	MessageQuota        Quota         `json:"message_quota"`
	ToolsEnabled        []Tool        `json:"tools_enabled"`
	PromptingMastery    string        `json:"prompting_mastery"`
	ResponseStyle       ResponseStyle `json:"response_style"`
	CustomPersona       bool          `json:"custom_persona"`
	PrivateHosting      bool          `json:"private_hosting"`
}

// Allows reports whether the tier unlocks mode.
func (t Tier) Allows(m Mode) bool {
	for _, allowed := range t.AllowedModes {
		if allowed == m {
			return true
		}
	}
	return false
}

// HasTool reports whether the tier enables tool.
func (t Tier) HasTool(tool Tool) bool {
	for _, enabled := range t.ToolsEnabled {
		if enabled == tool {
			return true
		}
	}
	return false
}

// IsFree reports whether the tier costs nothing.
func (t Tier) IsFree() bool { return t.Price == 0 }

// MemoryLabel renders the retention period the way the tier cards show it.
func (t Tier) MemoryLabel() string {
	switch {
	case t.MemoryRetentionDays >= 36500:
		return "100 years"
	case t.MemoryRetentionDays >= 3650:
		return "10 years"
	case t.MemoryRetentionDays >= 7:
		return "1 week"
	default:
		return "24 hours"
	}
}

var order = []TierID{Novice, Apprentice, Regent, Sovereign}

var catalog = map[TierID]Tier{
	Novice: {
		ID:                  Novice,
		DisplayName:         "Novice - Scroll of Truth",
		Price:               0,
		MemoryRetentionDays: 1,
		AllowedModes:        []Mode{ModeText},
		MessageQuota:        20,
		ToolsEnabled:        []Tool{},
		PromptingMastery:    "clarity",
		ResponseStyle:       ResponseStyle{Length: "short", Formality: "warm"},
	},
	Apprentice: {
		ID:                  Apprentice,
		DisplayName:         "Apprentice - Scroll of Power & Humility",
		Price:               19,
		MemoryRetentionDays: 7,
		AllowedModes:        []Mode{ModeText, ModeVoice, ModeVisuals},
		MessageQuota:        500,
		ToolsEnabled:        []Tool{ToolRituals, ToolGrowthTracking},
		PromptingMastery:    "depth",
		ResponseStyle:       ResponseStyle{Length: "medium", Formality: "warm"},
	},
	Regent: {
		ID:                  Regent,
		DisplayName:         "Regent - Scroll of Dominion",
		Price:               49,
		MemoryRetentionDays: 3650,
		AllowedModes:        []Mode{ModeText, ModeVoice, ModeVisuals, ModeFinance},
		MessageQuota:        2000,
		ToolsEnabled:        []Tool{ToolRituals, ToolGrowthTracking, ToolFinance, ToolCustomPacks},
		PromptingMastery:    "creation",
		ResponseStyle:       ResponseStyle{Length: "long", Formality: "regal"},
	},
	Sovereign: {
		ID:                  Sovereign,
		DisplayName:         "Sovereign - Scroll of Conjoint Minds",
		Price:               99,
		MemoryRetentionDays: 36500,
		AllowedModes:        []Mode{ModeText, ModeVoice, ModeVisuals, ModeFinance, ModePersonaCustomizer},
		MessageQuota:        Unlimited,
		ToolsEnabled: []Tool{
			ToolRituals, ToolGrowthTracking, ToolFinance, ToolCustomPacks,
			ToolPersonaCustomizer, ToolPrivateHosting,
		},
		PromptingMastery: "co-creation",
		ResponseStyle:    ResponseStyle{Length: "long", Formality: "regal"},
		CustomPersona:    true,
		PrivateHosting:   true,
	},
}

var modeRequirements = map[Mode]TierID{
	ModeText:              Novice,
	ModeVoice:             Apprentice,
	ModeVisuals:           Apprentice,
	ModeFinance:           Regent,
	ModePersonaCustomizer: Sovereign,
}

// Lookup returns the descriptor for id.
func Lookup(id TierID) (Tier, error) {
	t, ok := catalog[id]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, string(id))
	}
	return clone(t), nil
}

// MustLookup is Lookup for ids known at compile time. It panics on an unknown
// id, which is a programming error.
func MustLookup(id TierID) Tier {
	t, err := Lookup(id)
	if err != nil {
		panic(err)
	}
	return t
}

// Parse normalizes a user-supplied tier name.
func Parse(s string) (TierID, error) {
	id := TierID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := catalog[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return id, nil
}

// Order returns tier ids from least to most capable.
func Order() []TierID {
	out := make([]TierID, len(order))
	copy(out, order)
	return out
}

// All returns every descriptor keyed by id.
func All() map[TierID]Tier {
	out := make(map[TierID]Tier, len(catalog))
	for id, t := range catalog {
		out[id] = clone(t)
	}
	return out
}

// Rank returns the position of id in the capability order, or -1 when unknown.
func Rank(id TierID) int {
	for i, candidate := range order {
		if candidate == id {
			return i
		}
	}
	return -1
}

// Next returns the tier directly above id.
func Next(id TierID) (TierID, bool) {
	r := Rank(id)
	if r < 0 || r+1 >= len(order) {
		return "", false
	}
	return order[r+1], true
}

// RequiredTier returns the lowest tier that unlocks mode. Unrecognized modes
// require the top tier.
func RequiredTier(m Mode) TierID {
	if id, ok := modeRequirements[m]; ok {
		return id
	}
	return Sovereign
}

// UpgradeCTA renders the standard locked-feature message.
func UpgradeCTA(current, target TierID) string {
	cur, err := Lookup(current)
	if err != nil {
		cur = catalog[Novice]
	}
	tgt, err := Lookup(target)
	if err != nil {
		tgt = catalog[Sovereign]
	}
	return fmt.Sprintf(
		"I can do that: it's a %s feature (%s). You're currently on %s with (%s). Upgrade to unlock it. Want a quick summary?",
		tgt.DisplayName, joinModes(tgt.AllowedModes), cur.DisplayName, joinModes(cur.AllowedModes),
	)
}

func joinModes(modes []Mode) string {
	parts := make([]string, len(modes))
	for i, m := range modes {
		parts[i] = string(m)
	}
	return strings.Join(parts, ", ")
}

func clone(t Tier) Tier {
	t.AllowedModes = append([]Mode(nil), t.AllowedModes...)
	t.ToolsEnabled = append([]Tool{}, t.ToolsEnabled...)
	return t
}
