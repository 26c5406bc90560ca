package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownTiers(t *testing.T) {
	for _, id := range Order() {
		tier, err := Lookup(id)
		require.NoError(t, err, "tier %s", id)
		assert.Equal(t, id, tier.ID)
		assert.True(t, tier.Allows(ModeText), "every tier allows text")
	}
}

func TestLookupUnknownTier(t *testing.T) {
	_, err := Lookup("emperor")
	require.ErrorIs(t, err, ErrUnknownTier)

	_, err = Parse("  Emperor ")
	require.ErrorIs(t, err, ErrUnknownTier)

	id, err := Parse(" Regent ")
	require.NoError(t, err)
	assert.Equal(t, Regent, id)
}

func TestCapabilitiesMonotonic(t *testing.T) {
	ids := Order()
	for i := 1; i < len(ids); i++ {
		lower := MustLookup(ids[i-1])
		upper := MustLookup(ids[i])

		assert.GreaterOrEqual(t, upper.MemoryRetentionDays, lower.MemoryRetentionDays,
			"memory %s -> %s", lower.ID, upper.ID)
		assert.GreaterOrEqual(t, len(upper.AllowedModes), len(lower.AllowedModes),
			"modes %s -> %s", lower.ID, upper.ID)
		assert.True(t, upper.MessageQuota.AtLeast(lower.MessageQuota),
			"quota %s -> %s", lower.ID, upper.ID)
		assert.GreaterOrEqual(t, len(upper.ToolsEnabled), len(lower.ToolsEnabled))

		for _, m := range lower.AllowedModes {
			assert.True(t, upper.Allows(m), "%s should keep mode %s from %s", upper.ID, m, lower.ID)
		}
	}
}

func TestTopTierOnlyFlags(t *testing.T) {
	for _, id := range Order() {
		tier := MustLookup(id)
		if id == Sovereign {
			assert.True(t, tier.CustomPersona)
			assert.True(t, tier.PrivateHosting)
			assert.True(t, tier.MessageQuota.IsUnlimited())
			continue
		}
		assert.False(t, tier.CustomPersona, id)
		assert.False(t, tier.PrivateHosting, id)
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	tier := MustLookup(Apprentice)
	tier.AllowedModes[0] = ModeFinance

	again := MustLookup(Apprentice)
	assert.Equal(t, ModeText, again.AllowedModes[0])
}

func TestRequiredTier(t *testing.T) {
	assert.Equal(t, Novice, RequiredTier(ModeText))
	assert.Equal(t, Apprentice, RequiredTier(ModeVoice))
	assert.Equal(t, Regent, RequiredTier(ModeFinance))
	assert.Equal(t, Sovereign, RequiredTier(Mode("telepathy")))
}

func TestQuota(t *testing.T) {
	q := Quota(20)
	assert.False(t, q.Reached(19))
	assert.True(t, q.Reached(20))
	assert.Equal(t, 5, q.Remaining(15))
	assert.Equal(t, 0, q.Remaining(25))
	assert.False(t, Unlimited.Reached(1_000_000))
	assert.Equal(t, -1, Unlimited.Remaining(3))
	assert.True(t, Unlimited.AtLeast(q))
	assert.False(t, q.AtLeast(Unlimited))
}

func TestNext(t *testing.T) {
	next, ok := Next(Novice)
	require.True(t, ok)
	assert.Equal(t, Apprentice, next)

	_, ok = Next(Sovereign)
	assert.False(t, ok)
}

func TestUpgradeCTA(t *testing.T) {
	msg := UpgradeCTA(Novice, Regent)
	assert.Contains(t, msg, "Regent - Scroll of Dominion")
	assert.Contains(t, msg, "Novice - Scroll of Truth")
	assert.Contains(t, msg, "finance")
}
