package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "throne.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedVisitor(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.UpsertVisitor(context.Background(), &domain.Visitor{
		VisitorID:  id,
		Username:   "visitor-" + id[:4],
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func TestVisitorLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	missing, err := s.GetVisitor(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	seedVisitor(t, s, "v-123456")
	v, err := s.GetVisitor(ctx, "v-123456")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, entitlement.Novice, v.Tier)
	assert.Empty(t, v.UnlockedTier)

	require.NoError(t, s.UpdateProfile(ctx, "v-123456", "", "aurora"))
	require.NoError(t, s.UpdateProfile(ctx, "v-123456", entitlement.Apprentice, ""))
	v, err = s.GetVisitor(ctx, "v-123456")
	require.NoError(t, err)
	assert.Equal(t, "aurora", v.ChosenCompanion)
	assert.Equal(t, entitlement.Apprentice, v.Tier)

	// Upsert refreshes last seen but keeps the profile.
	seedVisitor(t, s, "v-123456")
	v, err = s.GetVisitor(ctx, "v-123456")
	require.NoError(t, err)
	assert.Equal(t, "aurora", v.ChosenCompanion)

	err = s.UpdateProfile(ctx, "ghost", entitlement.Novice, "")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestUnlockTierNeverLowers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedVisitor(t, s, "v-abcdef")

	require.NoError(t, s.UnlockTier(ctx, "v-abcdef", entitlement.Sovereign))
	require.NoError(t, s.UnlockTier(ctx, "v-abcdef", entitlement.Apprentice))

	v, err := s.GetVisitor(ctx, "v-abcdef")
	require.NoError(t, err)
	assert.Equal(t, entitlement.Apprentice, v.Tier)
	assert.Equal(t, entitlement.Sovereign, v.UnlockedTier)

	require.ErrorIs(t, s.UnlockTier(ctx, "ghost", entitlement.Regent), ErrNotFound)
}

func TestUsageWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	window := time.Hour
	start := time.Unix(1_700_000_000, 0)

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementUsage(ctx, "v-1", window, start.Add(time.Duration(want)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	u, err := s.GetUsage(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.Count)
	assert.False(t, u.Expired(window, start.Add(30*time.Minute)))

	got, err := s.IncrementUsage(ctx, "v-1", window, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, got, "an elapsed window restarts the count")

	n, err := s.ResetExpiredUsage(ctx, window, start.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	u, err = s.GetUsage(ctx, "v-1")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestMessagesOrderedAndLimited(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now()

	var msgs []*domain.StoredMessage
	for i, content := range []string{"one", "two", "three", "four"} {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleCompanion
		}
		msgs = append(msgs, &domain.StoredMessage{
			ID:          content,
			VisitorID:   "v-1",
			SessionID:   "s_1",
			CompanionID: "sophia",
			Role:        role,
			Content:     content,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, s.AppendMessages(ctx, msgs...))
	require.NoError(t, s.AppendMessages(ctx))

	got, err := s.ListMessages(ctx, "v-1", "s_1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"two", "three", "four"}, []string{got[0].Content, got[1].Content, got[2].Content})

	other, err := s.ListMessages(ctx, "v-2", "s_1", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCheckoutConfirm(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateCheckout(ctx, &domain.CheckoutSession{
		ID:        "cs_1",
		VisitorID: "v-1",
		Tier:      entitlement.Regent,
		Status:    domain.CheckoutPending,
		CreatedAt: time.Now(),
	}))

	c, err := s.GetCheckout(ctx, "cs_1")
	require.NoError(t, err)
	assert.False(t, c.IsConfirmed())
	assert.Nil(t, c.ConfirmedAt)

	require.NoError(t, s.ConfirmCheckout(ctx, "cs_1", time.Now()))
	c, err = s.GetCheckout(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, c.IsConfirmed())
	assert.NotNil(t, c.ConfirmedAt)

	require.ErrorIs(t, s.ConfirmCheckout(ctx, "cs_missing", time.Now()), ErrNotFound)
	missing, err := s.GetCheckout(ctx, "cs_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
