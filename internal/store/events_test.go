package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thronecompanions/throne/internal/analytics"
)

func TestEventCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()
	old := now.Add(-30 * 24 * time.Hour)

	events := []analytics.Event{
		{ID: "e1", Type: analytics.MessageSent, Key: "text", VisitorID: "v1", CreatedAt: now},
		{ID: "e2", Type: analytics.MessageSent, Key: "text", VisitorID: "v1", CreatedAt: now},
		{ID: "e3", Type: analytics.MessageSent, Key: "voice", VisitorID: "v1", CreatedAt: now, Payload: map[string]any{"length_chars": 12}},
		{ID: "e4", Type: analytics.MessageSent, Key: "text", VisitorID: "v2", CreatedAt: now},
		{ID: "e5", Type: analytics.MessageSent, Key: "text", VisitorID: "v3", CreatedAt: old},
		{ID: "e6", Type: analytics.UpgradeAttempt, Key: "regent", VisitorID: "v2", CreatedAt: now},
	}
	for i := range events {
		require.NoError(t, s.AppendEvent(ctx, &events[i]))
	}

	since := now.Add(-7 * 24 * time.Hour)
	n, err := s.CountVisitors(ctx, analytics.Filter{Type: analytics.MessageSent, Since: since})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "events before since are ignored")

	n, err = s.CountVisitors(ctx, analytics.Filter{Type: analytics.MessageSent, Since: since, MinEvents: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountVisitors(ctx, analytics.Filter{Type: analytics.MessageSent, Key: "voice"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	byKey, err := s.CountEventsByKey(ctx, analytics.Filter{Type: analytics.MessageSent, Since: since})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"text": 3, "voice": 1}, byKey)

	byKey, err = s.CountEventsByKey(ctx, analytics.Filter{Type: analytics.UpgradeSuccess})
	require.NoError(t, err)
	assert.Empty(t, byKey)
}
