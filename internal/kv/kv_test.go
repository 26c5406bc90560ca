package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, KeySessionID, []byte("s_1")))
	got, err := s.Get(ctx, KeySessionID)
	require.NoError(t, err)
	assert.Equal(t, "s_1", string(got))

	require.NoError(t, s.Set(ctx, KeySessionID, []byte("s_2")))
	got, err = s.Get(ctx, KeySessionID)
	require.NoError(t, err)
	assert.Equal(t, "s_2", string(got))

	require.NoError(t, s.Clear(ctx, KeySessionID))
	_, err = s.Get(ctx, KeySessionID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Clear(ctx, "never-set"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "device.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	ctx := context.Background()

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, SetJSON(ctx, s, KeyOnboarding, map[string]bool{"completed_welcome": true}))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var got map[string]bool
	require.NoError(t, GetJSON(ctx, s, KeyOnboarding, &got))
	assert.True(t, got["completed_welcome"])
}

func TestGetJSONCorrupt(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Set(ctx, KeyCompliance, []byte("{not json")))

	var v map[string]any
	err := GetJSON(ctx, s, KeyCompliance, &v)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
