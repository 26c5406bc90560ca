package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memRepo struct {
	mu     sync.Mutex
	usage  map[string]*domain.Usage
	sweeps int
	err    error
}

func newMemRepo() *memRepo {
	return &memRepo{usage: make(map[string]*domain.Usage)}
}

func (r *memRepo) GetUsage(_ context.Context, id string) (*domain.Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	u, ok := r.usage[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memRepo) IncrementUsage(_ context.Context, id string, window time.Duration, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usage[id]
	if !ok || u.Expired(window, now) {
		u = &domain.Usage{VisitorID: id, WindowStart: now}
		r.usage[id] = u
	}
	u.Count++
	return u.Count, nil
}

func (r *memRepo) ResetExpiredUsage(_ context.Context, window time.Duration, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	var n int64
	for id, u := range r.usage {
		if u.Expired(window, now) {
			delete(r.usage, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) sweepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps
}

func TestCounterCheck(t *testing.T) {
	ctx := context.Background()
	c := NewCounter(newMemRepo(), time.Hour)
	novice := entitlement.MustLookup(entitlement.Novice)

	for i := 0; i < 19; i++ {
		_, err := c.Increment(ctx, "v1")
		require.NoError(t, err)
	}
	used, ok, err := c.Check(ctx, "v1", novice)
	require.NoError(t, err)
	assert.Equal(t, 19, used)
	assert.True(t, ok)

	n, err := c.Increment(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	used, ok, err = c.Check(ctx, "v1", novice)
	require.NoError(t, err)
	assert.Equal(t, 20, used)
	assert.False(t, ok)

	_, ok, err = c.Check(ctx, "v1", entitlement.MustLookup(entitlement.Sovereign))
	require.NoError(t, err)
	assert.True(t, ok, "unlimited tiers never run out")
}

func TestCounterExpiredWindowReadsZero(t *testing.T) {
	ctx := context.Background()
	c := NewCounter(newMemRepo(), time.Hour)
	start := time.Now()
	c.now = func() time.Time { return start }
	_, err := c.Increment(ctx, "v1")
	require.NoError(t, err)

	c.now = func() time.Time { return start.Add(2 * time.Hour) }
	used, err := c.Used(ctx, "v1")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestCounterPropagatesErrors(t *testing.T) {
	repo := newMemRepo()
	repo.err = errors.New("db down")
	c := NewCounter(repo, time.Hour)
	_, _, err := c.Check(context.Background(), "v1", entitlement.MustLookup(entitlement.Novice))
	require.ErrorIs(t, err, repo.err)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	repo := newMemRepo()
	c := NewCounter(repo, time.Millisecond)
	_, err := c.Increment(context.Background(), "v1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunSweeper(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return repo.sweepCount() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	u, err := repo.GetUsage(context.Background(), "v1")
	require.NoError(t, err)
	assert.Nil(t, u)
}
