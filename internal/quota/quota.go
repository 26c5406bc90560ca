// Package quota counts quota-consuming chat exchanges per visitor and resets
// elapsed usage windows.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
)

// Repository is the slice of the store the counters need.
type Repository interface {
	GetUsage(ctx context.Context, visitorID string) (*domain.Usage, error)
	IncrementUsage(ctx context.Context, visitorID string, window time.Duration, now time.Time) (int, error)
	ResetExpiredUsage(ctx context.Context, window time.Duration, now time.Time) (int64, error)
}

// Counter tracks usage windows.
type Counter struct {
	repo   Repository
	window time.Duration
	now    func() time.Time
}

// NewCounter creates a counter with the given window length.
func NewCounter(repo Repository, window time.Duration) *Counter {
	return &Counter{repo: repo, window: window, now: time.Now}
}

// Window returns the usage window length.
func (c *Counter) Window() time.Duration {
	return c.window
}

// Used returns the count in the visitor's current window.
func (c *Counter) Used(ctx context.Context, visitorID string) (int, error) {
	u, err := c.repo.GetUsage(ctx, visitorID)
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	if u == nil || u.Expired(c.window, c.now()) {
		return 0, nil
	}
	return u.Count, nil
}

// Check returns the current count and whether one more message fits tier's quota.
func (c *Counter) Check(ctx context.Context, visitorID string, tier entitlement.Tier) (int, bool, error) {
	used, err := c.Used(ctx, visitorID)
	if err != nil {
		return 0, false, err
	}
	return used, !tier.MessageQuota.Reached(used), nil
}

// Increment counts one exchange and returns the new count.
func (c *Counter) Increment(ctx context.Context, visitorID string) (int, error) {
	n, err := c.repo.IncrementUsage(ctx, visitorID, c.window, c.now())
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return n, nil
}

// Sweep deletes windows that have elapsed.
func (c *Counter) Sweep(ctx context.Context) {
	deleted, err := c.repo.ResetExpiredUsage(ctx, c.window, c.now())
	if err != nil {
		slog.Error("Usage sweeper failed to reset expired windows", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Usage sweeper reset expired windows", "count", deleted)
	}
}

// RunSweeper periodically resets expired windows until ctx is done.
func (c *Counter) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Usage sweeper started", "interval", interval, "window", c.window)

	for {
		select {
		case <-ticker.C:
			c.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("Usage sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}
