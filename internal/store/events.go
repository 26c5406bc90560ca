package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/shared"
)

// AppendEvent stores one analytics event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *analytics.Event) error {
	payload := []byte("{}")
	if len(e.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
	}

	query := `
	INSERT INTO events (id, event_type, event_key, visitor_id, session_id, tier, companion_id, payload, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return shared.RetryOnConflict(ctx, retryAttempts, retryBaseDelay, "append_event", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			e.ID, string(e.Type), e.Key, e.VisitorID, e.SessionID, string(e.Tier), e.Companion,
			string(payload), e.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}

func eventConditions(f analytics.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Key != "" {
		conds = append(conds, "event_key = ?")
		args = append(args, f.Key)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// CountVisitors returns how many visitors have at least f.MinEvents matching
// events, or at least one when MinEvents is unset.
func (s *SQLiteStore) CountVisitors(ctx context.Context, f analytics.Filter) (int, error) {
	where, args := eventConditions(f)
	minEvents := f.MinEvents
	if minEvents < 1 {
		minEvents = 1
	}
	query := `SELECT COUNT(*) FROM (
		SELECT visitor_id FROM events` + where + `
		GROUP BY visitor_id HAVING COUNT(*) >= ?)`

	var n int
	if err := s.db.QueryRowContext(ctx, query, append(args, minEvents)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visitors: %w", err)
	}
	return n, nil
}

// CountEventsByKey returns the number of matching events per key.
func (s *SQLiteStore) CountEventsByKey(ctx context.Context, f analytics.Filter) (map[string]int, error) {
	where, args := eventConditions(f)
	query := `SELECT event_key, COUNT(*) FROM events` + where + ` GROUP BY event_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event counts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	out := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event counts: %w", err)
	}
	return out, nil
}

var _ analytics.Store = (*SQLiteStore)(nil)
