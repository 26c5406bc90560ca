package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	usageMu sync.Mutex // Serializes usage read-modify-write to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS visitors (
		visitor_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'novice',
		unlocked_tier TEXT NOT NULL DEFAULT '',
		chosen_companion TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_windows (
		visitor_id TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_window_start ON usage_windows(window_start);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		visitor_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		companion_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(visitor_id, session_id, seq);

	CREATE TABLE IF NOT EXISTS checkout_sessions (
		id TEXT PRIMARY KEY,
		visitor_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		confirmed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		event_key TEXT NOT NULL DEFAULT '',
		visitor_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT '',
		companion_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(event_type, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetVisitor retrieves a visitor by id.
func (s *SQLiteStore) GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error) {
	query := `
		SELECT visitor_id, username, tier, unlocked_tier, chosen_companion,
		       last_seen_at, created_at, updated_at
		FROM visitors WHERE visitor_id = ?`

	var v domain.Visitor
	var tier, unlocked string
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, visitorID).Scan(
		&v.VisitorID, &v.Username, &tier, &unlocked, &v.ChosenCompanion,
		&lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan visitor row: %w", err)
	}

	v.Tier = entitlement.TierID(tier)
	v.UnlockedTier = entitlement.TierID(unlocked)
	v.LastSeenAt = time.Unix(lastSeen, 0)
	v.CreatedAt = time.Unix(createdAt, 0)
	v.UpdatedAt = time.Unix(updatedAt, 0)
	return &v, nil
}

// UpsertVisitor creates a visitor or refreshes its last-seen time.
func (s *SQLiteStore) UpsertVisitor(ctx context.Context, v *domain.Visitor) error {
	query := `
	INSERT INTO visitors (visitor_id, username, tier, unlocked_tier, chosen_companion,
		last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(visitor_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	tier := v.Tier
	if tier == "" {
		tier = entitlement.Novice
	}
	return shared.RetryOnConflict(ctx, retryAttempts, retryBaseDelay, "upsert_visitor", func() error {
		_, err := s.db.ExecContext(ctx, query,
			v.VisitorID, v.Username, string(tier), string(v.UnlockedTier), v.ChosenCompanion,
			v.LastSeenAt.Unix(), v.CreatedAt.Unix(), v.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert visitor: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a visitor.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, visitorID string, lastSeen time.Time) error {
	query := `UPDATE visitors SET last_seen_at = ?, updated_at = ? WHERE visitor_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), visitorID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "visitor_id", visitorID)
	}
	return nil
}

// UpdateProfile stores the selected tier and companion.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, visitorID string, tier entitlement.TierID, companionID string) error {
	var sets []string
	var args []any
	if tier != "" {
		sets = append(sets, "tier = ?")
		args = append(args, string(tier))
	}
	if companionID != "" {
		sets = append(sets, "chosen_companion = ?")
		args = append(args, companionID)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), visitorID)

	query := `UPDATE visitors SET ` + strings.Join(sets, ", ") + ` WHERE visitor_id = ?`
	return s.execOne(ctx, "update_profile", query, args...)
}

// UnlockTier records a confirmed purchase of tier and selects it. A purchase
// never lowers a previously unlocked tier.
func (s *SQLiteStore) UnlockTier(ctx context.Context, visitorID string, tier entitlement.TierID) error {
	v, err := s.GetVisitor(ctx, visitorID)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("unlock tier for %s: %w", visitorID, ErrNotFound)
	}

	unlocked := tier
	if entitlement.Rank(v.UnlockedTier) > entitlement.Rank(tier) {
		unlocked = v.UnlockedTier
	}
	query := `UPDATE visitors SET tier = ?, unlocked_tier = ?, updated_at = ? WHERE visitor_id = ?`
	return s.execOne(ctx, "unlock_tier", query, string(tier), string(unlocked), time.Now().Unix(), visitorID)
}

func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...any) error {
	return shared.RetryOnConflict(ctx, retryAttempts, retryBaseDelay, op, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil
	})
}

// GetUsage returns the visitor's usage window.
func (s *SQLiteStore) GetUsage(ctx context.Context, visitorID string) (*domain.Usage, error) {
	query := `SELECT visitor_id, count, window_start FROM usage_windows WHERE visitor_id = ?`

	var u domain.Usage
	var start int64
	err := s.db.QueryRowContext(ctx, query, visitorID).Scan(&u.VisitorID, &u.Count, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage row: %w", err)
	}
	u.WindowStart = time.Unix(start, 0)
	return &u, nil
}

// IncrementUsage counts one message and returns the new count.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, visitorID string, window time.Duration, now time.Time) (int, error) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	expiredBefore := now.Add(-window).Unix()
	query := `
	INSERT INTO usage_windows (visitor_id, count, window_start)
	VALUES (?, 1, ?)
	ON CONFLICT(visitor_id) DO UPDATE SET
		count = CASE WHEN usage_windows.window_start <= ? THEN 1 ELSE usage_windows.count + 1 END,
		window_start = CASE WHEN usage_windows.window_start <= ? THEN excluded.window_start ELSE usage_windows.window_start END
	RETURNING count`

	var count int
	err := shared.RetryOnConflict(ctx, retryAttempts, retryBaseDelay, "increment_usage", func() error {
		row := s.db.QueryRowContext(ctx, query, visitorID, now.Unix(), expiredBefore, expiredBefore)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("increment usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ResetExpiredUsage removes usage windows that started before now-window.
func (s *SQLiteStore) ResetExpiredUsage(ctx context.Context, window time.Duration, now time.Time) (int64, error) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	threshold := now.Add(-window).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM usage_windows WHERE window_start <= ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("reset expired usage: %w", err)
	}
	return result.RowsAffected()
}

// AppendMessages stores messages in order within one transaction.
func (s *SQLiteStore) AppendMessages(ctx context.Context, msgs ...*domain.StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return shared.RetryOnConflict(ctx, retryAttempts, retryBaseDelay, "append_messages", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append messages: %w", err)
		}
		defer func() {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back append messages", "error", rbErr)
			}
		}()

		query := `
		INSERT INTO messages (id, visitor_id, session_id, companion_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
		for _, m := range msgs {
			if _, err := tx.ExecContext(ctx, query,
				m.ID, m.VisitorID, m.SessionID, m.CompanionID, m.Role, m.Content, m.CreatedAt.UnixMilli(),
			); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append messages: %w", err)
		}
		return nil
	})
}

// ListMessages returns up to limit most recent messages of a session, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, visitorID, sessionID string, limit int) ([]*domain.StoredMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, visitor_id, session_id, companion_id, role, content, created_at FROM (
			SELECT seq, id, visitor_id, session_id, companion_id, role, content, created_at
			FROM messages WHERE visitor_id = ? AND session_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, visitorID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []*domain.StoredMessage
	for rows.Next() {
		var m domain.StoredMessage
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.VisitorID, &m.SessionID, &m.CompanionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// CreateCheckout stores a new checkout session.
func (s *SQLiteStore) CreateCheckout(ctx context.Context, c *domain.CheckoutSession) error {
	query := `
	INSERT INTO checkout_sessions (id, visitor_id, tier, status, created_at)
	VALUES (?, ?, ?, ?, ?)`
	return shared.RetryOnConflict(ctx, retryAttempts, retryBaseDelay, "create_checkout", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			c.ID, c.VisitorID, string(c.Tier), c.Status, c.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("create checkout: %w", err)
		}
		return nil
	})
}

// GetCheckout retrieves a checkout session.
func (s *SQLiteStore) GetCheckout(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	query := `
		SELECT id, visitor_id, tier, status, created_at, confirmed_at
		FROM checkout_sessions WHERE id = ?`

	var c domain.CheckoutSession
	var tier string
	var createdAt int64
	var confirmedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.VisitorID, &tier, &c.Status, &createdAt, &confirmedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkout row: %w", err)
	}

	c.Tier = entitlement.TierID(tier)
	c.CreatedAt = time.Unix(createdAt, 0)
	if confirmedAt.Valid {
		ts := time.Unix(confirmedAt.Int64, 0)
		c.ConfirmedAt = &ts
	}
	return &c, nil
}

// ConfirmCheckout marks a checkout session paid.
func (s *SQLiteStore) ConfirmCheckout(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE checkout_sessions SET status = ?, confirmed_at = ? WHERE id = ?`
	return s.execOne(ctx, "confirm_checkout", query, domain.CheckoutConfirmed, at.Unix(), id)
}

var _ Repository = (*SQLiteStore)(nil)
