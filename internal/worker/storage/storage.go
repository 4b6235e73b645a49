package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Tables that may carry a view counter. The table name is interpolated
// into SQL, so only allowlisted names are accepted.
var viewCountTables = map[string]bool{
	"directory_listings": true,
	"community_posts":    true,
	"events":             true,
	"resources":          true,
}

// ErrTableNotAllowed is returned for view-count updates against tables
// outside the allowlist.
var ErrTableNotAllowed = fmt.Errorf("table not allowed for view counts")

// ErrProfileNotFound is returned when a points award targets a user
// without a profile row.
var ErrProfileNotFound = fmt.Errorf("profile not found")

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// IncrementViewCount bumps the view counter on one entity. Deliberately
// read-then-write: concurrent increments on the same row can lose an
// update, which is acceptable for approximate counters.
func (s *Storage) IncrementViewCount(ctx context.Context, table, id string) error {
	if !viewCountTables[table] {
		return fmt.Errorf("%w: %s", ErrTableNotAllowed, table)
	}

	var current int
	query := fmt.Sprintf("SELECT view_count FROM %s WHERE id = $1", table)
	if err := s.db.GetContext(ctx, &current, query, id); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("entity %s/%s not found", table, id)
		}
		return fmt.Errorf("failed to read view count: %w", err)
	}

	update := fmt.Sprintf("UPDATE %s SET view_count = $1 WHERE id = $2", table)
	if _, err := s.db.ExecContext(ctx, update, current+1, id); err != nil {
		return fmt.Errorf("failed to write view count: %w", err)
	}

	return nil
}

// InsertActivity appends one activity record.
func (s *Storage) InsertActivity(ctx context.Context, userID, action string, metadata json.RawMessage) error {
	query := `
		INSERT INTO activity_logs (id, user_id, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	var meta any
	if len(metadata) > 0 {
		meta = []byte(metadata)
	}

	_, err := s.db.ExecContext(ctx, query, uuid.New().String(), userID, action, meta)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}

	return nil
}

// AwardResult reports the score transition for one award.
type AwardResult struct {
	OldScore int
	NewScore int
}

// AwardPoints credits points atomically (score = score + delta at the
// storage layer, no read-modify-write race) and appends the ledger row.
// Both statements run in one transaction so the ledger sum reconciles
// with the aggregate.
func (s *Storage) AwardPoints(ctx context.Context, userID, reason string, points int) (*AwardResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin award transaction: %w", err)
	}
	defer tx.Rollback()

	var newScore int
	update := `
		UPDATE profiles
		SET ubuntu_score = ubuntu_score + $1,
		    updated_at = NOW()
		WHERE user_id = $2
		RETURNING ubuntu_score
	`
	if err := tx.QueryRowContext(ctx, update, points, userID).Scan(&newScore); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
		}
		return nil, fmt.Errorf("failed to update score: %w", err)
	}

	insert := `
		INSERT INTO point_contributions (id, user_id, reason, points_earned, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := tx.ExecContext(ctx, insert, uuid.New().String(), userID, reason, points); err != nil {
		return nil, fmt.Errorf("failed to insert contribution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit award: %w", err)
	}

	s.logger.Info("Points awarded",
		slog.String("user_id", userID),
		slog.String("reason", reason),
		slog.Int("points", points),
		slog.Int("new_score", newScore),
	)

	return &AwardResult{
		OldScore: newScore - points,
		NewScore: newScore,
	}, nil
}

// UpsertSubscription writes a subscription status keyed by the external
// subscription id. Idempotent, safe under retry.
func (s *Storage) UpsertSubscription(ctx context.Context, subscriptionID, userID, status, priceID string) error {
	query := `
		INSERT INTO subscriptions (subscription_id, user_id, status, price_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (subscription_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    status = EXCLUDED.status,
		    price_id = EXCLUDED.price_id,
		    updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, subscriptionID, userID, status, priceID); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return nil
}

// UpsertSearchDocument writes one search index entry for an entity.
func (s *Storage) UpsertSearchDocument(ctx context.Context, table, id, title, body string) error {
	query := `
		INSERT INTO search_index (entity_table, entity_id, title, body, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (entity_table, entity_id) DO UPDATE
		SET title = EXCLUDED.title,
		    body = EXCLUDED.body,
		    updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, table, id, title, body); err != nil {
		return fmt.Errorf("failed to upsert search document: %w", err)
	}

	return nil
}

// DeleteExpiredSessions removes sessions idle past the cutoff. No
// batching: the statement must tolerate large result sets.
func (s *Storage) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE last_seen_at < $1`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// ReconcileScores rewrites every profile's aggregate score from its
// ledger sum. Levels are derived from the aggregate and never stored,
// so there is no level column to touch.
func (s *Storage) ReconcileScores(ctx context.Context) (int64, error) {
	query := `
		UPDATE profiles p
		SET ubuntu_score = COALESCE(l.total, 0),
		    updated_at = NOW()
		FROM (
			SELECT user_id, SUM(points_earned) AS total
			FROM point_contributions
			GROUP BY user_id
		) l
		WHERE p.user_id = l.user_id
		  AND p.ubuntu_score <> COALESCE(l.total, 0)
	`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile scores: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return updated, nil
}

// MarkOnboardingComplete stamps the profile's onboarding completion
// time. Idempotent: a second call leaves the original timestamp.
func (s *Storage) MarkOnboardingComplete(ctx context.Context, userID string, at time.Time) error {
	query := `
		UPDATE profiles
		SET onboarding_completed_at = COALESCE(onboarding_completed_at, $1),
		    updated_at = NOW()
		WHERE user_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, at, userID); err != nil {
		return fmt.Errorf("failed to mark onboarding complete: %w", err)
	}

	return nil
}

// InsertNotification records one notification. Delivery is handled
// elsewhere; this only persists the record.
func (s *Storage) InsertNotification(ctx context.Context, userID, kind, title, body string) error {
	query := `
		INSERT INTO notifications (id, user_id, kind, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	if _, err := s.db.ExecContext(ctx, query, uuid.New().String(), userID, kind, title, body); err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	return nil
}
