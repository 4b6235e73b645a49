package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ubuntuhub/community-worker/internal/workflow"
	"github.com/ubuntuhub/community-worker/shared/postgresql"
)

// ErrProfileNotFound is returned for score lookups of unknown users.
var ErrProfileNotFound = errors.New("profile not found")

// ErrInstanceTerminal is returned when cancelling an instance that has
// already reached a terminal status.
var ErrInstanceTerminal = errors.New("workflow instance already terminal")

// Storage is the API's read and admin surface over workflow instances
// and profiles. Instance rows are shared with the worker's engine; the
// API never advances a run, it only reads and cancels.
type Storage struct {
	pg    *postgresql.Client
	db    *sqlx.DB
	flows *workflow.SQLStore
}

// NewStorage creates a new Storage instance
func NewStorage(pg *postgresql.Client, logger *slog.Logger) *Storage {
	db := pg.GetDB()
	return &Storage{
		pg:    pg,
		db:    db,
		flows: workflow.NewSQLStore(db, logger),
	}
}

// HealthCheck verifies database connectivity for the health endpoint.
func (s *Storage) HealthCheck(ctx context.Context) error {
	return s.pg.HealthCheck(ctx)
}

// GetInstance loads one workflow instance.
func (s *Storage) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	return s.flows.GetInstance(ctx, id)
}

// CancelInstance marks a non-terminal instance cancelled. The worker's
// engine observes the status at its next step boundary or wait wakeup.
func (s *Storage) CancelInstance(ctx context.Context, id string) error {
	inst, err := s.flows.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInstanceTerminal, id, inst.Status)
	}

	return s.flows.UpdateStatus(ctx, id, workflow.StatusCancelled, "")
}

// ListSteps returns the step records of one instance in start order.
func (s *Storage) ListSteps(ctx context.Context, instanceID string) ([]workflow.StepRecord, error) {
	query := `
		SELECT instance_id, step_name, started_at, completed_at, result
		FROM workflow_steps
		WHERE instance_id = $1
		ORDER BY started_at
	`

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []workflow.StepRecord
	for rows.Next() {
		var rec workflow.StepRecord
		var completedAt sql.NullTime
		var result []byte

		if err := rows.Scan(&rec.InstanceID, &rec.StepName, &rec.StartedAt, &completedAt, &result); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		rec.Result = result
		steps = append(steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read steps: %w", err)
	}

	return steps, nil
}

// InstanceFilter selects instances for listing.
type InstanceFilter struct {
	Status   string
	PageSize int
	Cursor   *InstanceCursor
}

// InstanceCursor is a keyset pagination position over
// (started_at, id) descending.
type InstanceCursor struct {
	StartedAt time.Time
	ID        string
}

// ListInstances pages through workflow instances, newest first. One
// extra row beyond PageSize signals the caller that more results exist.
func (s *Storage) ListInstances(ctx context.Context, filter InstanceFilter) ([]workflow.Instance, error) {
	query := `
		SELECT id, name, status, payload, started_at, updated_at, completed_at, error
		FROM workflow_instances
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (started_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.StartedAt, filter.Cursor.ID)
		argIdx += 2
	}

	// Order by started_at DESC, id DESC for consistent pagination
	query += " ORDER BY started_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []workflow.Instance
	for rows.Next() {
		var inst workflow.Instance
		var completedAt sql.NullTime
		var errMsg sql.NullString

		if err := rows.Scan(&inst.ID, &inst.Name, &inst.Status, &inst.Payload,
			&inst.StartedAt, &inst.UpdatedAt, &completedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		if completedAt.Valid {
			inst.CompletedAt = &completedAt.Time
		}
		if errMsg.Valid {
			inst.Error = errMsg.String
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read instances: %w", err)
	}

	return instances, nil
}

// GetProfileScore reads one user's aggregate Ubuntu score.
func (s *Storage) GetProfileScore(ctx context.Context, userID string) (int, error) {
	var score int
	query := `SELECT ubuntu_score FROM profiles WHERE user_id = $1`

	if err := s.db.GetContext(ctx, &score, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
		}
		return 0, fmt.Errorf("failed to get profile score: %w", err)
	}

	return score, nil
}
