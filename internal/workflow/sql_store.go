package workflow

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

// SQLStore is the PostgreSQL-backed Store.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLStore creates a new SQLStore instance
func NewSQLStore(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger,
	}
}

func (s *SQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	query := `
		INSERT INTO workflow_instances (id, name, status, payload, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`

	if _, err := s.db.ExecContext(ctx, query, inst.ID, inst.Name, inst.Status, []byte(inst.Payload), inst.StartedAt); err != nil {
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}

	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	query := `
		SELECT id, name, status, payload, started_at, updated_at, completed_at, error
		FROM workflow_instances
		WHERE id = $1
	`

	var inst Instance
	var completedAt sql.NullTime
	var errMsg sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&inst.ID,
		&inst.Name,
		&inst.Status,
		&inst.Payload,
		&inst.StartedAt,
		&inst.UpdatedAt,
		&completedAt,
		&errMsg,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}

	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	if errMsg.Valid {
		inst.Error = errMsg.String
	}

	return &inst, nil
}

func (s *SQLStore) ListActive(ctx context.Context) ([]Instance, error) {
	query := `
		SELECT id, name, status, payload, started_at, updated_at
		FROM workflow_instances
		WHERE status IN ($1, $2, $3)
		ORDER BY started_at
	`

	rows, err := s.db.QueryContext(ctx, query, StatusPending, StatusRunning, StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.Status, &inst.Payload, &inst.StartedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read instances: %w", err)
	}

	return instances, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	query := `
		UPDATE workflow_instances
		SET status = $1,
		    error = $2,
		    completed_at = CASE WHEN $1 IN ($3, $4, $5) THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $6
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, StatusCompleted, StatusFailed, StatusCancelled, id)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

func (s *SQLStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	// Conditional so a cancellation that landed between instance load
	// and the run's first status write is never overwritten.
	query := `
		UPDATE workflow_instances
		SET status = $1,
		    error = '',
		    updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4, $5)
	`

	result, err := s.db.ExecContext(ctx, query, StatusRunning, id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("failed to mark instance running: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	// No row changed: either the instance is terminal or it is gone.
	if _, err := s.GetInstance(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) GetStep(ctx context.Context, instanceID, stepName string) (*StepRecord, error) {
	query := `
		SELECT instance_id, step_name, started_at, completed_at, result
		FROM workflow_steps
		WHERE instance_id = $1 AND step_name = $2
	`

	var rec StepRecord
	var completedAt sql.NullTime
	var result []byte

	err := s.db.QueryRowContext(ctx, query, instanceID, stepName).Scan(
		&rec.InstanceID,
		&rec.StepName,
		&rec.StartedAt,
		&completedAt,
		&result,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get step record: %w", err)
	}

	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	rec.Result = result

	return &rec, nil
}

func (s *SQLStore) BeginStep(ctx context.Context, instanceID, stepName string, at time.Time) (*StepRecord, error) {
	// The conflict no-op keeps the original start time, which anchors a
	// resumed wait's remaining time.
	query := `
		INSERT INTO workflow_steps (instance_id, step_name, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id, step_name) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, instanceID, stepName, at); err != nil {
		return nil, fmt.Errorf("failed to begin step: %w", err)
	}

	return s.GetStep(ctx, instanceID, stepName)
}

func (s *SQLStore) CompleteStep(ctx context.Context, instanceID, stepName string, result json.RawMessage) error {
	query := `
		UPDATE workflow_steps
		SET completed_at = NOW(),
		    result = $1
		WHERE instance_id = $2 AND step_name = $3
	`

	if _, err := s.db.ExecContext(ctx, query, []byte(result), instanceID, stepName); err != nil {
		return fmt.Errorf("failed to complete step: %w", err)
	}

	return nil
}

func (s *SQLStore) InsertEvent(ctx context.Context, evt *Event) (bool, error) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}

	query := `
		INSERT INTO workflow_events (id, instance_id, name, data, consumed, created_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW())
		ON CONFLICT (instance_id, name) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query, evt.ID, evt.InstanceID, evt.Name, []byte(evt.Data))
	if err != nil {
		return false, fmt.Errorf("failed to insert workflow event: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return inserted > 0, nil
}

func (s *SQLStore) GetEvent(ctx context.Context, instanceID, name string) (*Event, error) {
	query := `
		SELECT id, instance_id, name, data, consumed, created_at
		FROM workflow_events
		WHERE instance_id = $1 AND name = $2
	`

	var evt Event
	err := s.db.QueryRowContext(ctx, query, instanceID, name).Scan(
		&evt.ID,
		&evt.InstanceID,
		&evt.Name,
		&evt.Data,
		&evt.Consumed,
		&evt.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow event: %w", err)
	}

	return &evt, nil
}

func (s *SQLStore) ConsumeEvent(ctx context.Context, instanceID, name string) (*Event, error) {
	query := `
		UPDATE workflow_events
		SET consumed = TRUE
		WHERE instance_id = $1 AND name = $2 AND consumed = FALSE
		RETURNING id, instance_id, name, data, consumed, created_at
	`

	var evt Event
	err := s.db.QueryRowContext(ctx, query, instanceID, name).Scan(
		&evt.ID,
		&evt.InstanceID,
		&evt.Name,
		&evt.Data,
		&evt.Consumed,
		&evt.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume workflow event: %w", err)
	}

	return &evt, nil
}
