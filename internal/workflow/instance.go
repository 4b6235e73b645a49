// Package workflow implements a durable, resumable step engine for
// long-lived user lifecycles. State is persisted after every transition,
// so a restarted process replays completed steps as no-ops and restores
// in-flight waits with their remaining deadline.
package workflow

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrInstanceNotFound is returned for lookups of unknown instances.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrCancelled aborts a run when the instance was cancelled; it is
	// not recorded as a failure.
	ErrCancelled = errors.New("workflow instance cancelled")
)

// Instance is one durable execution of a named workflow for a specific
// subject. The payload is immutable input.
type Instance struct {
	ID          string          `db:"id"`
	Name        string          `db:"name"`
	Status      Status          `db:"status"`
	Payload     json.RawMessage `db:"payload"`
	StartedAt   time.Time       `db:"started_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
	CompletedAt *time.Time      `db:"completed_at"`
	Error       string          `db:"error"`
}

// StepRecord is the durable completion record for one named step of one
// instance. StartedAt is written when the step begins, which is what
// anchors a resumed wait's remaining time; CompletedAt plus Result
// mark the step done so re-execution skips it.
type StepRecord struct {
	InstanceID  string          `db:"instance_id"`
	StepName    string          `db:"step_name"`
	StartedAt   time.Time       `db:"started_at"`
	CompletedAt *time.Time      `db:"completed_at"`
	Result      json.RawMessage `db:"result"`
}

// Completed reports whether the step finished.
func (r *StepRecord) Completed() bool {
	return r != nil && r.CompletedAt != nil
}

// Event is a named external signal scoped to one instance. At most one
// event per (instance, name) is kept; a consumed event never satisfies
// a second wait.
type Event struct {
	ID         string          `db:"id"`
	InstanceID string          `db:"instance_id"`
	Name       string          `db:"name"`
	Data       json.RawMessage `db:"data"`
	Consumed   bool            `db:"consumed"`
	CreatedAt  time.Time       `db:"created_at"`
}

// OnboardingPayload is the immutable input of an onboarding instance.
type OnboardingPayload struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	UserType string `json:"user_type"`
}
