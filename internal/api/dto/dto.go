package dto

import "encoding/json"

// EnqueueJobRequest is the body of POST /api/v1/jobs. The payload shape
// depends on the job type and is validated before the job is published.
type EnqueueJobRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

type EnqueueJobResponse struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	EnqueuedAt  string `json:"enqueued_at"`
}

// StartOnboardingRequest is the body of POST /api/v1/onboarding.
type StartOnboardingRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	FullName string `json:"full_name"`
	UserType string `json:"user_type"`
}

// DeliverEventRequest is the body of POST /api/v1/onboarding/:instance_id/events.
type DeliverEventRequest struct {
	Event string          `json:"event" binding:"required"`
	Data  json.RawMessage `json:"data"`
}

type InstanceDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	UpdatedAt   string `json:"updated_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

type StepDTO struct {
	Name        string `json:"name"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type GetInstanceResponse struct {
	Instance InstanceDTO `json:"instance"`
	Steps    []StepDTO   `json:"steps"`
}

type ListInstancesRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListInstancesResponse struct {
	Instances  []InstanceDTO `json:"instances"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ScoreResponse reports a user's Ubuntu score and the level derived
// from it.
type ScoreResponse struct {
	UserID string `json:"user_id"`
	Score  int    `json:"score"`
	Level  string `json:"level"`
}
