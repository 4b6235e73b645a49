package jobs

import (
	"encoding/json"
	"fmt"
)

// Payload structs for each job kind. Each Decode helper is the structural
// guard run before dispatch: a recognized kind whose payload fails the
// guard is skipped and acknowledged, never retried.

// IncrementViewCountPayload bumps a view counter on one entity.
type IncrementViewCountPayload struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

func (p *IncrementViewCountPayload) validate() error {
	if p.Table == "" {
		return fmt.Errorf("table is required")
	}
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// LogActivityPayload appends one activity record.
type LogActivityPayload struct {
	UserID   string          `json:"user_id"`
	Action   string          `json:"action"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (p *LogActivityPayload) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// AwardUbuntuPointsPayload credits points to a user with a ledger reason.
type AwardUbuntuPointsPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
	Points int    `json:"points"`
}

func (p *AwardUbuntuPointsPayload) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	if p.Points <= 0 {
		return fmt.Errorf("points must be positive")
	}
	return nil
}

// SyncStripeSubscriptionPayload upserts a subscription status record.
type SyncStripeSubscriptionPayload struct {
	SubscriptionID string `json:"subscription_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	PriceID        string `json:"price_id,omitempty"`
}

func (p *SyncStripeSubscriptionPayload) validate() error {
	if p.SubscriptionID == "" {
		return fmt.Errorf("subscription_id is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// UpdateSearchIndexPayload upserts one search index document.
type UpdateSearchIndexPayload struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

func (p *UpdateSearchIndexPayload) validate() error {
	if p.Table == "" {
		return fmt.Errorf("table is required")
	}
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// SendNotificationPayload records one notification for delivery.
type SendNotificationPayload struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
}

func (p *SendNotificationPayload) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// StartOnboardingPayload begins an onboarding workflow instance.
type StartOnboardingPayload struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	UserType string `json:"user_type"`
}

func (p *StartOnboardingPayload) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.Email == "" {
		return fmt.Errorf("email is required")
	}
	return nil
}

// WorkflowEventPayload delivers a named event to one workflow instance.
type WorkflowEventPayload struct {
	InstanceID string          `json:"instance_id"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (p *WorkflowEventPayload) validate() error {
	if p.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if p.Event == "" {
		return fmt.Errorf("event is required")
	}
	return nil
}

type validator interface {
	validate() error
}

// DecodePayload unmarshals raw into dest and runs its structural guard.
// Failures wrap ErrMalformedPayload so the pool treats them as terminal.
func DecodePayload(raw json.RawMessage, dest validator) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := dest.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
