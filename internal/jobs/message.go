package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a background job type. The set is closed: the worker
// dispatches with an exhaustive switch, and unrecognized tags coming off
// the wire are logged and acknowledged at the transport boundary.
type Kind string

const (
	KindIncrementViewCount     Kind = "increment-view-count"
	KindLogActivity            Kind = "log-activity"
	KindAwardUbuntuPoints      Kind = "award-ubuntu-points"
	KindSyncStripeSubscription Kind = "sync-stripe-subscription"
	KindUpdateSearchIndex      Kind = "update-search-index"
	KindCleanupExpiredSessions Kind = "cleanup-expired-sessions"
	KindRecalculateLevels      Kind = "recalculate-ubuntu-levels"
	KindSendNotification       Kind = "send-notification"
	KindStartOnboarding        Kind = "start-onboarding"
	KindWorkflowEvent          Kind = "workflow-event"
)

// Known reports whether k is a recognized job kind.
func Known(k Kind) bool {
	switch k {
	case KindIncrementViewCount, KindLogActivity, KindAwardUbuntuPoints,
		KindSyncStripeSubscription, KindUpdateSearchIndex,
		KindCleanupExpiredSessions, KindRecalculateLevels,
		KindSendNotification, KindStartOnboarding, KindWorkflowEvent:
		return true
	}
	return false
}

// Message is the queue envelope. Payload shape depends on Kind; the
// timestamp is set by the producer and participates in the dedupe
// fingerprint.
type Message struct {
	Kind       Kind            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retry_count,omitempty"`
}

// NewMessage builds an envelope for the given kind, marshaling payload
// and stamping the current time.
func NewMessage(kind Kind, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	return &Message{
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode serializes the envelope for publishing.
func (m *Message) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return body, nil
}

// Decode parses a wire envelope. The kind is not validated here; the
// processor decides how to treat unknown tags.
func Decode(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Kind == "" {
		return nil, fmt.Errorf("decode message: missing type")
	}
	return &msg, nil
}
