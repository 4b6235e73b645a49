package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists instances, step records, and events. Every engine
// transition goes through the store before the run advances; that is the
// durability contract.
type Store interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListActive(ctx context.Context) ([]Instance, error)
	UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error
	// MarkRunning transitions a non-terminal instance to running.
	// Returns false without writing when the instance has already
	// reached a terminal status.
	MarkRunning(ctx context.Context, id string) (bool, error)

	// GetStep returns nil (no error) when the step has never started.
	GetStep(ctx context.Context, instanceID, stepName string) (*StepRecord, error)
	// BeginStep records the step's start time once; re-recording an
	// already-started step keeps the original time.
	BeginStep(ctx context.Context, instanceID, stepName string, at time.Time) (*StepRecord, error)
	CompleteStep(ctx context.Context, instanceID, stepName string, result json.RawMessage) error

	// InsertEvent stores an event; redelivery for the same
	// (instance, name) is a no-op and returns false.
	InsertEvent(ctx context.Context, evt *Event) (bool, error)
	// ConsumeEvent marks the matching unconsumed event consumed and
	// returns it, or nil when none is pending.
	ConsumeEvent(ctx context.Context, instanceID, name string) (*Event, error)
	// GetEvent returns the event row for (instance, name) regardless of
	// its consumed flag, or nil when none was ever delivered.
	GetEvent(ctx context.Context, instanceID, name string) (*Event, error)
}
