package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ubuntuhub/community-worker/internal/jobs"
	"github.com/ubuntuhub/community-worker/internal/worker/storage"
	"github.com/ubuntuhub/community-worker/internal/workflow"
)

// Outcome is the tri-state result of handling one message.
type Outcome string

const (
	// OutcomeProcessed means the handler ran; ack.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate means the fingerprint was already claimed; ack
	// without invoking the handler.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped means an unknown type or malformed payload; ack,
	// never retry.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the handler raised; nack for redelivery.
	OutcomeFailed Outcome = "failed"
)

// RetentionAge is the cutoff for the maintenance jobs that prune
// activity and session data.
const RetentionAge = 30 * 24 * time.Hour

// Store is the relational surface the handlers need. Implemented by
// storage.Storage; tests inject a fake.
type Store interface {
	IncrementViewCount(ctx context.Context, table, id string) error
	InsertActivity(ctx context.Context, userID, action string, metadata json.RawMessage) error
	AwardPoints(ctx context.Context, userID, reason string, points int) (*storage.AwardResult, error)
	UpsertSubscription(ctx context.Context, subscriptionID, userID, status, priceID string) error
	UpsertSearchDocument(ctx context.Context, table, id, title, body string) error
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
	ReconcileScores(ctx context.Context) (int64, error)
	InsertNotification(ctx context.Context, userID, kind, title, body string) error
}

// Publisher enqueues follow-up jobs.
type Publisher interface {
	Publish(ctx context.Context, msg *jobs.Message) error
}

// WorkflowRunner is the workflow engine surface the processor bridges
// into for queue-routed triggers.
type WorkflowRunner interface {
	StartOnboarding(ctx context.Context, payload workflow.OnboardingPayload) (*workflow.Instance, error)
	DeliverEvent(ctx context.Context, instanceID, name string, data json.RawMessage) error
	ResumeActive(ctx context.Context) error
}

// ProcessorDeps holds the processor's injected dependencies.
type ProcessorDeps struct {
	Logger    *slog.Logger
	Store     Store
	Dedupe    DedupeStore
	Publisher Publisher
	Workflows WorkflowRunner
}

// Processor handles one message at a time: fingerprint, dedupe claim,
// exhaustive dispatch by kind, success confirmation.
type Processor struct {
	logger    *slog.Logger
	store     Store
	dedupe    DedupeStore
	publisher Publisher
	workflows WorkflowRunner
}

// NewProcessor creates a new Processor instance
func NewProcessor(deps *ProcessorDeps) *Processor {
	return &Processor{
		logger:    deps.Logger,
		store:     deps.Store,
		dedupe:    deps.Dedupe,
		publisher: deps.Publisher,
		workflows: deps.Workflows,
	}
}

// Process runs the dedupe-then-dispatch pipeline for one envelope.
// A non-nil error always accompanies OutcomeFailed; jobs.RetryableError
// wrapping tells the pool to requeue.
func (p *Processor) Process(ctx context.Context, msg *jobs.Message) (Outcome, error) {
	if !jobs.Known(msg.Kind) {
		p.logger.Warn("Unknown job type, acknowledging without handler",
			slog.String("type", string(msg.Kind)),
		)
		return OutcomeSkipped, nil
	}

	key := msg.Fingerprint()

	claim, err := p.dedupe.Begin(ctx, key)
	if err != nil {
		// The shared cache is unreachable; retry rather than risk a
		// double execution being silently allowed through.
		return OutcomeFailed, jobs.NewRetryableError(err)
	}
	if claim == DedupeDuplicate {
		p.logger.Info("Duplicate job skipped",
			slog.String("type", string(msg.Kind)),
			slog.String("fingerprint", key),
		)
		return OutcomeDuplicate, nil
	}

	if err := p.dispatch(ctx, msg); err != nil {
		if errors.Is(err, jobs.ErrMalformedPayload) {
			p.logger.Warn("Malformed payload, acknowledging without retry",
				slog.String("type", string(msg.Kind)),
				slog.String("error", err.Error()),
			)
			return OutcomeSkipped, nil
		}

		p.logger.Error("Job handler failed",
			slog.String("type", string(msg.Kind)),
			slog.String("fingerprint", key),
			slog.String("error", err.Error()),
		)
		// The inflight marker stays; after the grace period a
		// redelivery of this fingerprint runs again.
		return OutcomeFailed, jobs.NewRetryableError(err)
	}

	if err := p.dedupe.Done(ctx, key); err != nil {
		// The job ran; losing the done marker only weakens dedupe, so
		// log and ack anyway.
		p.logger.Warn("Failed to confirm dedupe marker",
			slog.String("fingerprint", key),
			slog.String("error", err.Error()),
		)
	}

	p.logger.Info("Job processed",
		slog.String("type", string(msg.Kind)),
	)
	return OutcomeProcessed, nil
}

// dispatch routes by kind. The switch is exhaustive over the closed
// set; Known filtered everything else upstream.
func (p *Processor) dispatch(ctx context.Context, msg *jobs.Message) error {
	switch msg.Kind {
	case jobs.KindIncrementViewCount:
		return p.handleIncrementViewCount(ctx, msg.Payload)
	case jobs.KindLogActivity:
		return p.handleLogActivity(ctx, msg.Payload)
	case jobs.KindAwardUbuntuPoints:
		return p.handleAwardPoints(ctx, msg.Payload)
	case jobs.KindSyncStripeSubscription:
		return p.handleSyncStripeSubscription(ctx, msg.Payload)
	case jobs.KindUpdateSearchIndex:
		return p.handleUpdateSearchIndex(ctx, msg.Payload)
	case jobs.KindCleanupExpiredSessions:
		return p.handleCleanupExpiredSessions(ctx)
	case jobs.KindRecalculateLevels:
		return p.handleRecalculateLevels(ctx)
	case jobs.KindSendNotification:
		return p.handleSendNotification(ctx, msg.Payload)
	case jobs.KindStartOnboarding:
		return p.handleStartOnboarding(ctx, msg.Payload)
	case jobs.KindWorkflowEvent:
		return p.handleWorkflowEvent(ctx, msg.Payload)
	}
	return jobs.ErrUnknownKind
}
