package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ubuntuhub/community-worker/internal/jobs"
	"github.com/ubuntuhub/community-worker/internal/ubuntu"
	"github.com/ubuntuhub/community-worker/internal/worker/storage"
	"github.com/ubuntuhub/community-worker/internal/workflow"
)

func (p *Processor) handleIncrementViewCount(ctx context.Context, raw json.RawMessage) error {
	var payload jobs.IncrementViewCountPayload
	if err := jobs.DecodePayload(raw, &payload); err != nil {
		return err
	}

	if err := p.store.IncrementViewCount(ctx, payload.Table, payload.ID); err != nil {
		if errors.Is(err, storage.ErrTableNotAllowed) {
			return fmt.Errorf("%w: %s", jobs.ErrMalformedPayload, err.Error())
		}
		return fmt.Errorf("increment view count: %w", err)
	}
	return nil
}

func (p *Processor) handleLogActivity(ctx context.Context, raw json.RawMessage) error {
	var payload jobs.LogActivityPayload
	if err := jobs.DecodePayload(raw, &payload); err != nil {
		return err
	}

	// Activity logging is best effort; a lost row is acceptable, a
	// requeue storm over the activity table is not.
	if err := p.store.InsertActivity(ctx, payload.UserID, payload.Action, payload.Metadata); err != nil {
		p.logger.Warn("Failed to record activity",
			slog.String("user_id", payload.UserID),
			slog.String("action", payload.Action),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (p *Processor) handleAwardPoints(ctx context.Context, raw json.RawMessage) error {
	var payload jobs.AwardUbuntuPointsPayload
	if err := jobs.DecodePayload(raw, &payload); err != nil {
		return err
	}

	result, err := p.store.AwardPoints(ctx, payload.UserID, payload.Reason, payload.Points)
	if err != nil {
		if errors.Is(err, storage.ErrProfileNotFound) {
			return fmt.Errorf("%w: no profile for user %s", jobs.ErrMalformedPayload, payload.UserID)
		}
		return fmt.Errorf("award points: %w", err)
	}

	if up := ubuntu.CheckLevelUp(result.OldScore, result.NewScore); up.LeveledUp {
		p.logger.Info("Ubuntu level up",
			slog.String("user_id", payload.UserID),
			slog.String("from", up.From.Name),
			slog.String("to", up.To.Name),
			slog.Int("score", result.NewScore),
		)
		msg, err := jobs.NewMessage(jobs.KindSendNotification, jobs.SendNotificationPayload{
			UserID: payload.UserID,
			Kind:   "level_up",
			Title:  "Level up!",
			Body:   fmt.Sprintf("You reached %s with %d Ubuntu points.", up.To.Name, result.NewScore),
		})
		if err == nil {
			err = p.publisher.Publish(ctx, msg)
		}
		if err != nil {
			// Award already committed; the notification is a bonus.
			p.logger.Warn("Failed to enqueue level-up notification",
				slog.String("user_id", payload.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (p *Processor) handleSyncStripeSubscription(ctx context.Context, raw json.RawMessage) error {
	var payload jobs.SyncStripeSubscriptionPayload
	if err := jobs.DecodePayload(raw, &payload); err != nil {
		return err
	}

	if err := p.store.UpsertSubscription(ctx, payload.SubscriptionID, payload.UserID, payload.Status, payload.PriceID); err != nil {
		return fmt.Errorf("sync subscription: %w", err)
	}
	return nil
}

func (p *Processor) handleUpdateSearchIndex(ctx context.Context, raw json.RawMessage) error {
	var payload jobs.UpdateSearchIndexPayload
	if err := jobs.DecodePayload(raw, &payload); err != nil {
		return err
	}

	if err := p.store.UpsertSearchDocument(ctx, payload.Table, payload.ID, payload.Title, payload.Body); err != nil {
		return fmt.Errorf("update search index: %w", err)
	}
	return nil
}

func (p *Processor) handleCleanupExpiredSessions(ctx context.Context) error {
	cutoff := time.Now().Add(-RetentionAge)
	deleted, err := p.store.DeleteExpiredSessions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup expired sessions: %w", err)
	}
	p.logger.Info("Expired sessions cleaned up",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

func (p *Processor) handleRecalculateLevels(ctx context.Context) error {
	updated, err := p.store.ReconcileScores(ctx)
	if err != nil {
		return fmt.Errorf("recalculate levels: %w", err)
	}
	p.logger.Info("Ubuntu scores reconciled",
		slog.Int64("updated", updated),
	)
	return nil
}

func (p *Processor) handleSendNotification(ctx context.Context, raw json.RawMessage) error {
	var payload jobs.SendNotificationPayload
	if err := jobs.DecodePayload(raw, &payload); err != nil {
		return err
	}

	if err := p.store.InsertNotification(ctx, payload.UserID, payload.Kind, payload.Title, payload.Body); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

func (p *Processor) handleStartOnboarding(ctx context.Context, raw json.RawMessage) error {
	var payload jobs.StartOnboardingPayload
	if err := jobs.DecodePayload(raw, &payload); err != nil {
		return err
	}

	instance, err := p.workflows.StartOnboarding(ctx, workflow.OnboardingPayload{
		UserID:   payload.UserID,
		Email:    payload.Email,
		FullName: payload.FullName,
		UserType: payload.UserType,
	})
	if err != nil {
		return fmt.Errorf("start onboarding: %w", err)
	}

	p.logger.Info("Onboarding workflow started",
		slog.String("instance_id", instance.ID),
		slog.String("user_id", payload.UserID),
	)
	return nil
}

func (p *Processor) handleWorkflowEvent(ctx context.Context, raw json.RawMessage) error {
	var payload jobs.WorkflowEventPayload
	if err := jobs.DecodePayload(raw, &payload); err != nil {
		return err
	}

	if err := p.workflows.DeliverEvent(ctx, payload.InstanceID, payload.Event, payload.Data); err != nil {
		if errors.Is(err, workflow.ErrInstanceNotFound) {
			p.logger.Warn("Event for unknown workflow instance dropped",
				slog.String("instance_id", payload.InstanceID),
				slog.String("event", payload.Event),
			)
			return nil
		}
		return fmt.Errorf("deliver workflow event: %w", err)
	}
	return nil
}
