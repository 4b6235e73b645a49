package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ubuntuhub/community-worker/internal/jobs"
	"github.com/ubuntuhub/community-worker/internal/ubuntu"
)

// WorkflowOnboarding is the onboarding workflow name.
const WorkflowOnboarding = "onboarding"

// Onboarding step and event names. The sequence is fixed and linear;
// the only branching is the fallback arm of each wait.
const (
	StepSendWelcome            = "send-welcome"
	StepAwardFirstLogin        = "award-first-login"
	StepAwardProfileCompleted  = "award-profile-completed"
	StepSendProfileReminder    = "send-profile-reminder"
	StepAwardFirstContribution = "award-first-contribution"
	StepSendCongratulations    = "send-congratulations"
	StepSendEngagementReminder = "send-engagement-reminder"
	StepCompleteOnboarding     = "complete-onboarding"

	EventProfileCompleted  = "profile_completed"
	EventFirstContribution = "first_contribution"
)

// runOnboarding drives one user's onboarding lifecycle. Every action is
// an idempotent enqueue or upsert, so step-level retry is safe; the two
// waits fall back to reminder notifications on timeout and the final
// step always runs.
func (e *Engine) runOnboarding(ctx context.Context, inst *Instance) error {
	var payload OnboardingPayload
	if err := json.Unmarshal(inst.Payload, &payload); err != nil {
		return fmt.Errorf("decode onboarding payload: %w", err)
	}

	r := &run{engine: e, inst: inst, ctx: ctx}

	if err := r.step(StepSendWelcome, func(ctx context.Context) error {
		return e.enqueueNotification(ctx, payload.UserID, "welcome",
			"Welcome to the community", "We are glad you are here, "+payload.FullName+".")
	}); err != nil {
		return err
	}

	if err := r.step(StepAwardFirstLogin, func(ctx context.Context) error {
		return e.enqueueAward(ctx, payload.UserID, "first_login", ubuntu.PointsFirstLogin)
	}); err != nil {
		return err
	}

	profileEvt, err := r.waitForEvent(EventProfileCompleted, e.config.ProfileCompletedTimeout)
	if err != nil {
		return err
	}
	if profileEvt != nil {
		if err := r.step(StepAwardProfileCompleted, func(ctx context.Context) error {
			return e.enqueueAward(ctx, payload.UserID, "profile_completed", ubuntu.PointsProfileCompleted)
		}); err != nil {
			return err
		}
	} else {
		if err := r.step(StepSendProfileReminder, func(ctx context.Context) error {
			return e.enqueueNotification(ctx, payload.UserID, "profile_reminder",
				"Complete your profile", "A complete profile helps the community find you.")
		}); err != nil {
			return err
		}
	}

	contribEvt, err := r.waitForEvent(EventFirstContribution, e.config.FirstContributionTimeout)
	if err != nil {
		return err
	}
	if contribEvt != nil {
		if err := r.step(StepAwardFirstContribution, func(ctx context.Context) error {
			return e.enqueueAward(ctx, payload.UserID, "first_contribution", ubuntu.PointsFirstContribution)
		}); err != nil {
			return err
		}
		if err := r.step(StepSendCongratulations, func(ctx context.Context) error {
			return e.enqueueNotification(ctx, payload.UserID, "congratulations",
				"Your first contribution", "Thank you for giving back to the community.")
		}); err != nil {
			return err
		}
	} else {
		if err := r.step(StepSendEngagementReminder, func(ctx context.Context) error {
			return e.enqueueNotification(ctx, payload.UserID, "engagement_reminder",
				"We miss you", "Share something with the community to get started.")
		}); err != nil {
			return err
		}
	}

	return r.step(StepCompleteOnboarding, func(ctx context.Context) error {
		return e.profiles.MarkOnboardingComplete(ctx, payload.UserID, e.now().UTC())
	})
}

func (e *Engine) enqueueAward(ctx context.Context, userID, reason string, points int) error {
	msg, err := jobs.NewMessage(jobs.KindAwardUbuntuPoints, jobs.AwardUbuntuPointsPayload{
		UserID: userID,
		Reason: reason,
		Points: points,
	})
	if err != nil {
		return err
	}
	return e.publisher.Publish(ctx, msg)
}

func (e *Engine) enqueueNotification(ctx context.Context, userID, kind, title, body string) error {
	msg, err := jobs.NewMessage(jobs.KindSendNotification, jobs.SendNotificationPayload{
		UserID: userID,
		Kind:   kind,
		Title:  title,
		Body:   body,
	})
	if err != nil {
		return err
	}
	return e.publisher.Publish(ctx, msg)
}
