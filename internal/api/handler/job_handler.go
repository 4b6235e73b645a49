package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ubuntuhub/community-worker/internal/api/dto"
	"github.com/ubuntuhub/community-worker/internal/jobs"
)

// EnqueueJob handles POST /api/v1/jobs
// Validates the job envelope and publishes it for the worker service.
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	kind := jobs.Kind(req.Type)
	if !jobs.Known(kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("unknown job type: %s", req.Type),
		})
		return
	}

	// Reject structurally invalid payloads here; the worker would only
	// skip them anyway.
	if err := validatePayload(kind, req.Payload); err != nil {
		h.logger.Warn("Rejected malformed job payload",
			slog.String("type", req.Type),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	msg := &jobs.Message{
		Kind:      kind,
		Payload:   req.Payload,
		Timestamp: time.Now().UTC(),
	}

	if err := h.publisher.Publish(c.Request.Context(), msg); err != nil {
		h.logger.Error("Failed to publish job",
			slog.String("type", req.Type),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueJobResponse{
		Type:        req.Type,
		Fingerprint: msg.Fingerprint(),
		EnqueuedAt:  msg.Timestamp.Format(time.RFC3339Nano),
	})
}

// validatePayload runs the structural guard for the given kind. Kinds
// without a payload accept anything.
func validatePayload(kind jobs.Kind, raw json.RawMessage) error {
	switch kind {
	case jobs.KindIncrementViewCount:
		var p jobs.IncrementViewCountPayload
		return jobs.DecodePayload(raw, &p)
	case jobs.KindLogActivity:
		var p jobs.LogActivityPayload
		return jobs.DecodePayload(raw, &p)
	case jobs.KindAwardUbuntuPoints:
		var p jobs.AwardUbuntuPointsPayload
		return jobs.DecodePayload(raw, &p)
	case jobs.KindSyncStripeSubscription:
		var p jobs.SyncStripeSubscriptionPayload
		return jobs.DecodePayload(raw, &p)
	case jobs.KindUpdateSearchIndex:
		var p jobs.UpdateSearchIndexPayload
		return jobs.DecodePayload(raw, &p)
	case jobs.KindSendNotification:
		var p jobs.SendNotificationPayload
		return jobs.DecodePayload(raw, &p)
	case jobs.KindStartOnboarding:
		var p jobs.StartOnboardingPayload
		return jobs.DecodePayload(raw, &p)
	case jobs.KindWorkflowEvent:
		var p jobs.WorkflowEventPayload
		return jobs.DecodePayload(raw, &p)
	case jobs.KindCleanupExpiredSessions, jobs.KindRecalculateLevels:
		return nil
	}
	return jobs.ErrUnknownKind
}
