package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ubuntuhub/community-worker/internal/api/dto"
	"github.com/ubuntuhub/community-worker/internal/api/storage"
	"github.com/ubuntuhub/community-worker/internal/jobs"
	"github.com/ubuntuhub/community-worker/internal/workflow"
)

// StartOnboarding handles POST /api/v1/onboarding
// Enqueues the onboarding trigger; the worker service owns the run, so
// the response is an acknowledgment, not an instance.
func (h *OnboardingHandler) StartOnboarding(c *gin.Context) {
	var req dto.StartOnboardingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	msg, err := jobs.NewMessage(jobs.KindStartOnboarding, jobs.StartOnboardingPayload{
		UserID:   req.UserID,
		Email:    req.Email,
		FullName: req.FullName,
		UserType: req.UserType,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to build job",
		})
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), msg); err != nil {
		h.logger.Error("Failed to publish onboarding trigger",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to start onboarding",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"user_id": req.UserID,
		"status":  "accepted",
	})
}

// DeliverEvent handles POST /api/v1/onboarding/:instance_id/events
// Routes a lifecycle event to the instance through the job queue.
func (h *OnboardingHandler) DeliverEvent(c *gin.Context) {
	instanceID := c.Param("instance_id")
	if _, err := uuid.Parse(instanceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "instance_id must be a valid UUID",
		})
		return
	}

	var req dto.DeliverEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	// Reject events for instances that do not exist; the worker would
	// drop them silently.
	if _, err := h.storage.GetInstance(c.Request.Context(), instanceID); err != nil {
		if errors.Is(err, workflow.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "workflow instance not found",
			})
			return
		}
		h.logger.Error("Failed to load instance", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load instance",
		})
		return
	}

	msg, err := jobs.NewMessage(jobs.KindWorkflowEvent, jobs.WorkflowEventPayload{
		InstanceID: instanceID,
		Event:      req.Event,
		Data:       req.Data,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to build job",
		})
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), msg); err != nil {
		h.logger.Error("Failed to publish workflow event",
			slog.String("instance_id", instanceID),
			slog.String("event", req.Event),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to deliver event",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"instance_id": instanceID,
		"event":       req.Event,
		"status":      "accepted",
	})
}

// GetInstance handles GET /api/v1/onboarding/:instance_id
func (h *OnboardingHandler) GetInstance(c *gin.Context) {
	instanceID := c.Param("instance_id")
	if _, err := uuid.Parse(instanceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "instance_id must be a valid UUID",
		})
		return
	}

	inst, err := h.storage.GetInstance(c.Request.Context(), instanceID)
	if err != nil {
		if errors.Is(err, workflow.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "workflow instance not found",
			})
			return
		}
		h.logger.Error("Failed to get instance", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get instance",
		})
		return
	}

	steps, err := h.storage.ListSteps(c.Request.Context(), instanceID)
	if err != nil {
		h.logger.Error("Failed to list steps", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list steps",
		})
		return
	}

	stepDTOs := make([]dto.StepDTO, len(steps))
	for i, step := range steps {
		stepDTOs[i] = dto.StepDTO{
			Name:      step.StepName,
			StartedAt: step.StartedAt.Format(time.RFC3339),
		}
		if step.CompletedAt != nil {
			stepDTOs[i].CompletedAt = step.CompletedAt.Format(time.RFC3339)
		}
	}

	c.JSON(http.StatusOK, dto.GetInstanceResponse{
		Instance: instanceDTO(inst),
		Steps:    stepDTOs,
	})
}

// ListInstances handles GET /api/v1/onboarding
func (h *OnboardingHandler) ListInstances(c *gin.Context) {
	var req dto.ListInstancesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeInstanceCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.InstanceFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	instances, err := h.storage.ListInstances(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list instances", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list instances",
		})
		return
	}

	hasMore := len(instances) > req.PageSize
	if hasMore {
		instances = instances[:req.PageSize]
	}

	instanceDTOs := make([]dto.InstanceDTO, len(instances))
	for i := range instances {
		instanceDTOs[i] = instanceDTO(&instances[i])
	}

	var nextCursor string
	if hasMore {
		last := instances[len(instances)-1]
		nextCursor = EncodeInstanceCursor(&storage.InstanceCursor{
			StartedAt: last.StartedAt,
			ID:        last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListInstancesResponse{
		Instances:  instanceDTOs,
		NextCursor: nextCursor,
	})
}

// CancelInstance handles POST /api/v1/onboarding/:instance_id/cancel
// The worker's engine observes the cancellation at its next step
// boundary or wait wakeup.
func (h *OnboardingHandler) CancelInstance(c *gin.Context) {
	instanceID := c.Param("instance_id")
	if _, err := uuid.Parse(instanceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "instance_id must be a valid UUID",
		})
		return
	}

	err := h.storage.CancelInstance(c.Request.Context(), instanceID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"instance_id": instanceID,
			"status":      string(workflow.StatusCancelled),
		})
	case errors.Is(err, workflow.ErrInstanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "workflow instance not found",
		})
	case errors.Is(err, storage.ErrInstanceTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
	default:
		h.logger.Error("Failed to cancel instance", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel instance",
		})
	}
}

func instanceDTO(inst *workflow.Instance) dto.InstanceDTO {
	d := dto.InstanceDTO{
		ID:        inst.ID,
		Name:      inst.Name,
		Status:    string(inst.Status),
		StartedAt: inst.StartedAt.Format(time.RFC3339),
		UpdatedAt: inst.UpdatedAt.Format(time.RFC3339),
		Error:     inst.Error,
	}
	if inst.CompletedAt != nil {
		d.CompletedAt = inst.CompletedAt.Format(time.RFC3339)
	}
	return d
}
