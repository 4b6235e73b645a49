package handler

import (
	"log/slog"

	"github.com/ubuntuhub/community-worker/internal/api/storage"
	"github.com/ubuntuhub/community-worker/internal/queue"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Storage   *storage.Storage
	Publisher *queue.Publisher
}

// JobHandler handles job enqueue HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	publisher *queue.Publisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		publisher: deps.Publisher,
	}
}

// OnboardingHandler handles onboarding workflow HTTP requests
type OnboardingHandler struct {
	logger    *slog.Logger
	storage   *storage.Storage
	publisher *queue.Publisher
}

// NewOnboardingHandler creates a new OnboardingHandler instance
func NewOnboardingHandler(deps *Dependencies) *OnboardingHandler {
	return &OnboardingHandler{
		logger:    deps.Logger,
		storage:   deps.Storage,
		publisher: deps.Publisher,
	}
}

// ProfileHandler handles profile score HTTP requests
type ProfileHandler struct {
	logger  *slog.Logger
	storage *storage.Storage
}

// NewProfileHandler creates a new ProfileHandler instance
func NewProfileHandler(deps *Dependencies) *ProfileHandler {
	return &ProfileHandler{
		logger:  deps.Logger,
		storage: deps.Storage,
	}
}
