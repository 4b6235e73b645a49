package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ubuntuhub/community-worker/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if err := deps.Storage.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "community-api-service",
				"error":   err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "community-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	onboardingHandler := handler.NewOnboardingHandler(deps)
	profileHandler := handler.NewProfileHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/jobs - Enqueue a background job
		v1.POST("/jobs", jobHandler.EnqueueJob)

		onboarding := v1.Group("/onboarding")
		{
			// POST /api/v1/onboarding - Start an onboarding workflow
			onboarding.POST("", onboardingHandler.StartOnboarding)

			// GET /api/v1/onboarding - List workflow instances
			onboarding.GET("", onboardingHandler.ListInstances)

			// GET /api/v1/onboarding/:instance_id - Get instance with steps
			onboarding.GET("/:instance_id", onboardingHandler.GetInstance)

			// POST /api/v1/onboarding/:instance_id/events - Deliver a lifecycle event
			onboarding.POST("/:instance_id/events", onboardingHandler.DeliverEvent)

			// POST /api/v1/onboarding/:instance_id/cancel - Cancel an instance
			onboarding.POST("/:instance_id/cancel", onboardingHandler.CancelInstance)
		}

		// GET /api/v1/profiles/:user_id/score - Ubuntu score and level
		v1.GET("/profiles/:user_id/score", profileHandler.GetScore)
	}

	return r
}
