package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ubuntuhub/community-worker/internal/api/dto"
	"github.com/ubuntuhub/community-worker/internal/api/storage"
	"github.com/ubuntuhub/community-worker/internal/ubuntu"
)

// GetScore handles GET /api/v1/profiles/:user_id/score
// The level is derived from the aggregate score, never stored.
func (h *ProfileHandler) GetScore(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id is required",
		})
		return
	}

	score, err := h.storage.GetProfileScore(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "profile not found",
			})
			return
		}
		h.logger.Error("Failed to get profile score", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get profile score",
		})
		return
	}

	c.JSON(http.StatusOK, dto.ScoreResponse{
		UserID: userID,
		Score:  score,
		Level:  ubuntu.LevelForScore(score).Name,
	})
}
