package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/helios-bulk-queue/internal/api/dto"
)

// GetStats handles GET /api/v1/queue/stats
func (h *QueueHandler) GetStats(c *gin.Context) {
	stats, err := h.queue.GetStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get queue stats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get queue stats",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// CleanQueue handles POST /api/v1/queue/clean
// Removes completed jobs older than grace_period and failed jobs older than
// the configured multiple of it
func (h *QueueHandler) CleanQueue(c *gin.Context) {
	var req dto.CleanQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	grace := h.cleanGrace
	if req.GracePeriod != "" {
		parsed, err := time.ParseDuration(req.GracePeriod)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "grace_period must be a non-negative duration such as 24h",
			})
			return
		}
		grace = parsed
	}

	result, err := h.queue.CleanOldJobs(c.Request.Context(), grace)
	if err != nil {
		h.logger.Error("Failed to clean queue", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to clean queue",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"grace_period":        result.GracePeriod.String(),
		"failed_grace_period": result.FailedGrace.String(),
		"completed_removed":   result.CompletedRemoved,
		"failed_removed":      result.FailedRemoved,
	})
}

// Health handles GET /health
// Reports unhealthy when Redis does not answer PING or the database is down
func (h *QueueHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := h.queue.Ping(ctx); err != nil {
		healthy = false
		checks["redis"] = err.Error()
	} else {
		checks["redis"] = "ok"
	}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			healthy = false
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":  state,
		"service": h.serviceName,
		"checks":  checks,
	})
}
