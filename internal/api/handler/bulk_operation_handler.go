package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/helios-bulk-queue/internal/api/domain"
	"github.com/cuongbtq/helios-bulk-queue/internal/api/dto"
	"github.com/cuongbtq/helios-bulk-queue/internal/api/model"
	"github.com/cuongbtq/helios-bulk-queue/internal/api/storage"
	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateBulkOperation handles POST /api/v1/organizations/:organization_id/bulk-operations
// Records the bulk operation and queues it for the worker
func (h *BulkOperationHandler) CreateBulkOperation(c *gin.Context) {
	orgID := c.Param("organization_id")

	var req dto.CreateBulkOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	var options []byte
	if req.Options != nil {
		var err error
		if options, err = json.Marshal(req.Options); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid options",
			})
			return
		}
	}

	hash, err := requestHash(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid items",
		})
		return
	}

	now := time.Now().UTC()
	op, created, err := h.storage.CreateBulkOperation(c.Request.Context(), &model.BulkOperation{
		ID:             uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    hash,
		OrganizationID: orgID,
		OperationType:  req.OperationType,
		Status:         domain.StatusPending,
		TotalItems:     len(req.Items),
		Options:        options,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		h.logger.Error("Failed to create bulk operation", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create bulk operation",
		})
		return
	}

	if !created {
		h.logger.Info("Idempotent replay of bulk operation",
			slog.String("bulk_operation_id", op.ID),
			slog.String("idempotency_key", op.IdempotencyKey),
			slog.String("status", op.Status),
		)

		// Records created before request hashing have no hash to compare
		if op.RequestHash != "" && op.RequestHash != hash {
			h.logger.Warn("Idempotency key reused with a different request",
				slog.String("bulk_operation_id", op.ID),
				slog.String("idempotency_key", op.IdempotencyKey),
			)
			c.JSON(http.StatusConflict, gin.H{
				"error":             "idempotency_key was already used for a different request",
				"bulk_operation_id": op.ID,
			})
			return
		}

		if op.Status != domain.StatusPending {
			c.JSON(http.StatusOK, toBulkOperationDTO(op))
			return
		}
	}

	// A PENDING replay is queued again in case the first enqueue was lost.
	// The queue job id is the bulk operation id, so this never duplicates.
	_, err = h.queue.Enqueue(c.Request.Context(), queue.BulkOperationPayload{
		BulkOperationID: op.ID,
		OrganizationID:  op.OrganizationID,
		OperationType:   queue.OperationType(op.OperationType),
		Items:           req.Items,
		Options:         req.Options,
	})
	if err != nil {
		h.logger.Error("Failed to enqueue bulk operation",
			slog.String("bulk_operation_id", op.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":             "Failed to enqueue bulk operation, retry with the same idempotency_key",
			"bulk_operation_id": op.ID,
		})
		return
	}

	h.logger.Info("Bulk operation accepted",
		slog.String("bulk_operation_id", op.ID),
		slog.String("organization_id", op.OrganizationID),
		slog.String("operation_type", op.OperationType),
		slog.Int("total_items", op.TotalItems),
	)

	c.JSON(http.StatusAccepted, toBulkOperationDTO(op))
}

// requestHash digests the parts of a create request that decide what the
// worker does, so a replay can be matched against the original
func requestHash(req *dto.CreateBulkOperationRequest) (string, error) {
	b, err := json.Marshal(struct {
		OperationType string            `json:"operation_type"`
		Items         []json.RawMessage `json:"items"`
		Options       map[string]any    `json:"options,omitempty"`
	}{req.OperationType, req.Items, req.Options})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ListBulkOperations handles GET /api/v1/organizations/:organization_id/bulk-operations
// Lists bulk operations newest first with cursor pagination
func (h *BulkOperationHandler) ListBulkOperations(c *gin.Context) {
	var req dto.ListBulkOperationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	ops, err := h.storage.ListBulkOperations(c.Request.Context(), storage.BulkOperationFilter{
		OrganizationID: c.Param("organization_id"),
		OperationType:  req.OperationType,
		Status:         req.Status,
		PageSize:       req.PageSize,
		Cursor:         cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list bulk operations", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list bulk operations",
		})
		return
	}

	hasMore := len(ops) > req.PageSize
	if hasMore {
		ops = ops[:req.PageSize]
	}

	resp := dto.ListBulkOperationsResponse{
		BulkOperations: make([]dto.BulkOperationDTO, len(ops)),
	}
	for i := range ops {
		resp.BulkOperations[i] = toBulkOperationDTO(&ops[i])
	}

	if hasMore {
		last := ops[len(ops)-1]
		resp.NextCursor = EncodeCursor(&storage.BulkOperationCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// GetBulkOperation handles GET /api/v1/bulk-operations/:bulk_operation_id
// Returns the record together with the queue state of its job
func (h *BulkOperationHandler) GetBulkOperation(c *gin.Context) {
	op, ok := h.loadBulkOperation(c)
	if !ok {
		return
	}

	resp := toBulkOperationDTO(op)

	status, err := h.queue.JobStatus(c.Request.Context(), op.ID)
	switch {
	case err == nil:
		resp.Queue = status
	case queue.IsNotFound(err):
	default:
		h.logger.Warn("Failed to get queue status",
			slog.String("bulk_operation_id", op.ID),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(http.StatusOK, resp)
}

// CancelBulkOperation handles POST /api/v1/bulk-operations/:bulk_operation_id/cancel
// Queued jobs are removed at once; running jobs stop after their current item
func (h *BulkOperationHandler) CancelBulkOperation(c *gin.Context) {
	op, ok := h.loadBulkOperation(c)
	if !ok {
		return
	}

	if domain.IsFinished(op.Status) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Bulk operation already finished",
			"status": op.Status,
		})
		return
	}

	outcome, err := h.queue.Cancel(c.Request.Context(), op.ID)
	switch {
	case err == nil && outcome == queue.CancelRequested:
		c.JSON(http.StatusAccepted, gin.H{
			"id":               op.ID,
			"status":           op.Status,
			"cancel_requested": true,
		})
		return
	case err == nil, queue.IsNotFound(err) && op.Status == domain.StatusPending:
	case errors.Is(err, queue.ErrJobNotCancelable), queue.IsNotFound(err):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Bulk operation can no longer be canceled",
		})
		return
	default:
		h.logger.Error("Failed to cancel queue job",
			slog.String("bulk_operation_id", op.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel bulk operation",
		})
		return
	}

	canceled, err := h.storage.MarkCanceled(c.Request.Context(), op.ID)
	if err != nil {
		h.logger.Error("Failed to mark bulk operation canceled", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel bulk operation",
		})
		return
	}
	if !canceled {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Bulk operation already finished",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     op.ID,
		"status": domain.StatusCanceled,
	})
}

// RetryBulkOperation handles POST /api/v1/bulk-operations/:bulk_operation_id/retry
// Requeues a FAILED bulk operation from its first item
func (h *BulkOperationHandler) RetryBulkOperation(c *gin.Context) {
	op, ok := h.loadBulkOperation(c)
	if !ok {
		return
	}

	if op.Status != domain.StatusFailed {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Only failed bulk operations can be retried",
			"status": op.Status,
		})
		return
	}

	reset, err := h.storage.ResetForRetry(c.Request.Context(), op.ID)
	if err != nil {
		h.logger.Error("Failed to reset bulk operation", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry bulk operation",
		})
		return
	}
	if !reset {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Only failed bulk operations can be retried",
		})
		return
	}

	if err := h.queue.Retry(c.Request.Context(), op.ID); err != nil {
		h.logger.Error("Failed to requeue bulk operation",
			slog.String("bulk_operation_id", op.ID),
			slog.String("error", err.Error()),
		)

		if markErr := h.storage.MarkFailed(c.Request.Context(), op.ID, "retry failed: "+err.Error()); markErr != nil {
			h.logger.Error("Failed to restore bulk operation status", slog.String("error", markErr.Error()))
		}

		switch {
		case queue.IsNotFound(err):
			c.JSON(http.StatusGone, gin.H{
				"error": "Queued job is no longer available",
			})
		case errors.Is(err, queue.ErrJobNotFailed):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Queued job is not in the failed state",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retry bulk operation",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":     op.ID,
		"status": domain.StatusPending,
	})
}

func (h *BulkOperationHandler) loadBulkOperation(c *gin.Context) (*model.BulkOperation, bool) {
	id := c.Param("bulk_operation_id")

	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "bulk_operation_id must be a valid UUID",
		})
		return nil, false
	}

	op, err := h.storage.GetBulkOperation(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrBulkOperationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Bulk operation not found",
			})
			return nil, false
		}

		h.logger.Error("Failed to get bulk operation", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get bulk operation",
		})
		return nil, false
	}

	return op, true
}

func toBulkOperationDTO(op *model.BulkOperation) dto.BulkOperationDTO {
	out := dto.BulkOperationDTO{
		ID:             op.ID,
		IdempotencyKey: op.IdempotencyKey,
		OrganizationID: op.OrganizationID,
		OperationType:  op.OperationType,
		Status:         op.Status,
		TotalItems:     op.TotalItems,
		ProcessedItems: op.ProcessedItems,
		SucceededItems: op.SucceededItems,
		FailedItems:    op.FailedItems,
		Attempts:       op.Attempts,
		CreatedAt:      op.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      op.UpdatedAt.Format(time.RFC3339),
	}

	if len(op.ItemErrors) > 0 && string(op.ItemErrors) != "[]" {
		out.ItemErrors = json.RawMessage(op.ItemErrors)
	}
	if op.ErrorMessage.Valid {
		out.ErrorMessage = op.ErrorMessage.String
	}
	if op.StartedAt.Valid {
		out.StartedAt = op.StartedAt.Time.Format(time.RFC3339)
	}
	if op.CompletedAt.Valid {
		out.CompletedAt = op.CompletedAt.Time.Format(time.RFC3339)
	}

	return out
}
