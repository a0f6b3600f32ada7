package dto

import (
	"encoding/json"

	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
)

type CreateBulkOperationRequest struct {
	IdempotencyKey string            `json:"idempotency_key" binding:"required,max=255"`
	OperationType  string            `json:"operation_type" binding:"required,oneof=create update delete suspend activate"`
	Items          []json.RawMessage `json:"items" binding:"required,min=1,max=10000"`
	Options        map[string]any    `json:"options"`
}

type ListBulkOperationsRequest struct {
	OperationType string `form:"operation_type" binding:"omitempty,oneof=create update delete suspend activate"`
	Status        string `form:"status" binding:"omitempty,oneof=PENDING RUNNING COMPLETED FAILED CANCELED"`
	PageSize      int    `form:"page_size"`
	Cursor        string `form:"cursor"`
}

type ListBulkOperationsResponse struct {
	BulkOperations []BulkOperationDTO `json:"bulk_operations"`
	NextCursor     string             `json:"next_cursor,omitempty"`
}

type BulkOperationDTO struct {
	ID             string           `json:"id"`
	IdempotencyKey string           `json:"idempotency_key"`
	OrganizationID string           `json:"organization_id"`
	OperationType  string           `json:"operation_type"`
	Status         string           `json:"status"`
	TotalItems     int              `json:"total_items"`
	ProcessedItems int              `json:"processed_items"`
	SucceededItems int              `json:"succeeded_items"`
	FailedItems    int              `json:"failed_items"`
	ItemErrors     json.RawMessage  `json:"item_errors,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	Attempts       int              `json:"attempts"`
	CreatedAt      string           `json:"created_at"`
	UpdatedAt      string           `json:"updated_at"`
	StartedAt      string           `json:"started_at,omitempty"`
	CompletedAt    string           `json:"completed_at,omitempty"`
	Queue          *queue.JobStatus `json:"queue,omitempty"`
}

type CleanQueueRequest struct {
	GracePeriod string `json:"grace_period"`
}
