package domain

import (
	"time"
)

// BulkOperation is the record the worker keeps in sync with the queue job
type BulkOperation struct {
	ID             string
	OrganizationID string
	OperationType  string
	Status         string
	TotalItems     int
	ProcessedItems int
	SucceededItems int
	FailedItems    int
	ItemErrors     []ItemError
	Attempts       int
}

// Entity is an organization-owned record targeted by bulk operations
type Entity struct {
	EntityID       string
	OrganizationID string
	EntityType     string
	Name           string
	Attributes     map[string]any
	Status         string
}

// ItemError describes why one item of a bulk operation was not applied
type ItemError struct {
	Index    int    `json:"index"`
	EntityID string `json:"entity_id,omitempty"`
	Error    string `json:"error"`
}

// Progress holds the item counters of a bulk operation
type Progress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Percent returns processed items as a 0–100 percentage
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 100
	}
	return p.Processed * 100 / p.Total
}

// Result is what an attempt produced; it is stored as the job return value
type Result struct {
	Progress
	Errors []ItemError `json:"errors,omitempty"`
}

// AddItemError counts a failed item and records it up to MaxRecordedItemErrors
func (r *Result) AddItemError(index int, entityID string, err error) {
	r.Failed++
	if len(r.Errors) < MaxRecordedItemErrors {
		r.Errors = append(r.Errors, ItemError{Index: index, EntityID: entityID, Error: err.Error()})
	}
}

// Resume seeds the result with the counters and item errors an earlier
// attempt stored, so the next item to run is op.ProcessedItems
func (r *Result) Resume(op *BulkOperation) {
	r.Processed = op.ProcessedItems
	r.Succeeded = op.SucceededItems
	r.Failed = op.FailedItems

	r.Errors = nil
	for _, ie := range op.ItemErrors {
		if len(r.Errors) == MaxRecordedItemErrors {
			break
		}
		r.Errors = append(r.Errors, ie)
	}
}

// CreateItem is one item of a create operation
type CreateItem struct {
	EntityType string         `json:"entityType" validate:"required,max=64"`
	Name       string         `json:"name" validate:"required,max=255"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// UpdateItem is one item of an update operation
type UpdateItem struct {
	EntityID   string         `json:"entityId" validate:"required,uuid"`
	Name       *string        `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EntityRef is one item of a delete, suspend or activate operation
type EntityRef struct {
	EntityID string `json:"entityId" validate:"required,uuid"`
}

// Event is published when a bulk operation reaches a final state
type Event struct {
	Type            string    `json:"type"`
	BulkOperationID string    `json:"bulk_operation_id"`
	OrganizationID  string    `json:"organization_id"`
	OperationType   string    `json:"operation_type"`
	Status          string    `json:"status"`
	Progress        Progress  `json:"progress"`
	Error           string    `json:"error,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}
