package domain

// Bulk operation status constants
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"
)

// Entity status constants
const (
	EntityStatusActive    = "ACTIVE"
	EntityStatusSuspended = "SUSPENDED"
)

// Lifecycle event types published when a bulk operation finishes
const (
	EventCompleted = "bulk_operation.completed"
	EventFailed    = "bulk_operation.failed"
	EventCanceled  = "bulk_operation.canceled"
)

// MaxRecordedItemErrors caps how many item errors are stored per operation
const MaxRecordedItemErrors = 100
