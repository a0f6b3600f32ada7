package domain

import (
	"errors"
)

const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"
)

var (
	ErrBulkOperationNotFound = errors.New("bulk operation not found")
)

// IsFinished reports whether status is a terminal bulk operation status
func IsFinished(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}
