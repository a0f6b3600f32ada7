package queue

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MaxItemsPerOperation bounds the size of a single bulk operation
const MaxItemsPerOperation = 10000

// OperationType is the action applied to every item of a bulk operation
type OperationType string

const (
	OperationCreate   OperationType = "create"
	OperationUpdate   OperationType = "update"
	OperationDelete   OperationType = "delete"
	OperationSuspend  OperationType = "suspend"
	OperationActivate OperationType = "activate"
)

// OperationTypes lists every supported operation
var OperationTypes = []OperationType{
	OperationCreate,
	OperationUpdate,
	OperationDelete,
	OperationSuspend,
	OperationActivate,
}

// Valid reports whether t is a supported operation
func (t OperationType) Valid() bool {
	for _, known := range OperationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// BulkOperationPayload is the data stored with every bulk-operation job
type BulkOperationPayload struct {
	BulkOperationID string            `json:"bulkOperationId" validate:"required,jobid"`
	OrganizationID  string            `json:"organizationId" validate:"required"`
	OperationType   OperationType     `json:"operationType" validate:"required,oneof=create update delete suspend activate"`
	Items           []json.RawMessage `json:"items" validate:"required,min=1,max=10000"`
	Options         map[string]any    `json:"options,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		return ValidJobID(fl.Field().String())
	})
	return v
}

// Validate checks the payload before it is queued or executed
func (p *BulkOperationPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
