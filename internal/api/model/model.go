package model

import (
	"database/sql"
	"time"
)

type BulkOperation struct {
	ID             string         `db:"id"`
	IdempotencyKey string         `db:"idempotency_key"`
	RequestHash    string         `db:"request_hash"`
	OrganizationID string         `db:"organization_id"`
	OperationType  string         `db:"operation_type"`
	Status         string         `db:"status"`
	TotalItems     int            `db:"total_items"`
	ProcessedItems int            `db:"processed_items"`
	SucceededItems int            `db:"succeeded_items"`
	FailedItems    int            `db:"failed_items"`
	ItemErrors     []byte         `db:"item_errors"`
	ErrorMessage   sql.NullString `db:"error_message"`
	Options        []byte         `db:"options"`
	Attempts       int            `db:"attempts"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}
