package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/helios-bulk-queue/internal/api/domain"
	"github.com/cuongbtq/helios-bulk-queue/internal/api/model"
)

const bulkOperationColumns = `
	id, idempotency_key, request_hash, organization_id, operation_type, status,
	total_items, processed_items, succeeded_items, failed_items,
	item_errors, error_message, options, attempts,
	created_at, updated_at, started_at, completed_at`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		db: db,
	}
}

// CreateBulkOperation inserts op unless the organization already used its
// idempotency key. It returns the stored record and whether it was created.
func (s *Storage) CreateBulkOperation(ctx context.Context, op *model.BulkOperation) (*model.BulkOperation, bool, error) {
	query := `
		INSERT INTO bulk_operations (
			id, idempotency_key, request_hash, organization_id, operation_type,
			status, total_items, options, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		)
		ON CONFLICT (organization_id, idempotency_key) DO NOTHING
		RETURNING ` + bulkOperationColumns

	var options any
	if len(op.Options) > 0 {
		options = op.Options
	}

	var created model.BulkOperation
	err := s.db.GetContext(ctx, &created, query,
		op.ID,
		op.IdempotencyKey,
		op.RequestHash,
		op.OrganizationID,
		op.OperationType,
		op.Status,
		op.TotalItems,
		options,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create bulk operation: %w", err)
	}

	var existing model.BulkOperation
	query = `SELECT ` + bulkOperationColumns + `
		FROM bulk_operations
		WHERE organization_id = $1 AND idempotency_key = $2`

	if err := s.db.GetContext(ctx, &existing, query, op.OrganizationID, op.IdempotencyKey); err != nil {
		return nil, false, fmt.Errorf("failed to get bulk operation by idempotency key: %w", err)
	}

	return &existing, false, nil
}

func (s *Storage) GetBulkOperation(ctx context.Context, id string) (*model.BulkOperation, error) {
	var op model.BulkOperation
	query := `SELECT ` + bulkOperationColumns + `
		FROM bulk_operations
		WHERE id = $1`

	err := s.db.GetContext(ctx, &op, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBulkOperationNotFound
		}
		return nil, fmt.Errorf("failed to get bulk operation: %w", err)
	}

	return &op, nil
}

type BulkOperationFilter struct {
	OrganizationID string
	OperationType  string
	Status         string
	PageSize       int
	Cursor         *BulkOperationCursor
}

type BulkOperationCursor struct {
	CreatedAt time.Time
	ID        string
}

// ListBulkOperations returns up to PageSize+1 records, newest first, so the
// caller can tell whether another page exists
func (s *Storage) ListBulkOperations(ctx context.Context, filter BulkOperationFilter) ([]model.BulkOperation, error) {
	query := `SELECT ` + bulkOperationColumns + `
		FROM bulk_operations
		WHERE organization_id = $1`
	args := []interface{}{filter.OrganizationID}
	argIdx := 2

	if filter.OperationType != "" {
		query += fmt.Sprintf(" AND operation_type = $%d", argIdx)
		args = append(args, filter.OperationType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var ops []model.BulkOperation
	if err := s.db.SelectContext(ctx, &ops, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list bulk operations: %w", err)
	}

	return ops, nil
}

// MarkCanceled cancels a bulk operation that has not finished.
// It reports false when the record was already in a terminal status.
func (s *Storage) MarkCanceled(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE bulk_operations
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`

	res, err := s.db.ExecContext(ctx, query, domain.StatusCanceled, id, domain.StatusPending, domain.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to cancel bulk operation: %w", err)
	}

	return affected(res)
}

// ResetForRetry puts a FAILED bulk operation back to PENDING with cleared
// counters, so the next attempt starts from the first item
func (s *Storage) ResetForRetry(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE bulk_operations
		SET status = $1,
		    processed_items = 0,
		    succeeded_items = 0,
		    failed_items = 0,
		    item_errors = '[]'::jsonb,
		    error_message = NULL,
		    attempts = 0,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	res, err := s.db.ExecContext(ctx, query, domain.StatusPending, id, domain.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to reset bulk operation: %w", err)
	}

	return affected(res)
}

// MarkFailed records a bulk operation as FAILED with errorMsg
func (s *Storage) MarkFailed(ctx context.Context, id, errorMsg string) error {
	query := `
		UPDATE bulk_operations
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.StatusFailed, errorMsg, id); err != nil {
		return fmt.Errorf("failed to mark bulk operation failed: %w", err)
	}

	return nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
