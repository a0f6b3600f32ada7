package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/helios-bulk-queue/internal/worker/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// StartAttempt moves a bulk operation to RUNNING and records the attempt
// number. It returns the record with the counters and item errors of any
// earlier attempt.
func (s *Storage) StartAttempt(ctx context.Context, id string, attempt int) (*domain.BulkOperation, error) {
	query := `
		UPDATE bulk_operations
		SET status = $1,
		    attempts = $2,
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id = $3
		  AND status IN ($4, $1)
		RETURNING id, organization_id, operation_type, status, total_items,
		          processed_items, succeeded_items, failed_items, item_errors, attempts
	`

	var (
		op         domain.BulkOperation
		itemErrors []byte
	)
	err := s.db.QueryRowContext(ctx, query, domain.StatusRunning, attempt, id, domain.StatusPending).Scan(
		&op.ID,
		&op.OrganizationID,
		&op.OperationType,
		&op.Status,
		&op.TotalItems,
		&op.ProcessedItems,
		&op.SucceededItems,
		&op.FailedItems,
		&itemErrors,
		&op.Attempts,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.missingOrFinished(ctx, id)
		}
		return nil, fmt.Errorf("failed to start bulk operation attempt: %w", err)
	}

	if len(itemErrors) > 0 {
		if err := json.Unmarshal(itemErrors, &op.ItemErrors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item errors: %w", err)
		}
	}

	s.logger.Info("Bulk operation attempt started",
		slog.String("bulk_operation_id", id),
		slog.Int("attempt", attempt),
	)

	return &op, nil
}

func (s *Storage) missingOrFinished(ctx context.Context, id string) error {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT status FROM bulk_operations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBulkOperationNotFound
		}
		return fmt.Errorf("failed to get bulk operation status: %w", err)
	}

	s.logger.Warn("Bulk operation is not runnable",
		slog.String("bulk_operation_id", id),
		slog.String("status", status),
	)

	return fmt.Errorf("%w: status %s", domain.ErrBulkOperationFinished, status)
}

// UpdateProgress stores the item counters and item errors of a running
// bulk operation
func (s *Storage) UpdateProgress(ctx context.Context, id string, result *domain.Result) error {
	query := `
		UPDATE bulk_operations
		SET processed_items = $1,
		    succeeded_items = $2,
		    failed_items = $3,
		    item_errors = $4,
		    updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	itemErrors, err := marshalItemErrors(result.Errors)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, result.Processed, result.Succeeded, result.Failed, itemErrors, id, domain.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update bulk operation progress: %w", err)
	}

	return nil
}

// RecordAttemptError stores the error of an attempt that will be retried
func (s *Storage) RecordAttemptError(ctx context.Context, id, errorMsg string) error {
	query := `
		UPDATE bulk_operations
		SET error_message = $1,
		    updated_at = NOW()
		WHERE id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, errorMsg, id); err != nil {
		return fmt.Errorf("failed to record attempt error: %w", err)
	}

	return nil
}

// Finish sets the final status of a bulk operation that is still PENDING or
// RUNNING. A non-nil result also replaces the counters and item errors; a nil
// result keeps the ones already stored. A record in any other status is left
// alone and domain.ErrBulkOperationFinished is returned.
func (s *Storage) Finish(ctx context.Context, id, status string, result *domain.Result, errorMsg string) error {
	var errMsg sql.NullString
	if errorMsg != "" {
		errMsg = sql.NullString{String: errorMsg, Valid: true}
	}

	var (
		res sql.Result
		err error
	)

	if result == nil {
		query := `
			UPDATE bulk_operations
			SET status = $1,
			    error_message = $2,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $3
			  AND status IN ($4, $5)
		`
		res, err = s.db.ExecContext(ctx, query, status, errMsg, id, domain.StatusPending, domain.StatusRunning)
	} else {
		query := `
			UPDATE bulk_operations
			SET status = $1,
			    processed_items = $2,
			    succeeded_items = $3,
			    failed_items = $4,
			    item_errors = $5,
			    error_message = $6,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $7
			  AND status IN ($8, $9)
		`

		itemErrors, merr := marshalItemErrors(result.Errors)
		if merr != nil {
			return merr
		}

		res, err = s.db.ExecContext(ctx, query,
			status,
			result.Processed,
			result.Succeeded,
			result.Failed,
			itemErrors,
			errMsg,
			id,
			domain.StatusPending,
			domain.StatusRunning,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to finish bulk operation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return s.missingOrFinished(ctx, id)
	}

	s.logger.Info("Bulk operation status updated",
		slog.String("bulk_operation_id", id),
		slog.String("status", status),
	)

	return nil
}

// CreateEntity inserts an entity unless one with the same id exists.
// It reports whether a row was written.
func (s *Storage) CreateEntity(ctx context.Context, e *domain.Entity) (bool, error) {
	query := `
		INSERT INTO organization_entities (entity_id, organization_id, entity_type, name, attributes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (entity_id) DO NOTHING
	`

	attrs, err := marshalAttributes(e.Attributes)
	if err != nil {
		return false, err
	}

	status := e.Status
	if status == "" {
		status = domain.EntityStatusActive
	}

	res, err := s.db.ExecContext(ctx, query, e.EntityID, e.OrganizationID, e.EntityType, e.Name, attrs, status)
	if err != nil {
		return false, fmt.Errorf("failed to create entity: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n > 0, nil
}

// UpdateEntity changes the name and merges attributes of an entity.
// A nil name or attributes leaves that column unchanged.
func (s *Storage) UpdateEntity(ctx context.Context, organizationID, entityID string, name *string, attributes map[string]any) error {
	query := `
		UPDATE organization_entities
		SET name = COALESCE($1, name),
		    attributes = CASE WHEN $2::jsonb IS NULL THEN attributes ELSE attributes || $2::jsonb END,
		    updated_at = NOW()
		WHERE organization_id = $3 AND entity_id = $4
	`

	var attrs any
	if attributes != nil {
		b, err := marshalAttributes(attributes)
		if err != nil {
			return err
		}
		attrs = b
	}

	res, err := s.db.ExecContext(ctx, query, name, attrs, organizationID, entityID)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}

	return expectOneRow(res)
}

// DeleteEntity removes an entity owned by the organization
func (s *Storage) DeleteEntity(ctx context.Context, organizationID, entityID string) error {
	query := `DELETE FROM organization_entities WHERE organization_id = $1 AND entity_id = $2`

	res, err := s.db.ExecContext(ctx, query, organizationID, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	return expectOneRow(res)
}

// SetEntityStatus suspends or activates an entity owned by the organization
func (s *Storage) SetEntityStatus(ctx context.Context, organizationID, entityID, status string) error {
	query := `
		UPDATE organization_entities
		SET status = $1,
		    updated_at = NOW()
		WHERE organization_id = $2 AND entity_id = $3
	`

	res, err := s.db.ExecContext(ctx, query, status, organizationID, entityID)
	if err != nil {
		return fmt.Errorf("failed to set entity status: %w", err)
	}

	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrEntityNotFound
	}
	return nil
}

func marshalItemErrors(itemErrors []domain.ItemError) ([]byte, error) {
	if len(itemErrors) == 0 {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(itemErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item errors: %w", err)
	}
	return b, nil
}

func marshalAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	return b, nil
}
