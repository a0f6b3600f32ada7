package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cuongbtq/helios-bulk-queue/internal/metrics"
	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
	"github.com/cuongbtq/helios-bulk-queue/internal/worker/domain"
)

var validate = validator.New()

// itemScope identifies the operation an item belongs to
type itemScope struct {
	organizationID  string
	bulkOperationID string
}

// executor applies one item and returns the id of the entity it touched.
// Item-level problems are reported as domain.ErrInvalidItem or
// domain.ErrEntityNotFound; any other error aborts the attempt.
type executor func(ctx context.Context, scope itemScope, index int, raw json.RawMessage) (string, error)

func (w *Worker) newExecutors() map[queue.OperationType]executor {
	return map[queue.OperationType]executor{
		queue.OperationCreate:   w.createEntity,
		queue.OperationUpdate:   w.updateEntity,
		queue.OperationDelete:   w.deleteEntity,
		queue.OperationSuspend:  w.setEntityStatus(domain.EntityStatusSuspended),
		queue.OperationActivate: w.setEntityStatus(domain.EntityStatusActive),
	}
}

// executeJob applies the payload items in order. A retried attempt resumes
// after the items an earlier attempt already counted.
func (w *Worker) executeJob(ctx context.Context, job *queue.Job, payload *queue.BulkOperationPayload, op *domain.BulkOperation) (*domain.Result, error) {
	exec, ok := w.executors[payload.OperationType]
	if !ok {
		return &domain.Result{}, fmt.Errorf("%w: unsupported operation %q", queue.ErrInvalidPayload, payload.OperationType)
	}

	items := payload.Items
	result := &domain.Result{Progress: domain.Progress{Total: len(items)}}

	if op != nil && op.ProcessedItems > 0 && op.ProcessedItems <= len(items) {
		result.Resume(op)

		w.logger.Info("Resuming bulk operation",
			slog.String("job_id", job.ID),
			slog.Int("from_item", result.Processed),
			slog.Int("total", result.Total),
		)
	}

	scope := itemScope{
		organizationID:  payload.OrganizationID,
		bulkOperationID: payload.BulkOperationID,
	}
	opType := string(payload.OperationType)

	for i := result.Processed; i < len(items); i++ {
		if err := ctx.Err(); err != nil {
			return result, domain.NewRetryableError(fmt.Errorf("stopped after %d of %d items: %w", result.Processed, result.Total, err))
		}

		canceled, err := w.queue.IsCancelRequested(ctx, job.ID)
		if err != nil {
			return result, domain.NewRetryableError(err)
		}
		if canceled {
			return result, domain.ErrJobCanceled
		}

		entityID, err := exec(ctx, scope, i, items[i])
		switch {
		case err == nil:
			result.Succeeded++
			metrics.ItemsProcessed.WithLabelValues(opType, "succeeded").Inc()
		case domain.IsItemError(err):
			result.AddItemError(i, entityID, err)
			metrics.ItemsProcessed.WithLabelValues(opType, "failed").Inc()
		default:
			return result, domain.NewRetryableError(fmt.Errorf("item %d: %w", i, err))
		}

		result.Processed++

		if result.Processed%w.progressEvery == 0 || result.Processed == result.Total {
			w.reportProgress(ctx, job, payload.BulkOperationID, result)
		}
	}

	return result, nil
}

// entityIDFor derives the id of the entity created by item index, so a
// replayed create item inserts nothing new
func entityIDFor(bulkOperationID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(bulkOperationID+"/"+strconv.Itoa(index))).String()
}

func (w *Worker) createEntity(ctx context.Context, scope itemScope, index int, raw json.RawMessage) (string, error) {
	var item domain.CreateItem
	if err := decodeItem(raw, &item); err != nil {
		return "", err
	}

	entity := &domain.Entity{
		EntityID:       entityIDFor(scope.bulkOperationID, index),
		OrganizationID: scope.organizationID,
		EntityType:     item.EntityType,
		Name:           item.Name,
		Attributes:     item.Attributes,
		Status:         domain.EntityStatusActive,
	}

	created, err := w.entities.CreateEntity(ctx, entity)
	if err != nil {
		return entity.EntityID, err
	}

	if !created {
		w.logger.Debug("Entity already created by an earlier attempt",
			slog.String("entity_id", entity.EntityID),
		)
	}

	return entity.EntityID, nil
}

func (w *Worker) updateEntity(ctx context.Context, scope itemScope, _ int, raw json.RawMessage) (string, error) {
	var item domain.UpdateItem
	if err := decodeItem(raw, &item); err != nil {
		return "", err
	}

	if item.Name == nil && item.Attributes == nil {
		return item.EntityID, fmt.Errorf("%w: nothing to update", domain.ErrInvalidItem)
	}

	return item.EntityID, w.entities.UpdateEntity(ctx, scope.organizationID, item.EntityID, item.Name, item.Attributes)
}

func (w *Worker) deleteEntity(ctx context.Context, scope itemScope, _ int, raw json.RawMessage) (string, error) {
	var item domain.EntityRef
	if err := decodeItem(raw, &item); err != nil {
		return "", err
	}

	return item.EntityID, w.entities.DeleteEntity(ctx, scope.organizationID, item.EntityID)
}

func (w *Worker) setEntityStatus(status string) executor {
	return func(ctx context.Context, scope itemScope, _ int, raw json.RawMessage) (string, error) {
		var item domain.EntityRef
		if err := decodeItem(raw, &item); err != nil {
			return "", err
		}

		return item.EntityID, w.entities.SetEntityStatus(ctx, scope.organizationID, item.EntityID, status)
	}
}

func decodeItem(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidItem, err)
	}

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %q", domain.ErrInvalidItem, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidItem, err)
	}

	return nil
}
