package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/helios-bulk-queue/internal/metrics"
	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
	"github.com/cuongbtq/helios-bulk-queue/internal/worker/domain"
)

// finishTimeout bounds the queue and store writes made after an attempt
const finishTimeout = 10 * time.Second

// processJob runs one attempt of a bulk-operation job with timeout, lock
// renewal and progress reporting, then moves the job to its next state
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	start := time.Now()
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.AttemptsMade+1),
	)

	// Step 1: Parse and validate the payload
	var payload queue.BulkOperationPayload
	if err := parsePayload(job, &payload); err != nil {
		logger.Error("Failed to parse job payload",
			slog.String("error", err.Error()),
		)
		w.failJob(ctx, job, &payload, err, nil, start)
		return
	}

	// Step 2: Honour a cancel request made while the job was being claimed.
	// The record keeps the counters of earlier attempts.
	if job.CancelRequested {
		w.cancelJob(ctx, job, &payload, nil, start)
		return
	}

	// Step 3: Mark the bulk operation RUNNING
	op, err := w.operations.StartAttempt(ctx, payload.BulkOperationID, job.AttemptsMade+1)
	if err != nil {
		logger.Error("Failed to start bulk operation attempt",
			slog.String("bulk_operation_id", payload.BulkOperationID),
			slog.String("error", err.Error()),
		)
		if !errors.Is(err, domain.ErrBulkOperationNotFound) && !errors.Is(err, domain.ErrBulkOperationFinished) {
			err = domain.NewRetryableError(err)
		}
		w.failJob(ctx, job, &payload, err, nil, start)
		return
	}

	// Step 4: Timeout context and lock renewal
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	renewDone := make(chan struct{})
	renewStopped := make(chan struct{})
	go w.renewJobLock(jobCtx, cancel, job, renewDone, renewStopped)

	// Step 5: Apply the items
	result, err := w.executeJob(jobCtx, job, &payload, op)

	close(renewDone)
	<-renewStopped

	// Step 6: Move the job on
	switch {
	case err == nil && result.Succeeded == 0 && result.Failed > 0:
		w.failJob(ctx, job, &payload, fmt.Errorf("%w: %d of %d", domain.ErrAllItemsFailed, result.Failed, result.Total), result, start)

	case err == nil:
		w.completeJob(ctx, job, &payload, result, start)

	case errors.Is(err, domain.ErrJobCanceled):
		w.cancelJob(ctx, job, &payload, result, start)

	case ctx.Err() != nil:
		// Worker is shutting down: keep the counters and hand the job back
		fctx, fcancel := finishContext(ctx)
		defer fcancel()
		if uerr := w.operations.UpdateProgress(fctx, payload.BulkOperationID, result); uerr != nil {
			logger.Warn("Failed to save progress before release",
				slog.String("error", uerr.Error()),
			)
		}
		w.releaseJob(job)

	default:
		w.failJob(ctx, job, &payload, err, result, start)
	}
}

func parsePayload(job *queue.Job, payload *queue.BulkOperationPayload) error {
	if err := job.Decode(payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidPayload, err)
	}
	return payload.Validate()
}

// completeJob acknowledges a finished attempt
func (w *Worker) completeJob(ctx context.Context, job *queue.Job, payload *queue.BulkOperationPayload, result *domain.Result, start time.Time) {
	fctx, cancel := finishContext(ctx)
	defer cancel()

	opType := operationLabel(payload)

	if err := w.queue.MoveToCompleted(fctx, job, result); err != nil {
		w.logTransitionError(job, queue.StateCompleted, err)
		return
	}

	metrics.JobsCompleted.WithLabelValues(opType).Inc()
	metrics.JobDuration.WithLabelValues(opType, string(queue.StateCompleted)).Observe(time.Since(start).Seconds())

	if w.finishOperation(fctx, payload.BulkOperationID, domain.StatusCompleted, result, "") {
		w.publishEvent(fctx, domain.EventCompleted, payload, domain.StatusCompleted, result, "")
	}

	w.logger.Info("Bulk operation completed",
		slog.String("job_id", job.ID),
		slog.String("operation_type", opType),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", time.Since(start)),
	)
}

// failJob records a failed attempt. The queue decides between another
// attempt after backoff and the failed set.
func (w *Worker) failJob(ctx context.Context, job *queue.Job, payload *queue.BulkOperationPayload, err error, result *domain.Result, start time.Time) {
	fctx, cancel := finishContext(ctx)
	defer cancel()

	opType := operationLabel(payload)

	retrying, qerr := w.queue.MoveToFailed(fctx, job, failureCause(err))
	if qerr != nil {
		w.logTransitionError(job, queue.StateFailed, qerr)
		return
	}

	tracked := payload.BulkOperationID != "" &&
		!errors.Is(err, domain.ErrBulkOperationNotFound) &&
		!errors.Is(err, domain.ErrBulkOperationFinished)

	if retrying {
		metrics.JobsRetried.WithLabelValues(opType).Inc()
		metrics.JobDuration.WithLabelValues(opType, "retried").Observe(time.Since(start).Seconds())

		if tracked {
			if result != nil {
				if uerr := w.operations.UpdateProgress(fctx, payload.BulkOperationID, result); uerr != nil {
					w.logger.Warn("Failed to save progress of failed attempt",
						slog.String("bulk_operation_id", payload.BulkOperationID),
						slog.String("error", uerr.Error()),
					)
				}
			}
			if rerr := w.operations.RecordAttemptError(fctx, payload.BulkOperationID, err.Error()); rerr != nil {
				w.logger.Warn("Failed to record attempt error",
					slog.String("bulk_operation_id", payload.BulkOperationID),
					slog.String("error", rerr.Error()),
				)
			}
		}

		w.logger.Warn("Bulk operation attempt failed, will retry",
			slog.String("job_id", job.ID),
			slog.Int("attempts_made", job.AttemptsMade),
			slog.Int("attempts", job.Opts.Attempts),
			slog.String("error", err.Error()),
		)
		return
	}

	metrics.JobsFailed.WithLabelValues(opType).Inc()
	metrics.JobDuration.WithLabelValues(opType, string(queue.StateFailed)).Observe(time.Since(start).Seconds())

	if tracked {
		if w.finishOperation(fctx, payload.BulkOperationID, domain.StatusFailed, result, err.Error()) {
			w.publishEvent(fctx, domain.EventFailed, payload, domain.StatusFailed, result, err.Error())
		}
	}

	w.logger.Error("Bulk operation failed",
		slog.String("job_id", job.ID),
		slog.String("operation_type", opType),
		slog.Int("attempts_made", job.AttemptsMade),
		slog.String("error", err.Error()),
	)
}

// cancelJob discards a job whose cancel request was honoured
func (w *Worker) cancelJob(ctx context.Context, job *queue.Job, payload *queue.BulkOperationPayload, result *domain.Result, start time.Time) {
	fctx, cancel := finishContext(ctx)
	defer cancel()

	opType := operationLabel(payload)

	if _, err := w.queue.MoveToFailed(fctx, job, failureCause(domain.ErrJobCanceled)); err != nil {
		w.logTransitionError(job, queue.StateFailed, err)
		return
	}

	metrics.JobDuration.WithLabelValues(opType, "canceled").Observe(time.Since(start).Seconds())

	if w.finishOperation(fctx, payload.BulkOperationID, domain.StatusCanceled, result, domain.ErrJobCanceled.Error()) {
		w.publishEvent(fctx, domain.EventCanceled, payload, domain.StatusCanceled, result, "")
	}

	attrs := []any{slog.String("job_id", job.ID)}
	if result != nil {
		attrs = append(attrs, slog.Int("processed", result.Processed), slog.Int("total", result.Total))
	}
	w.logger.Info("Bulk operation canceled", attrs...)
}

// finishOperation stores the final status of a bulk operation. It reports
// false when nothing was written, including when the record already left
// PENDING and RUNNING through another path.
func (w *Worker) finishOperation(ctx context.Context, bulkOperationID, status string, result *domain.Result, errMsg string) bool {
	err := w.operations.Finish(ctx, bulkOperationID, status, result, errMsg)
	if err == nil {
		return true
	}

	if errors.Is(err, domain.ErrBulkOperationFinished) {
		w.logger.Warn("Bulk operation already finished, keeping its status",
			slog.String("bulk_operation_id", bulkOperationID),
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
		return false
	}

	w.logger.Error("Failed to update bulk operation status",
		slog.String("bulk_operation_id", bulkOperationID),
		slog.String("status", status),
		slog.String("error", err.Error()),
	)
	return false
}

func (w *Worker) logTransitionError(job *queue.Job, state queue.JobState, err error) {
	if errors.Is(err, queue.ErrLockMismatch) {
		w.logger.Warn("Job lock lost before it could be moved, leaving it to the stalled check",
			slog.String("job_id", job.ID),
			slog.String("target_state", string(state)),
		)
		return
	}

	w.logger.Error("Failed to move job",
		slog.String("job_id", job.ID),
		slog.String("target_state", string(state)),
		slog.String("error", err.Error()),
	)
}

// renewJobLock extends the job lock until done is closed. Losing the lock
// cancels the attempt.
func (w *Worker) renewJobLock(ctx context.Context, cancel context.CancelFunc, job *queue.Job, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(w.lockRenewal)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			err := w.queue.ExtendLock(ctx, job)
			if err == nil {
				w.logger.Debug("Job lock renewed",
					slog.String("job_id", job.ID),
				)
				continue
			}

			if errors.Is(err, queue.ErrLockMismatch) {
				w.logger.Error("Job lock lost, aborting attempt",
					slog.String("job_id", job.ID),
				)
				cancel()
				return
			}

			w.logger.Warn("Failed to renew job lock",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reportProgress stores counters in the queue job, and counters plus item
// errors in the bulk operation record
func (w *Worker) reportProgress(ctx context.Context, job *queue.Job, bulkOperationID string, result *domain.Result) {
	if err := w.queue.UpdateProgress(ctx, job, result.Percent()); err != nil {
		w.logger.Warn("Failed to update job progress",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := w.operations.UpdateProgress(ctx, bulkOperationID, result); err != nil {
		w.logger.Warn("Failed to update bulk operation progress",
			slog.String("bulk_operation_id", bulkOperationID),
			slog.String("error", err.Error()),
		)
	}
}

func finishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
}

func operationLabel(payload *queue.BulkOperationPayload) string {
	if payload.OperationType == "" {
		return "unknown"
	}
	return string(payload.OperationType)
}
