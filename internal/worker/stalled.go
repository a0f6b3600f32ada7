package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/helios-bulk-queue/internal/metrics"
	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
	"github.com/cuongbtq/helios-bulk-queue/internal/worker/domain"
)

// RecordStalledFailures finishes the bulk operations whose jobs the stalled
// check moved to failed. The record keeps the counters its last attempt
// stored.
func (w *Worker) RecordStalledFailures(ctx context.Context, jobIDs []string) {
	for _, id := range jobIDs {
		w.recordStalledFailure(ctx, id)
	}
}

func (w *Worker) recordStalledFailure(ctx context.Context, jobID string) {
	payload := queue.BulkOperationPayload{BulkOperationID: jobID}
	reason := queue.StalledFailedReason

	job, err := w.queue.GetJob(ctx, jobID)
	switch {
	case err == nil:
		var decoded queue.BulkOperationPayload
		if derr := job.Decode(&decoded); derr == nil && decoded.BulkOperationID != "" {
			payload = decoded
		}
		if job.FailedReason != "" {
			reason = job.FailedReason
		}
	case errors.Is(err, queue.ErrJobNotFound):
		// Trimmed from the failed set already; the job id is the operation id
	default:
		w.logger.Warn("Failed to load stalled job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	metrics.JobsFailed.WithLabelValues(operationLabel(&payload)).Inc()

	if !w.finishOperation(ctx, payload.BulkOperationID, domain.StatusFailed, nil, reason) {
		return
	}

	w.publishEvent(ctx, domain.EventFailed, &payload, domain.StatusFailed, nil, reason)

	w.logger.Error("Bulk operation failed after stalling",
		slog.String("job_id", jobID),
		slog.String("bulk_operation_id", payload.BulkOperationID),
		slog.String("reason", reason),
	)
}
