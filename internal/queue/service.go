package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/helios-bulk-queue/internal/metrics"
)

// ServiceConfig holds the retention policy applied by CleanOldJobs
type ServiceConfig struct {
	// FailedMultiplier scales the grace period for failed jobs
	FailedMultiplier int
	// CleanLimit caps how many jobs one sweep removes per state; 0 = no cap
	CleanLimit int
}

// Service is the application-facing side of the bulk-operations queue
type Service struct {
	queue  *Queue
	config ServiceConfig
	logger *slog.Logger
}

// Stats is the queue snapshot returned by GetStats
type Stats struct {
	Queue            string `json:"queue"`
	Counts           Counts `json:"counts"`
	Attempts         int    `json:"attempts"`
	BackoffType      string `json:"backoff_type"`
	BackoffDelayMS   int64  `json:"backoff_delay_ms"`
	RemoveOnComplete int    `json:"remove_on_complete"`
	RemoveOnFail     int    `json:"remove_on_fail"`
}

// CleanResult reports what one cleanup sweep removed
type CleanResult struct {
	GracePeriod      time.Duration `json:"grace_period"`
	FailedGrace      time.Duration `json:"failed_grace_period"`
	CompletedRemoved int           `json:"completed_removed"`
	FailedRemoved    int           `json:"failed_removed"`
}

// JobStatus is the queue-side view of one bulk operation
type JobStatus struct {
	JobID        string     `json:"job_id"`
	State        JobState   `json:"state"`
	Progress     int        `json:"progress"`
	AttemptsMade int        `json:"attempts_made"`
	Attempts     int        `json:"attempts"`
	FailedReason string     `json:"failed_reason,omitempty"`
	ProcessedOn  *time.Time `json:"processed_on,omitempty"`
	FinishedOn   *time.Time `json:"finished_on,omitempty"`
}

// NewService creates a Service on top of q
func NewService(q *Queue, config ServiceConfig, logger *slog.Logger) *Service {
	if config.FailedMultiplier <= 0 {
		config.FailedMultiplier = 7
	}

	return &Service{
		queue:  q,
		config: config,
		logger: logger,
	}
}

// Enqueue validates payload and adds it as a job whose id is the bulk
// operation id, so submitting the same operation twice queues it once
func (s *Service) Enqueue(ctx context.Context, payload BulkOperationPayload) (*Job, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	opts := s.queue.DefaultJobOptions()
	opts.JobID = payload.BulkOperationID

	job, err := s.queue.Add(ctx, string(payload.OperationType), payload, &opts)
	if err != nil {
		s.logger.Error("Failed to enqueue bulk operation",
			slog.String("bulk_operation_id", payload.BulkOperationID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	metrics.JobsEnqueued.WithLabelValues(string(payload.OperationType)).Inc()

	s.logger.Info("Bulk operation enqueued",
		slog.String("job_id", job.ID),
		slog.String("organization_id", payload.OrganizationID),
		slog.String("operation_type", string(payload.OperationType)),
		slog.Int("items", len(payload.Items)),
	)

	return job, nil
}

// GetStats returns job counts per state together with the configured limits
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := s.queue.GetJobCounts(ctx)
	if err != nil {
		return nil, err
	}

	d := s.queue.DefaultJobOptions()
	return &Stats{
		Queue:            s.queue.Name(),
		Counts:           *counts,
		Attempts:         d.Attempts,
		BackoffType:      d.Backoff.Type,
		BackoffDelayMS:   d.Backoff.Delay.Milliseconds(),
		RemoveOnComplete: d.RemoveOnComplete,
		RemoveOnFail:     d.RemoveOnFail,
	}, nil
}

// CleanOldJobs removes completed jobs older than grace and failed jobs older
// than FailedMultiplier × grace
func (s *Service) CleanOldJobs(ctx context.Context, grace time.Duration) (*CleanResult, error) {
	if grace < 0 {
		return nil, fmt.Errorf("grace period must not be negative")
	}

	failedGrace := grace * time.Duration(s.config.FailedMultiplier)

	completed, err := s.queue.Clean(ctx, grace, StateCompleted, s.config.CleanLimit)
	if err != nil {
		return nil, err
	}

	failed, err := s.queue.Clean(ctx, failedGrace, StateFailed, s.config.CleanLimit)
	if err != nil {
		return nil, err
	}

	metrics.JobsCleaned.WithLabelValues(string(StateCompleted)).Add(float64(len(completed)))
	metrics.JobsCleaned.WithLabelValues(string(StateFailed)).Add(float64(len(failed)))

	s.logger.Info("Old jobs cleaned",
		slog.Duration("grace_period", grace),
		slog.Duration("failed_grace_period", failedGrace),
		slog.Int("completed_removed", len(completed)),
		slog.Int("failed_removed", len(failed)),
	)

	return &CleanResult{
		GracePeriod:      grace,
		FailedGrace:      failedGrace,
		CompletedRemoved: len(completed),
		FailedRemoved:    len(failed),
	}, nil
}

// Cancel stops the job of a bulk operation
func (s *Service) Cancel(ctx context.Context, bulkOperationID string) (CancelOutcome, error) {
	outcome, err := s.queue.Cancel(ctx, bulkOperationID)
	if err != nil {
		return 0, err
	}

	s.logger.Info("Bulk operation cancel requested",
		slog.String("job_id", bulkOperationID),
		slog.Bool("removed", outcome == CancelRemoved),
	)

	return outcome, nil
}

// Retry puts a failed bulk operation back on the queue
func (s *Service) Retry(ctx context.Context, bulkOperationID string) error {
	if err := s.queue.Retry(ctx, bulkOperationID); err != nil {
		return err
	}

	s.logger.Info("Failed bulk operation requeued",
		slog.String("job_id", bulkOperationID),
	)

	return nil
}

// JobStatus returns the queue state of a bulk operation
func (s *Service) JobStatus(ctx context.Context, bulkOperationID string) (*JobStatus, error) {
	job, err := s.queue.GetJob(ctx, bulkOperationID)
	if err != nil {
		return nil, err
	}

	state, err := s.queue.GetState(ctx, bulkOperationID)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		JobID:        job.ID,
		State:        state,
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		Attempts:     job.Opts.Attempts,
		FailedReason: job.FailedReason,
	}

	if !job.ProcessedOn.IsZero() {
		t := job.ProcessedOn
		status.ProcessedOn = &t
	}
	if !job.FinishedOn.IsZero() {
		t := job.FinishedOn
		status.FinishedOn = &t
	}

	return status, nil
}

// Ping checks the queue store
func (s *Service) Ping(ctx context.Context) error {
	return s.queue.Ping(ctx)
}

// IsNotFound reports whether err means the job no longer exists in Redis
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}
