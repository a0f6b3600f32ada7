package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/helios-bulk-queue/internal/metrics"
	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
	"github.com/cuongbtq/helios-bulk-queue/shared/logger"
)

const (
	TaskCleanOldJobs = "clean-old-jobs"
	TaskStalledCheck = "stalled-check"
	TaskQueueGauges  = "queue-gauges"
)

// Cleaner prunes finished jobs
type Cleaner interface {
	CleanOldJobs(ctx context.Context, grace time.Duration) (*queue.CleanResult, error)
}

// StalledChecker recovers active jobs whose lock expired
type StalledChecker interface {
	MoveStalledJobsToWait(ctx context.Context) (*queue.StalledResult, error)
}

// StalledFailureRecorder finishes the records of jobs the stalled check failed
type StalledFailureRecorder interface {
	RecordStalledFailures(ctx context.Context, jobIDs []string)
}

// CountReader reads the number of jobs per state
type CountReader interface {
	GetJobCounts(ctx context.Context) (*queue.Counts, error)
}

// CleanupTask removes completed and failed jobs past the grace period
type CleanupTask struct {
	cleaner Cleaner
	grace   time.Duration
	log     *slog.Logger
}

func NewCleanupTask(cleaner Cleaner, grace time.Duration, log *slog.Logger) *CleanupTask {
	return &CleanupTask{
		cleaner: cleaner,
		grace:   grace,
		log:     logger.Component(log, "scheduler.cleanup"),
	}
}

// Run executes one cleanup sweep
func (t *CleanupTask) Run(ctx context.Context) error {
	result, err := t.cleaner.CleanOldJobs(ctx, t.grace)
	if err != nil {
		return fmt.Errorf("clean old jobs: %w", err)
	}

	if result.CompletedRemoved > 0 || result.FailedRemoved > 0 {
		t.log.Info("Old jobs cleaned",
			slog.Int("completed", result.CompletedRemoved),
			slog.Int("failed", result.FailedRemoved),
		)
	}

	return nil
}

// StalledCheckTask requeues jobs of crashed workers and finishes the
// operations of jobs that stalled too often
type StalledCheckTask struct {
	checker  StalledChecker
	recorder StalledFailureRecorder
	log      *slog.Logger
}

func NewStalledCheckTask(checker StalledChecker, recorder StalledFailureRecorder, log *slog.Logger) *StalledCheckTask {
	return &StalledCheckTask{
		checker:  checker,
		recorder: recorder,
		log:      logger.Component(log, "scheduler.stalled"),
	}
}

// Run executes one stalled job check
func (t *StalledCheckTask) Run(ctx context.Context) error {
	result, err := t.checker.MoveStalledJobsToWait(ctx)
	if err != nil {
		return fmt.Errorf("check stalled jobs: %w", err)
	}

	metrics.JobsStalled.WithLabelValues("requeued").Add(float64(len(result.Requeued)))
	metrics.JobsStalled.WithLabelValues("failed").Add(float64(len(result.Failed)))

	if len(result.Requeued) > 0 || len(result.Failed) > 0 {
		t.log.Warn("Stalled jobs recovered",
			slog.Any("requeued", result.Requeued),
			slog.Any("failed", result.Failed),
		)
	}

	if len(result.Failed) > 0 && t.recorder != nil {
		t.recorder.RecordStalledFailures(ctx, result.Failed)
	}

	return nil
}

// GaugeTask publishes the number of jobs per state
type GaugeTask struct {
	reader CountReader
}

func NewGaugeTask(reader CountReader) *GaugeTask {
	return &GaugeTask{reader: reader}
}

// Run refreshes the queue gauges
func (t *GaugeTask) Run(ctx context.Context) error {
	counts, err := t.reader.GetJobCounts(ctx)
	if err != nil {
		return fmt.Errorf("get job counts: %w", err)
	}

	metrics.QueueJobs.WithLabelValues(string(queue.StateWaiting)).Set(float64(counts.Waiting))
	metrics.QueueJobs.WithLabelValues(string(queue.StateActive)).Set(float64(counts.Active))
	metrics.QueueJobs.WithLabelValues(string(queue.StateDelayed)).Set(float64(counts.Delayed))
	metrics.QueueJobs.WithLabelValues(string(queue.StateCompleted)).Set(float64(counts.Completed))
	metrics.QueueJobs.WithLabelValues(string(queue.StateFailed)).Set(float64(counts.Failed))

	return nil
}
