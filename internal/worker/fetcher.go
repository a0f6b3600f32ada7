package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
)

// startFetcher claims jobs from the queue and dispatches them to the worker
// pool. It only claims a job when a pool slot is free, so a job never waits
// in active without a goroutine renewing its lock.
func (w *Worker) startFetcher(ctx context.Context) {
	defer w.wg.Done()

	w.logger.Info("Job fetcher started")

	for {
		// Reserve a slot; released by the pool once the job is done
		select {
		case <-ctx.Done():
			w.logger.Info("Job fetcher stopped - context canceled")
			return
		case <-w.stopChan:
			w.logger.Info("Job fetcher stopped - stopChan closed")
			return
		case w.slots <- struct{}{}:
		}

		// select picks randomly among ready cases, so a slot may have won
		// over a closed stopChan
		if w.stopping() {
			<-w.slots
			w.logger.Info("Job fetcher stopped - stopChan closed")
			return
		}

		job, err := w.queue.MoveToActive(ctx, w.newLockToken())
		if err != nil {
			<-w.slots
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("Failed to fetch job",
				slog.String("error", err.Error()),
			)
			w.idle(ctx)
			continue
		}

		if job == nil {
			<-w.slots
			w.idle(ctx)
			continue
		}

		select {
		case w.jobsChan <- job:
			w.logger.Debug("Job dispatched to worker pool",
				slog.String("job_id", job.ID),
				slog.String("name", job.Name),
			)
		case <-w.stopChan:
			<-w.slots
			w.releaseJob(job)
			w.logger.Info("Job fetcher stopped while dispatching job")
			return
		case <-ctx.Done():
			<-w.slots
			w.releaseJob(job)
			w.logger.Info("Job fetcher stopped while dispatching job")
			return
		}
	}
}

// idle waits drainDelay before polling an empty queue again
func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.drainDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.stopChan:
	}
}

// releaseJob hands a claimed job back to the queue without using an attempt
func (w *Worker) releaseJob(job *queue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.queue.Release(ctx, job); err != nil {
		w.logger.Warn("Failed to release job, stalled check will recover it",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("Job released back to queue",
		slog.String("job_id", job.ID),
	)
}

// stopping reports whether Stop has been called
func (w *Worker) stopping() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}

func (w *Worker) newLockToken() string {
	return w.workerID + ":" + uuid.NewString()
}
