package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
	"github.com/cuongbtq/helios-bulk-queue/internal/worker/domain"
)

// OperationStore persists the bulk operation record of each job
type OperationStore interface {
	StartAttempt(ctx context.Context, id string, attempt int) (*domain.BulkOperation, error)
	UpdateProgress(ctx context.Context, id string, result *domain.Result) error
	RecordAttemptError(ctx context.Context, id, errorMsg string) error
	Finish(ctx context.Context, id, status string, result *domain.Result, errorMsg string) error
}

// EntityStore applies bulk operation items to organization entities
type EntityStore interface {
	CreateEntity(ctx context.Context, e *domain.Entity) (bool, error)
	UpdateEntity(ctx context.Context, organizationID, entityID string, name *string, attributes map[string]any) error
	DeleteEntity(ctx context.Context, organizationID, entityID string) error
	SetEntityStatus(ctx context.Context, organizationID, entityID, status string) error
}

// EventPublisher announces bulk operations that reached a final state
type EventPublisher interface {
	PublishEvent(ctx context.Context, event domain.Event) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Queue         *queue.Queue
	Operations    OperationStore
	Entities      EntityStore
	Events        EventPublisher // optional
	WorkerID      string
	Concurrency   int
	JobTimeout    time.Duration
	ProgressEvery int
	DrainDelay    time.Duration
}

// Worker pulls bulk-operation jobs from the queue and executes them
type Worker struct {
	logger        *slog.Logger
	queue         *queue.Queue
	operations    OperationStore
	entities      EntityStore
	events        EventPublisher
	executors     map[queue.OperationType]executor
	workerID      string
	concurrency   int
	jobTimeout    time.Duration
	progressEvery int
	drainDelay    time.Duration
	lockRenewal   time.Duration

	jobsChan chan *queue.Job
	slots    chan struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	progressEvery := cfg.ProgressEvery
	if progressEvery < 1 {
		progressEvery = 100
	}

	drainDelay := cfg.DrainDelay
	if drainDelay <= 0 {
		drainDelay = time.Second
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Minute
	}

	lockRenewal := cfg.Queue.LockDuration() / 2
	if lockRenewal < time.Millisecond {
		lockRenewal = time.Millisecond
	}

	w := &Worker{
		logger:        cfg.Logger.With(slog.String("worker_id", workerID)),
		queue:         cfg.Queue,
		operations:    cfg.Operations,
		entities:      cfg.Entities,
		events:        cfg.Events,
		workerID:      workerID,
		concurrency:   concurrency,
		jobTimeout:    jobTimeout,
		progressEvery: progressEvery,
		drainDelay:    drainDelay,
		lockRenewal:   lockRenewal,
		jobsChan:      make(chan *queue.Job),
		slots:         make(chan struct{}, concurrency),
		stopChan:      make(chan struct{}),
	}
	w.executors = w.newExecutors()

	return w
}

// Start begins processing jobs and blocks until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("queue", w.queue.Name()),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("lock_renewal", w.lockRenewal),
	)

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go w.startFetcher(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	return nil
}

// Stop stops fetching new jobs and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
