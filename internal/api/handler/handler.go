package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/helios-bulk-queue/internal/api/model"
	"github.com/cuongbtq/helios-bulk-queue/internal/api/storage"
	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
)

// OperationStore persists bulk operation records
type OperationStore interface {
	CreateBulkOperation(ctx context.Context, op *model.BulkOperation) (*model.BulkOperation, bool, error)
	GetBulkOperation(ctx context.Context, id string) (*model.BulkOperation, error)
	ListBulkOperations(ctx context.Context, filter storage.BulkOperationFilter) ([]model.BulkOperation, error)
	MarkCanceled(ctx context.Context, id string) (bool, error)
	ResetForRetry(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id, errorMsg string) error
}

// QueueService is the bulk-operations queue as seen by the API
type QueueService interface {
	Enqueue(ctx context.Context, payload queue.BulkOperationPayload) (*queue.Job, error)
	GetStats(ctx context.Context) (*queue.Stats, error)
	CleanOldJobs(ctx context.Context, grace time.Duration) (*queue.CleanResult, error)
	Cancel(ctx context.Context, bulkOperationID string) (queue.CancelOutcome, error)
	Retry(ctx context.Context, bulkOperationID string) error
	JobStatus(ctx context.Context, bulkOperationID string) (*queue.JobStatus, error)
	Ping(ctx context.Context) error
}

// Pinger checks a backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger           *slog.Logger
	Storage          OperationStore
	Queue            QueueService
	DB               Pinger
	ServiceName      string
	CleanGracePeriod time.Duration
}

// BulkOperationHandler handles bulk operation HTTP requests
type BulkOperationHandler struct {
	logger  *slog.Logger
	storage OperationStore
	queue   QueueService
}

// NewBulkOperationHandler creates a new BulkOperationHandler instance
func NewBulkOperationHandler(deps *Dependencies) *BulkOperationHandler {
	return &BulkOperationHandler{
		logger:  deps.Logger,
		storage: deps.Storage,
		queue:   deps.Queue,
	}
}

// QueueHandler handles queue maintenance and health requests
type QueueHandler struct {
	logger      *slog.Logger
	queue       QueueService
	db          Pinger
	serviceName string
	cleanGrace  time.Duration
}

// NewQueueHandler creates a new QueueHandler instance
func NewQueueHandler(deps *Dependencies) *QueueHandler {
	grace := deps.CleanGracePeriod
	if grace <= 0 {
		grace = 24 * time.Hour
	}

	return &QueueHandler{
		logger:      deps.Logger,
		queue:       deps.Queue,
		db:          deps.DB,
		serviceName: deps.ServiceName,
		cleanGrace:  grace,
	}
}
