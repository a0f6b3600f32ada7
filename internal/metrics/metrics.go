package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue throughput
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_queue_jobs_enqueued_total",
		Help: "Total number of bulk operation jobs added to the queue",
	}, []string{"operation_type"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_queue_jobs_completed_total",
		Help: "Total number of bulk operation jobs completed",
	}, []string{"operation_type"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_queue_jobs_failed_total",
		Help: "Total number of bulk operation jobs that exhausted their attempts or were discarded",
	}, []string{"operation_type"})

	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_queue_jobs_retried_total",
		Help: "Total number of failed attempts scheduled for another try",
	}, []string{"operation_type"})

	JobsStalled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_queue_jobs_stalled_total",
		Help: "Total number of active jobs found without a live lock",
	}, []string{"outcome"})

	JobsCleaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_queue_jobs_cleaned_total",
		Help: "Total number of finished jobs removed by the cleanup sweep",
	}, []string{"state"})

	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_queue_items_processed_total",
		Help: "Total number of bulk operation items applied",
	}, []string{"operation_type", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulk_queue_job_duration_seconds",
		Help:    "Time spent processing one attempt of a bulk operation job",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"operation_type", "outcome"})

	// Queue depth, refreshed by the scheduler
	QueueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulk_queue_jobs",
		Help: "Number of jobs currently held in each queue state",
	}, []string{"state"})
)
