package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Options configures a Queue
type Options struct {
	Prefix            string
	Name              string
	DefaultJobOptions JobOptions
	LockDuration      time.Duration
	MaxStalledCount   int
}

// Queue is a Redis-backed job queue. Jobs move wait → active →
// completed | failed, with failed attempts parked in delayed until their
// backoff expires.
type Queue struct {
	rdb      goredis.UniversalClient
	keys     keys
	name     string
	defaults JobOptions
	lockTTL  time.Duration
	maxStall int
	logger   *slog.Logger
	now      func() time.Time
}

// Counts holds the number of jobs per state
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// StalledResult lists jobs found active without a live lock
type StalledResult struct {
	Requeued []string
	Failed   []string
}

// CancelOutcome describes what Cancel did to a job
type CancelOutcome int

const (
	// CancelRemoved means the job was waiting or delayed and is gone
	CancelRemoved CancelOutcome = iota + 1
	// CancelRequested means the job is active; the worker stops between items
	CancelRequested
)

// New creates a queue bound to the given Redis client
func New(rdb goredis.UniversalClient, opts Options, logger *slog.Logger) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "bull"
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 30 * time.Second
	}
	if opts.DefaultJobOptions.Attempts < 1 {
		opts.DefaultJobOptions.Attempts = 1
	}

	return &Queue{
		rdb:      rdb,
		keys:     newKeys(opts.Prefix, opts.Name),
		name:     opts.Name,
		defaults: opts.DefaultJobOptions,
		lockTTL:  opts.LockDuration,
		maxStall: opts.MaxStalledCount,
		logger:   logger.With(slog.String("queue", opts.Name)),
		now:      time.Now,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// KeyPattern returns the glob matching every key of this queue
func (q *Queue) KeyPattern() string {
	return q.keys.pattern()
}

// DefaultJobOptions returns a copy of the options applied when Add gets nil
func (q *Queue) DefaultJobOptions() JobOptions {
	return q.defaults
}

// LockDuration returns how long an activated job stays locked without renewal
func (q *Queue) LockDuration() time.Duration {
	return q.lockTTL
}

// Ping checks the queue store
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Add stores a new job. A nil opts uses the queue defaults. When opts.JobID
// names an existing job, that job is returned and nothing is written.
func (q *Queue) Add(ctx context.Context, name string, data any, opts *JobOptions) (*Job, error) {
	o := q.defaults
	if opts != nil {
		o = *opts
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.JobID != "" && !ValidJobID(o.JobID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, o.JobID)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}

	optsJSON, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job options: %w", err)
	}

	now := q.now()
	delay := o.Delay
	if delay < 0 {
		delay = 0
	}

	res, err := addJobScript.Run(ctx, q.rdb,
		[]string{q.keys.id(), q.keys.wait(), q.keys.delayed()},
		q.keys.base,
		o.JobID,
		name,
		string(payload),
		string(optsJSON),
		millis(now),
		strconv.FormatInt(delay.Milliseconds(), 10),
		millis(now.Add(delay)),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}

	jobID, _ := res[0].(string)
	created, _ := res[1].(int64)

	if created == 0 {
		q.logger.Info("Job already exists, skipping add",
			slog.String("job_id", jobID),
		)
		return q.GetJob(ctx, jobID)
	}

	q.logger.Debug("Job added",
		slog.String("job_id", jobID),
		slog.String("name", name),
		slog.Duration("delay", delay),
	)

	return &Job{
		ID:        jobID,
		Name:      name,
		Data:      payload,
		Opts:      o,
		Timestamp: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// GetJob loads a job by id
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	if len(h) == 0 {
		return nil, ErrJobNotFound
	}

	return jobFromHash(id, h)
}

// GetState reports where the job currently sits
func (q *Queue) GetState(ctx context.Context, id string) (JobState, error) {
	state, err := getStateScript.Run(ctx, q.rdb,
		[]string{q.keys.completed(), q.keys.failed(), q.keys.delayed(), q.keys.active(), q.keys.job(id)},
		id,
	).Text()
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to get job %s state: %w", id, err)
	}

	return JobState(state), nil
}

// MoveToActive promotes due delayed jobs, then claims the oldest waiting job
// under the given lock token. It returns nil, nil when there is nothing to do.
func (q *Queue) MoveToActive(ctx context.Context, token string) (*Job, error) {
	res, err := moveToActiveScript.Run(ctx, q.rdb,
		[]string{q.keys.wait(), q.keys.active(), q.keys.delayed()},
		q.keys.base,
		millis(q.now()),
		token,
		strconv.FormatInt(q.lockTTL.Milliseconds(), 10),
	).Slice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to move job to active: %w", err)
	}

	jobID, _ := res[0].(string)
	fields, _ := res[1].([]interface{})

	job, err := jobFromHash(jobID, hashFromReply(fields))
	if err != nil {
		return nil, err
	}
	job.lockToken = token

	return job, nil
}

// ExtendLock renews the lock of an active job held by this worker
func (q *Queue) ExtendLock(ctx context.Context, job *Job) error {
	ok, err := extendLockScript.Run(ctx, q.rdb,
		[]string{q.keys.lock(job.ID)},
		job.lockToken,
		strconv.FormatInt(q.lockTTL.Milliseconds(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock of job %s: %w", job.ID, err)
	}

	if ok == 0 {
		return ErrLockMismatch
	}

	return nil
}

// UpdateProgress stores the completion percentage of a job (clamped to 0–100)
func (q *Queue) UpdateProgress(ctx context.Context, job *Job, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	ok, err := updateProgressScript.Run(ctx, q.rdb,
		[]string{q.keys.job(job.ID)},
		strconv.Itoa(percent),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update progress of job %s: %w", job.ID, err)
	}

	if ok == 0 {
		return ErrJobNotFound
	}

	job.Progress = percent
	return nil
}

// MoveToCompleted acknowledges a job and trims the completed set to the
// job's RemoveOnComplete limit
func (q *Queue) MoveToCompleted(ctx context.Context, job *Job, returnValue any) error {
	rv, err := json.Marshal(returnValue)
	if err != nil {
		return fmt.Errorf("failed to marshal return value: %w", err)
	}

	now := q.now()
	code, err := moveToCompletedScript.Run(ctx, q.rdb,
		[]string{q.keys.active(), q.keys.completed(), q.keys.job(job.ID), q.keys.lock(job.ID)},
		job.ID,
		job.lockToken,
		millis(now),
		string(rv),
		strconv.Itoa(job.Opts.RemoveOnComplete),
		q.keys.base,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	if err := finishCode(code); err != nil {
		return err
	}

	job.FinishedOn = time.UnixMilli(now.UnixMilli())
	job.ReturnValue = rv
	job.Progress = 100

	return nil
}

// MoveToFailed records a failed attempt. If attempts remain and cause is not
// unrecoverable the job is scheduled again after its backoff; otherwise it
// lands in the failed set trimmed to RemoveOnFail. It reports whether the job
// will be retried.
func (q *Queue) MoveToFailed(ctx context.Context, job *Job, cause error) (bool, error) {
	now := q.now()

	retryAt := int64(-1)
	if job.AttemptsLeft() && !IsUnrecoverable(cause) {
		retryAt = now.Add(job.Opts.Backoff.Next(job.AttemptsMade + 1)).UnixMilli()
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	code, err := moveToFailedScript.Run(ctx, q.rdb,
		[]string{q.keys.active(), q.keys.failed(), q.keys.delayed(), q.keys.wait(), q.keys.job(job.ID), q.keys.lock(job.ID)},
		job.ID,
		job.lockToken,
		millis(now),
		reason,
		strconv.FormatInt(retryAt, 10),
		strconv.Itoa(job.Opts.RemoveOnFail),
		q.keys.base,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}

	if err := finishCode(code); err != nil {
		return false, err
	}

	job.AttemptsMade++
	job.FailedReason = reason

	if code == 1 {
		q.logger.Info("Job scheduled for retry",
			slog.String("job_id", job.ID),
			slog.Int("attempts_made", job.AttemptsMade),
			slog.Int("attempts", job.Opts.Attempts),
			slog.Time("retry_at", time.UnixMilli(retryAt)),
		)
		return true, nil
	}

	job.FinishedOn = time.UnixMilli(now.UnixMilli())
	return false, nil
}

// Release hands an active job back to the head of the wait list without
// consuming an attempt. Used when a worker shuts down mid-job.
func (q *Queue) Release(ctx context.Context, job *Job) error {
	ok, err := releaseScript.Run(ctx, q.rdb,
		[]string{q.keys.active(), q.keys.wait(), q.keys.lock(job.ID)},
		job.ID,
		job.lockToken,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", job.ID, err)
	}

	if ok == 0 {
		return ErrLockMismatch
	}

	return nil
}

func finishCode(code int) error {
	switch code {
	case -1:
		return ErrJobNotFound
	case -2:
		return ErrLockMismatch
	default:
		return nil
	}
}

// MoveStalledJobsToWait requeues active jobs whose lock expired. Jobs that
// stalled more than MaxStalledCount times are failed instead.
func (q *Queue) MoveStalledJobsToWait(ctx context.Context) (*StalledResult, error) {
	res, err := moveStalledScript.Run(ctx, q.rdb,
		[]string{q.keys.active(), q.keys.wait(), q.keys.failed()},
		q.keys.base,
		millis(q.now()),
		strconv.Itoa(q.maxStall),
		strconv.Itoa(q.defaults.RemoveOnFail),
		StalledFailedReason,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to check stalled jobs: %w", err)
	}

	result := &StalledResult{
		Requeued: toStrings(res[0]),
		Failed:   toStrings(res[1]),
	}

	if len(result.Requeued) > 0 || len(result.Failed) > 0 {
		q.logger.Warn("Stalled jobs detected",
			slog.Any("requeued", result.Requeued),
			slog.Any("failed", result.Failed),
		)
	}

	return result, nil
}

// GetJobCounts returns how many jobs sit in each state
func (q *Queue) GetJobCounts(ctx context.Context) (*Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.keys.wait())
	active := pipe.LLen(ctx, q.keys.active())
	delayed := pipe.ZCard(ctx, q.keys.delayed())
	completed := pipe.ZCard(ctx, q.keys.completed())
	failed := pipe.ZCard(ctx, q.keys.failed())

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get job counts: %w", err)
	}

	return &Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Clean removes jobs of the given finished state whose finishedOn is older
// than grace. limit caps the number removed; 0 removes all matches.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, state JobState, limit int) ([]string, error) {
	var set string
	switch state {
	case StateCompleted:
		set = q.keys.completed()
	case StateFailed:
		set = q.keys.failed()
	default:
		return nil, fmt.Errorf("cannot clean jobs in state %q", state)
	}

	cutoff := q.now().Add(-grace)
	res, err := cleanScript.Run(ctx, q.rdb,
		[]string{set},
		q.keys.base,
		millis(cutoff),
		strconv.Itoa(limit),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to clean %s jobs: %w", state, err)
	}

	q.logger.Debug("Cleaned jobs",
		slog.String("state", string(state)),
		slog.Duration("grace", grace),
		slog.Int("removed", len(res)),
	)

	return res, nil
}

// Cancel removes a waiting or delayed job, or flags an active one so its
// worker stops before the next item
func (q *Queue) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	code, err := cancelScript.Run(ctx, q.rdb,
		[]string{q.keys.wait(), q.keys.delayed(), q.keys.completed(), q.keys.failed(), q.keys.job(id)},
		id,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}

	switch code {
	case 0:
		return 0, ErrJobNotFound
	case 1:
		return CancelRemoved, nil
	case 2:
		return CancelRequested, nil
	default:
		return 0, ErrJobNotCancelable
	}
}

// IsCancelRequested reports whether Cancel flagged an active job
func (q *Queue) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	v, err := q.rdb.HGet(ctx, q.keys.job(id), "cancelRequested").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cancel flag of job %s: %w", id, err)
	}

	return v == "1", nil
}

// Retry moves a failed job back to wait with its attempts reset
func (q *Queue) Retry(ctx context.Context, id string) error {
	code, err := retryScript.Run(ctx, q.rdb,
		[]string{q.keys.failed(), q.keys.wait(), q.keys.job(id)},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", id, err)
	}

	switch code {
	case -1:
		return ErrJobNotFound
	case 0:
		return ErrJobNotFailed
	default:
		return nil
	}
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
