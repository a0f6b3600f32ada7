package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// JobState is the position of a job in the queue lifecycle
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateUnknown   JobState = "unknown"
)

// Backoff types
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff describes the wait before a failed job is attempted again
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay before the next attempt, given how many attempts
// have already been made (1 after the first failure)
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 || attemptsMade < 1 {
		return 0
	}

	switch b.Type {
	case BackoffExponential:
		d := float64(b.Delay) * math.Pow(2, float64(attemptsMade-1))
		if d > float64(math.MaxInt64) {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	default:
		return b.Delay
	}
}

// JobOptions control retries, retention and scheduling of a single job
type JobOptions struct {
	// JobID overrides the generated id; adding an id that already exists is a no-op
	JobID string `json:"jobId,omitempty"`
	// Attempts is the total number of times the job may run
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
	// Delay postpones the first attempt
	Delay time.Duration `json:"delay,omitempty"`
	// RemoveOnComplete keeps only the last N completed jobs; negative keeps all
	RemoveOnComplete int `json:"removeOnComplete"`
	// RemoveOnFail keeps only the last N failed jobs; negative keeps all
	RemoveOnFail int `json:"removeOnFail"`
}

// Job is a snapshot of a job hash
type Job struct {
	ID              string
	Name            string
	Data            json.RawMessage
	Opts            JobOptions
	Timestamp       time.Time
	AttemptsMade    int
	StalledCounter  int
	Progress        int
	ProcessedOn     time.Time
	FinishedOn      time.Time
	FailedReason    string
	ReturnValue     json.RawMessage
	CancelRequested bool

	lockToken string
}

// Token returns the lock token held by the worker that activated the job
func (j *Job) Token() string {
	return j.lockToken
}

// AttemptsLeft reports whether another attempt is allowed after the current one fails
func (j *Job) AttemptsLeft() bool {
	return j.AttemptsMade+1 < j.Opts.Attempts
}

// Decode unmarshals the job data into v
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("failed to decode job %s data: %w", j.ID, err)
	}
	return nil
}

func jobFromHash(id string, h map[string]string) (*Job, error) {
	job := &Job{
		ID:              id,
		Name:            h["name"],
		FailedReason:    h["failedReason"],
		CancelRequested: h["cancelRequested"] == "1",
	}

	if data := h["data"]; data != "" {
		job.Data = json.RawMessage(data)
	}

	if rv := h["returnvalue"]; rv != "" {
		job.ReturnValue = json.RawMessage(rv)
	}

	if opts := h["opts"]; opts != "" {
		if err := json.Unmarshal([]byte(opts), &job.Opts); err != nil {
			return nil, fmt.Errorf("failed to decode job %s options: %w", id, err)
		}
	}

	job.AttemptsMade = atoi(h["attemptsMade"])
	job.StalledCounter = atoi(h["stalledCounter"])
	job.Progress = atoi(h["progress"])
	job.Timestamp = fromMillis(h["timestamp"])
	job.ProcessedOn = fromMillis(h["processedOn"])
	job.FinishedOn = fromMillis(h["finishedOn"])

	return job, nil
}

// hashFromReply converts a flat HGETALL reply returned from a script
func hashFromReply(reply []interface{}) map[string]string {
	h := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		h[k] = v
	}
	return h
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func fromMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
