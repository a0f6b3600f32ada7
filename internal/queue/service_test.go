package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/helios-bulk-queue/shared/logger"
)

func validPayload(id string) BulkOperationPayload {
	return BulkOperationPayload{
		BulkOperationID: id,
		OrganizationID:  "org-1",
		OperationType:   OperationUpdate,
		Items: []json.RawMessage{
			json.RawMessage(`{"entityId":"e-1","name":"first"}`),
			json.RawMessage(`{"entityId":"e-2","name":"second"}`),
		},
	}
}

func newTestService(t *testing.T, opts Options) (*Service, *Queue, *clock) {
	t.Helper()

	q, _, c := newTestQueue(t, opts)
	svc := NewService(q, ServiceConfig{FailedMultiplier: 7}, logger.NewDiscard())
	return svc, q, c
}

func TestBulkOperationPayload_Validate(t *testing.T) {
	tooMany := make([]json.RawMessage, MaxItemsPerOperation+1)
	for i := range tooMany {
		tooMany[i] = json.RawMessage(`{}`)
	}

	tests := []struct {
		name    string
		mutate  func(p *BulkOperationPayload)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *BulkOperationPayload) {}},
		{name: "missing bulk operation id", mutate: func(p *BulkOperationPayload) { p.BulkOperationID = "" }, wantErr: true},
		{name: "id clashes with wait list", mutate: func(p *BulkOperationPayload) { p.BulkOperationID = "wait" }, wantErr: true},
		{name: "id clashes with counter", mutate: func(p *BulkOperationPayload) { p.BulkOperationID = "id" }, wantErr: true},
		{name: "id clashes with lock key", mutate: func(p *BulkOperationPayload) { p.BulkOperationID = "op-1:lock" }, wantErr: true},
		{name: "missing organization", mutate: func(p *BulkOperationPayload) { p.OrganizationID = "" }, wantErr: true},
		{name: "unknown operation", mutate: func(p *BulkOperationPayload) { p.OperationType = "archive" }, wantErr: true},
		{name: "no items", mutate: func(p *BulkOperationPayload) { p.Items = nil }, wantErr: true},
		{name: "too many items", mutate: func(p *BulkOperationPayload) { p.Items = tooMany }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload("op-1")
			tt.mutate(&p)

			err := p.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOperationType_Valid(t *testing.T) {
	for _, op := range OperationTypes {
		assert.True(t, op.Valid(), string(op))
	}
	assert.False(t, OperationType("archive").Valid())
}

func TestService_Enqueue(t *testing.T) {
	svc, q, _ := newTestService(t, testOptions())
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, validPayload("op-7"))
	require.NoError(t, err)
	assert.Equal(t, "op-7", job.ID)
	assert.Equal(t, "update", job.Name)
	assert.Equal(t, 3, job.Opts.Attempts)

	// Same bulk operation submitted again is not queued twice
	again, err := svc.Enqueue(ctx, validPayload("op-7"))
	require.NoError(t, err)
	assert.Equal(t, "op-7", again.ID)

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	stored, err := q.GetJob(ctx, "op-7")
	require.NoError(t, err)

	var payload BulkOperationPayload
	require.NoError(t, stored.Decode(&payload))
	assert.Equal(t, "org-1", payload.OrganizationID)
	assert.Len(t, payload.Items, 2)
}

func TestService_EnqueueRejectsInvalidPayload(t *testing.T) {
	svc, q, _ := newTestService(t, testOptions())
	ctx := context.Background()

	p := validPayload("op-8")
	p.Items = nil

	_, err := svc.Enqueue(ctx, p)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
}

func TestService_GetStats(t *testing.T) {
	svc, _, _ := newTestService(t, testOptions())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, validPayload("op-1"))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, validPayload("op-2"))
	require.NoError(t, err)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bulk-operations", stats.Queue)
	assert.Equal(t, int64(2), stats.Counts.Waiting)
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, BackoffExponential, stats.BackoffType)
	assert.Equal(t, int64(2000), stats.BackoffDelayMS)
	assert.Equal(t, 100, stats.RemoveOnComplete)
	assert.Equal(t, 500, stats.RemoveOnFail)
}

func TestService_CleanOldJobs(t *testing.T) {
	opts := testOptions()
	opts.DefaultJobOptions.Attempts = 1
	svc, q, c := newTestService(t, opts)
	ctx := context.Background()

	finish := func(id string, fail bool) {
		_, err := svc.Enqueue(ctx, validPayload(id))
		require.NoError(t, err)
		job, err := q.MoveToActive(ctx, "tok")
		require.NoError(t, err)
		if fail {
			_, err = q.MoveToFailed(ctx, job, errors.New("x"))
		} else {
			err = q.MoveToCompleted(ctx, job, nil)
		}
		require.NoError(t, err)
	}

	finish("done-old", false)
	finish("failed-old", true)

	// Two days later the completed job is past the 24h grace, the failed
	// job is still inside its 7 day window
	c.advance(48 * time.Hour)
	finish("done-new", false)

	res, err := svc.CleanOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CompletedRemoved)
	assert.Equal(t, 0, res.FailedRemoved)
	assert.Equal(t, 7*24*time.Hour, res.FailedGrace)

	c.advance(6 * 24 * time.Hour)
	res, err = svc.CleanOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CompletedRemoved)
	assert.Equal(t, 1, res.FailedRemoved)

	_, err = svc.CleanOldJobs(ctx, -time.Second)
	assert.Error(t, err)
}

func TestService_CancelRetryAndStatus(t *testing.T) {
	opts := testOptions()
	opts.DefaultJobOptions.Attempts = 1
	svc, q, _ := newTestService(t, opts)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, validPayload("op-a"))
	require.NoError(t, err)

	status, err := svc.JobStatus(ctx, "op-a")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, status.State)
	assert.Nil(t, status.ProcessedOn)

	job, err := q.MoveToActive(ctx, "tok")
	require.NoError(t, err)
	require.NoError(t, q.UpdateProgress(ctx, job, 50))

	outcome, err := svc.Cancel(ctx, "op-a")
	require.NoError(t, err)
	assert.Equal(t, CancelRequested, outcome)

	_, err = q.MoveToFailed(ctx, job, Unrecoverable(errors.New("canceled")))
	require.NoError(t, err)

	status, err = svc.JobStatus(ctx, "op-a")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, 50, status.Progress)
	assert.Equal(t, 1, status.AttemptsMade)
	assert.NotNil(t, status.FinishedOn)
	assert.Contains(t, status.FailedReason, "canceled")

	require.NoError(t, svc.Retry(ctx, "op-a"))

	status, err = svc.JobStatus(ctx, "op-a")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, status.State)
	assert.Equal(t, 0, status.AttemptsMade)

	_, err = svc.JobStatus(ctx, "missing")
	assert.True(t, IsNotFound(err))
}
