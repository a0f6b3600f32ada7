package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/helios-bulk-queue/internal/metrics"
	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
	"github.com/cuongbtq/helios-bulk-queue/internal/worker/domain"
	"github.com/cuongbtq/helios-bulk-queue/shared/logger"
)

type finishCall struct {
	status    string
	hasResult bool
	result    domain.Result
	errMsg    string
}

type fakeOperations struct {
	mu            sync.Mutex
	stored        *domain.BulkOperation
	startErr      error
	attempts      []int
	progress      []domain.Progress
	attemptErrors []string
	finished      map[string]finishCall
}

func newFakeOperations() *fakeOperations {
	return &fakeOperations{finished: make(map[string]finishCall)}
}

func (f *fakeOperations) StartAttempt(_ context.Context, id string, attempt int) (*domain.BulkOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return nil, f.startErr
	}
	f.attempts = append(f.attempts, attempt)

	op := &domain.BulkOperation{ID: id, Status: domain.StatusRunning, Attempts: attempt}
	if f.stored != nil {
		op.ProcessedItems = f.stored.ProcessedItems
		op.SucceededItems = f.stored.SucceededItems
		op.FailedItems = f.stored.FailedItems
		op.ItemErrors = append([]domain.ItemError(nil), f.stored.ItemErrors...)
	}
	return op, nil
}

func (f *fakeOperations) UpdateProgress(_ context.Context, _ string, result *domain.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, result.Progress)
	f.stored = &domain.BulkOperation{
		ProcessedItems: result.Processed,
		SucceededItems: result.Succeeded,
		FailedItems:    result.Failed,
		ItemErrors:     append([]domain.ItemError(nil), result.Errors...),
	}
	return nil
}

func (f *fakeOperations) RecordAttemptError(_ context.Context, _ string, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attemptErrors = append(f.attemptErrors, errorMsg)
	return nil
}

func (f *fakeOperations) Finish(_ context.Context, id, status string, result *domain.Result, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.finished[id]; done {
		return fmt.Errorf("%w: status %s", domain.ErrBulkOperationFinished, f.finished[id].status)
	}
	call := finishCall{status: status, errMsg: errorMsg}
	if result != nil {
		call.hasResult = true
		call.result = *result
	}
	f.finished[id] = call
	return nil
}

func (f *fakeOperations) finishedCall(id string) (finishCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok := f.finished[id]
	return call, ok
}

type fakeEntities struct {
	mu         sync.Mutex
	entities   map[string]*domain.Entity
	failWith   error
	failOnCall int // 0 fails every call
	onCall     func(call int)
	calls      int
}

func newFakeEntities(org string, ids ...string) *fakeEntities {
	f := &fakeEntities{entities: make(map[string]*domain.Entity)}
	for _, id := range ids {
		f.entities[id] = &domain.Entity{EntityID: id, OrganizationID: org, Name: "seed", Status: domain.EntityStatusActive}
	}
	return f
}

func (f *fakeEntities) hook() error {
	f.mu.Lock()
	f.calls++
	call, onCall := f.calls, f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnCall != 0 && f.failOnCall != call {
		return nil
	}
	return f.failWith
}

func (f *fakeEntities) lookup(org, id string) (*domain.Entity, error) {
	e, ok := f.entities[id]
	if !ok || e.OrganizationID != org {
		return nil, domain.ErrEntityNotFound
	}
	return e, nil
}

func (f *fakeEntities) CreateEntity(_ context.Context, e *domain.Entity) (bool, error) {
	if err := f.hook(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entities[e.EntityID]; ok {
		return false, nil
	}
	copied := *e
	f.entities[e.EntityID] = &copied
	return true, nil
}

func (f *fakeEntities) UpdateEntity(_ context.Context, org, id string, name *string, _ map[string]any) error {
	if err := f.hook(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(org, id)
	if err != nil {
		return err
	}
	if name != nil {
		e.Name = *name
	}
	return nil
}

func (f *fakeEntities) DeleteEntity(_ context.Context, org, id string) error {
	if err := f.hook(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(org, id); err != nil {
		return err
	}
	delete(f.entities, id)
	return nil
}

func (f *fakeEntities) SetEntityStatus(_ context.Context, org, id, status string) error {
	if err := f.hook(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(org, id)
	if err != nil {
		return err
	}
	e.Status = status
	return nil
}

func (f *fakeEntities) get(id string) (domain.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return domain.Entity{}, false
	}
	return *e, true
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeEvents) PublishEvent(_ context.Context, event domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type testEnv struct {
	worker   *Worker
	queue    *queue.Queue
	mr       *miniredis.Miniredis
	ops      *fakeOperations
	entities *fakeEntities
	events   *fakeEvents
}

const testOrg = "org-1"

func newTestEnv(t *testing.T, lockDuration time.Duration, entities *fakeEntities) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, queue.Options{
		Prefix: "bull",
		Name:   "bulk-operations",
		DefaultJobOptions: queue.JobOptions{
			Attempts:         3,
			Backoff:          queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second},
			RemoveOnComplete: 100,
			RemoveOnFail:     500,
		},
		LockDuration:    lockDuration,
		MaxStalledCount: 1,
	}, logger.NewDiscard())

	env := &testEnv{
		queue:    q,
		mr:       mr,
		ops:      newFakeOperations(),
		entities: entities,
		events:   &fakeEvents{},
	}

	env.worker = NewWorker(&Config{
		Logger:        logger.NewDiscard(),
		Queue:         q,
		Operations:    env.ops,
		Entities:      entities,
		Events:        env.events,
		WorkerID:      "test-worker",
		Concurrency:   2,
		JobTimeout:    10 * time.Second,
		ProgressEvery: 2,
		DrainDelay:    10 * time.Millisecond,
	})

	return env
}

func (e *testEnv) enqueue(t *testing.T, id string, op queue.OperationType, items ...string) {
	t.Helper()

	payload := queue.BulkOperationPayload{
		BulkOperationID: id,
		OrganizationID:  testOrg,
		OperationType:   op,
	}
	for _, item := range items {
		payload.Items = append(payload.Items, json.RawMessage(item))
	}

	opts := e.queue.DefaultJobOptions()
	opts.JobID = id
	_, err := e.queue.Add(context.Background(), string(op), payload, &opts)
	require.NoError(t, err)
}

func (e *testEnv) enqueueWithBackoff(t *testing.T, id string, op queue.OperationType, delay time.Duration, items ...string) {
	t.Helper()

	payload := queue.BulkOperationPayload{
		BulkOperationID: id,
		OrganizationID:  testOrg,
		OperationType:   op,
	}
	for _, item := range items {
		payload.Items = append(payload.Items, json.RawMessage(item))
	}

	opts := e.queue.DefaultJobOptions()
	opts.JobID = id
	opts.Backoff = queue.Backoff{Type: queue.BackoffFixed, Delay: delay}
	_, err := e.queue.Add(context.Background(), string(op), payload, &opts)
	require.NoError(t, err)
}

// activateEventually waits for a delayed job to become due and claims it
func (e *testEnv) activateEventually(t *testing.T) *queue.Job {
	t.Helper()

	var job *queue.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.queue.MoveToActive(context.Background(), e.worker.newLockToken())
		return err == nil && job != nil
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

// stall lets the lock of the active job expire and runs the stalled check
func (e *testEnv) stall(t *testing.T) *queue.StalledResult {
	t.Helper()

	e.mr.FastForward(time.Minute)
	result, err := e.queue.MoveStalledJobsToWait(context.Background())
	require.NoError(t, err)
	return result
}

func (e *testEnv) activate(t *testing.T) *queue.Job {
	t.Helper()

	job, err := e.queue.MoveToActive(context.Background(), e.worker.newLockToken())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (e *testEnv) state(t *testing.T, id string) queue.JobState {
	t.Helper()

	state, err := e.queue.GetState(context.Background(), id)
	require.NoError(t, err)
	return state
}

func refItem(id string) string {
	return fmt.Sprintf(`{"entityId":%q}`, id)
}

func TestProcessJob_CreateCompletes(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))

	env.enqueue(t, "op-create", queue.OperationCreate,
		`{"entityType":"device","name":"sensor-1","attributes":{"zone":"a"}}`,
		`{"entityType":"device","name":"sensor-2"}`,
		`{"entityType":"device","name":"sensor-3"}`,
	)

	env.worker.processJob(context.Background(), env.activate(t))

	assert.Equal(t, queue.StateCompleted, env.state(t, "op-create"))

	call, ok := env.ops.finishedCall("op-create")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, call.status)
	assert.Equal(t, 3, call.result.Total)
	assert.Equal(t, 3, call.result.Succeeded)
	assert.Equal(t, 0, call.result.Failed)

	created, ok := env.entities.get(entityIDFor("op-create", 1))
	require.True(t, ok)
	assert.Equal(t, "sensor-2", created.Name)
	assert.Equal(t, testOrg, created.OrganizationID)
	assert.Equal(t, domain.EntityStatusActive, created.Status)

	// Progress every 2 items and at the end
	assert.Equal(t, []domain.Progress{
		{Total: 3, Processed: 2, Succeeded: 2},
		{Total: 3, Processed: 3, Succeeded: 3},
	}, env.ops.progress)

	job, err := env.queue.GetJob(context.Background(), "op-create")
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)

	require.Len(t, env.events.events, 1)
	assert.Equal(t, domain.EventCompleted, env.events.events[0].Type)
	assert.Equal(t, "op-create", env.events.events[0].BulkOperationID)
}

func TestProcessJob_CreateIsIdempotentAcrossAttempts(t *testing.T) {
	entities := newFakeEntities(testOrg)
	env := newTestEnv(t, 30*time.Second, entities)

	existing := entityIDFor("op-replay", 0)
	entities.entities[existing] = &domain.Entity{EntityID: existing, OrganizationID: testOrg, Name: "from first attempt"}

	env.enqueue(t, "op-replay", queue.OperationCreate,
		`{"entityType":"device","name":"sensor-1"}`,
		`{"entityType":"device","name":"sensor-2"}`,
	)

	env.worker.processJob(context.Background(), env.activate(t))

	call, ok := env.ops.finishedCall("op-replay")
	require.True(t, ok)
	assert.Equal(t, 2, call.result.Succeeded)

	first, _ := entities.get(existing)
	assert.Equal(t, "from first attempt", first.Name)
	assert.Len(t, entities.entities, 2)
}

func TestProcessJob_ItemFailuresAreRecorded(t *testing.T) {
	known := uuid.NewString()
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg, known))

	env.enqueue(t, "op-update", queue.OperationUpdate,
		fmt.Sprintf(`{"entityId":%q,"name":"renamed"}`, known),
		fmt.Sprintf(`{"entityId":%q,"name":"ghost"}`, uuid.NewString()),
		`{"entityId":"not-a-uuid","name":"bad"}`,
		fmt.Sprintf(`{"entityId":%q}`, known),
	)

	env.worker.processJob(context.Background(), env.activate(t))

	assert.Equal(t, queue.StateCompleted, env.state(t, "op-update"))

	call, ok := env.ops.finishedCall("op-update")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, call.status)
	assert.Equal(t, 4, call.result.Processed)
	assert.Equal(t, 1, call.result.Succeeded)
	assert.Equal(t, 3, call.result.Failed)

	require.Len(t, call.result.Errors, 3)
	assert.Equal(t, 1, call.result.Errors[0].Index)
	assert.Contains(t, call.result.Errors[0].Error, domain.ErrEntityNotFound.Error())
	assert.Equal(t, 2, call.result.Errors[1].Index)
	assert.Contains(t, call.result.Errors[1].Error, domain.ErrInvalidItem.Error())
	assert.Contains(t, call.result.Errors[2].Error, "nothing to update")

	renamed, _ := env.entities.get(known)
	assert.Equal(t, "renamed", renamed.Name)
}

func TestProcessJob_AllItemsFailedFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))

	env.enqueue(t, "op-delete", queue.OperationDelete, refItem(uuid.NewString()), refItem(uuid.NewString()))

	before := testutil.ToFloat64(metrics.JobsFailed.WithLabelValues("delete"))
	env.worker.processJob(context.Background(), env.activate(t))

	assert.Equal(t, queue.StateFailed, env.state(t, "op-delete"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.JobsFailed.WithLabelValues("delete")))

	call, ok := env.ops.finishedCall("op-delete")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, call.status)
	assert.Equal(t, 2, call.result.Failed)
	assert.Contains(t, call.errMsg, domain.ErrAllItemsFailed.Error())

	job, err := env.queue.GetJob(context.Background(), "op-delete")
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade)

	require.Len(t, env.events.events, 1)
	assert.Equal(t, domain.EventFailed, env.events.events[0].Type)
}

func TestProcessJob_StoreErrorSchedulesRetry(t *testing.T) {
	entities := newFakeEntities(testOrg)
	entities.failWith = errors.New("connection reset by peer")
	env := newTestEnv(t, 30*time.Second, entities)

	env.enqueue(t, "op-flaky", queue.OperationSuspend, refItem(uuid.NewString()))

	before := testutil.ToFloat64(metrics.JobsRetried.WithLabelValues("suspend"))
	env.worker.processJob(context.Background(), env.activate(t))

	assert.Equal(t, queue.StateDelayed, env.state(t, "op-flaky"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.JobsRetried.WithLabelValues("suspend")))

	_, finished := env.ops.finishedCall("op-flaky")
	assert.False(t, finished)
	require.Len(t, env.ops.attemptErrors, 1)
	assert.Contains(t, env.ops.attemptErrors[0], "connection reset by peer")
	assert.Empty(t, env.events.events)

	job, err := env.queue.GetJob(context.Background(), "op-flaky")
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestProcessJob_InvalidPayloadIsDiscarded(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))

	opts := env.queue.DefaultJobOptions()
	opts.JobID = "op-bad"
	_, err := env.queue.Add(context.Background(), "update", map[string]any{
		"bulkOperationId": "op-bad",
		"organizationId":  testOrg,
		"operationType":   "archive",
		"items":           []any{map[string]any{}},
	}, &opts)
	require.NoError(t, err)

	env.worker.processJob(context.Background(), env.activate(t))

	assert.Equal(t, queue.StateFailed, env.state(t, "op-bad"))
	assert.Empty(t, env.ops.attempts)

	call, ok := env.ops.finishedCall("op-bad")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, call.status)
	assert.Contains(t, call.errMsg, queue.ErrInvalidPayload.Error())
}

func TestProcessJob_MissingRecordIsDiscarded(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))
	env.ops.startErr = domain.ErrBulkOperationNotFound

	env.enqueue(t, "op-orphan", queue.OperationActivate, refItem(uuid.NewString()))
	env.worker.processJob(context.Background(), env.activate(t))

	assert.Equal(t, queue.StateFailed, env.state(t, "op-orphan"))
	_, finished := env.ops.finishedCall("op-orphan")
	assert.False(t, finished)
	assert.Empty(t, env.events.events)
}

func TestProcessJob_CancelBetweenItems(t *testing.T) {
	first, second, third := uuid.NewString(), uuid.NewString(), uuid.NewString()
	entities := newFakeEntities(testOrg, first, second, third)
	env := newTestEnv(t, 30*time.Second, entities)

	entities.onCall = func(call int) {
		if call == 1 {
			_, err := env.queue.Cancel(context.Background(), "op-cancel")
			assert.NoError(t, err)
		}
	}

	env.enqueue(t, "op-cancel", queue.OperationSuspend, refItem(first), refItem(second), refItem(third))
	env.worker.processJob(context.Background(), env.activate(t))

	assert.Equal(t, queue.StateFailed, env.state(t, "op-cancel"))

	call, ok := env.ops.finishedCall("op-cancel")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCanceled, call.status)
	assert.Equal(t, 1, call.result.Processed)
	assert.Equal(t, 3, call.result.Total)

	// The in-flight item finished, nothing after it ran
	e, _ := entities.get(first)
	assert.Equal(t, domain.EntityStatusSuspended, e.Status)
	e, _ = entities.get(second)
	assert.Equal(t, domain.EntityStatusActive, e.Status)

	job, err := env.queue.GetJob(context.Background(), "op-cancel")
	require.NoError(t, err)
	assert.Contains(t, job.FailedReason, "canceled")

	require.Len(t, env.events.events, 1)
	assert.Equal(t, domain.EventCanceled, env.events.events[0].Type)
}

func TestProcessJob_ResumesAfterCountedItems(t *testing.T) {
	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	entities := newFakeEntities(testOrg, ids...)
	env := newTestEnv(t, 30*time.Second, entities)
	env.ops.stored = &domain.BulkOperation{ProcessedItems: 2, SucceededItems: 1, FailedItems: 1}

	env.enqueue(t, "op-resume", queue.OperationActivate, refItem(ids[0]), refItem(ids[1]), refItem(ids[2]))
	env.worker.processJob(context.Background(), env.activate(t))

	call, ok := env.ops.finishedCall("op-resume")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, call.status)
	assert.Equal(t, 3, call.result.Processed)
	assert.Equal(t, 2, call.result.Succeeded)
	assert.Equal(t, 1, call.result.Failed)
	assert.Equal(t, 1, entities.calls)
}

func TestProcessJob_LostLockAbortsAttempt(t *testing.T) {
	ids := []string{uuid.NewString(), uuid.NewString()}
	entities := newFakeEntities(testOrg, ids...)
	env := newTestEnv(t, 40*time.Millisecond, entities)

	entities.onCall = func(call int) {
		if call == 1 {
			env.mr.Del("bull:bulk-operations:op-stolen:lock")
			time.Sleep(100 * time.Millisecond)
		}
	}

	env.enqueue(t, "op-stolen", queue.OperationSuspend, refItem(ids[0]), refItem(ids[1]))
	env.worker.processJob(context.Background(), env.activate(t))

	assert.Equal(t, queue.StateActive, env.state(t, "op-stolen"))
	_, finished := env.ops.finishedCall("op-stolen")
	assert.False(t, finished)
	assert.Equal(t, 1, entities.calls)
}

func TestWorker_StartProcessesQueue(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))

	for i := 0; i < 3; i++ {
		env.enqueue(t, fmt.Sprintf("op-%d", i), queue.OperationCreate, `{"entityType":"user","name":"someone"}`)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- env.worker.Start(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := env.queue.GetJobCounts(context.Background())
		return err == nil && counts.Completed == 3
	}, 5*time.Second, 20*time.Millisecond)

	env.worker.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	for i := 0; i < 3; i++ {
		call, ok := env.ops.finishedCall(fmt.Sprintf("op-%d", i))
		require.True(t, ok)
		assert.Equal(t, domain.StatusCompleted, call.status)
	}
}

func TestFailureCause(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		unrecoverable bool
	}{
		{name: "invalid payload", err: fmt.Errorf("%w: bad", queue.ErrInvalidPayload), unrecoverable: true},
		{name: "canceled", err: domain.ErrJobCanceled, unrecoverable: true},
		{name: "all items failed", err: fmt.Errorf("%w: 2 of 2", domain.ErrAllItemsFailed), unrecoverable: true},
		{name: "record missing", err: domain.ErrBulkOperationNotFound, unrecoverable: true},
		{name: "record finished", err: fmt.Errorf("%w: status CANCELED", domain.ErrBulkOperationFinished), unrecoverable: true},
		{name: "store error", err: domain.NewRetryableError(errors.New("db down"))},
		{name: "timeout", err: domain.NewRetryableError(fmt.Errorf("stopped after 1 of 3 items: %w", context.DeadlineExceeded))},
		{name: "unwrapped error", err: errors.New("boom"), unrecoverable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cause := failureCause(tt.err)
			assert.Equal(t, tt.unrecoverable, queue.IsUnrecoverable(cause))
			assert.ErrorIs(t, cause, tt.err)
		})
	}
}

func TestEntityIDFor(t *testing.T) {
	a := entityIDFor("op-1", 0)
	assert.Equal(t, a, entityIDFor("op-1", 0))
	assert.NotEqual(t, a, entityIDFor("op-1", 1))
	assert.NotEqual(t, a, entityIDFor("op-2", 0))

	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestProgress_Percent(t *testing.T) {
	assert.Equal(t, 0, domain.Progress{Total: 4}.Percent())
	assert.Equal(t, 50, domain.Progress{Total: 4, Processed: 2}.Percent())
	assert.Equal(t, 100, domain.Progress{Total: 4, Processed: 4}.Percent())
	assert.Equal(t, 100, domain.Progress{}.Percent())
}

func TestResult_AddItemErrorCapsRecordedErrors(t *testing.T) {
	var r domain.Result
	for i := 0; i < domain.MaxRecordedItemErrors+5; i++ {
		r.AddItemError(i, "", domain.ErrEntityNotFound)
	}
	assert.Equal(t, domain.MaxRecordedItemErrors+5, r.Failed)
	assert.Len(t, r.Errors, domain.MaxRecordedItemErrors)
}

func TestProcessJob_ResumeKeepsEarlierItemErrors(t *testing.T) {
	target := uuid.NewString()
	entities := newFakeEntities(testOrg, target)
	entities.failWith = errors.New("connection reset by peer")
	entities.failOnCall = 1
	env := newTestEnv(t, 30*time.Second, entities)

	env.enqueueWithBackoff(t, "op-resume-errors", queue.OperationSuspend, time.Millisecond,
		`{"entityId":"not-a-uuid"}`,
		refItem(target),
	)

	// First attempt: item 0 is invalid, item 1 hits a store error
	env.worker.processJob(context.Background(), env.activate(t))
	assert.Equal(t, queue.StateDelayed, env.state(t, "op-resume-errors"))
	require.NotNil(t, env.ops.stored)
	assert.Equal(t, 1, env.ops.stored.ProcessedItems)
	require.Len(t, env.ops.stored.ItemErrors, 1)

	// Second attempt resumes at item 1
	env.worker.processJob(context.Background(), env.activateEventually(t))

	call, ok := env.ops.finishedCall("op-resume-errors")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, call.status)
	assert.Equal(t, 2, call.result.Processed)
	assert.Equal(t, 1, call.result.Succeeded)
	assert.Equal(t, 1, call.result.Failed)
	require.Len(t, call.result.Errors, call.result.Failed)
	assert.Equal(t, 0, call.result.Errors[0].Index)
	assert.Contains(t, call.result.Errors[0].Error, domain.ErrInvalidItem.Error())

	e, _ := entities.get(target)
	assert.Equal(t, domain.EntityStatusSuspended, e.Status)
}

func TestProcessJob_ShutdownReleasesJob(t *testing.T) {
	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	entities := newFakeEntities(testOrg, ids...)
	env := newTestEnv(t, 30*time.Second, entities)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	entities.onCall = func(call int) {
		if call == 1 {
			cancel()
		}
	}

	env.enqueue(t, "op-shutdown", queue.OperationSuspend, refItem(ids[0]), refItem(ids[1]), refItem(ids[2]))
	env.enqueue(t, "op-next", queue.OperationActivate, refItem(ids[0]))

	env.worker.processJob(ctx, env.activate(t))

	assert.Equal(t, queue.StateWaiting, env.state(t, "op-shutdown"))
	_, finished := env.ops.finishedCall("op-shutdown")
	assert.False(t, finished)
	assert.Empty(t, env.ops.attemptErrors)
	assert.Equal(t, 1, entities.calls)

	// Counters of the interrupted attempt are kept for the next one
	require.NotEmpty(t, env.ops.progress)
	assert.Equal(t, domain.Progress{Total: 3, Processed: 1, Succeeded: 1}, env.ops.progress[len(env.ops.progress)-1])

	// Released to the head of wait without using an attempt
	next := env.activate(t)
	assert.Equal(t, "op-shutdown", next.ID)
	assert.Equal(t, 0, next.AttemptsMade)
}

func TestProcessJob_TimeoutSchedulesRetry(t *testing.T) {
	ids := []string{uuid.NewString(), uuid.NewString()}
	entities := newFakeEntities(testOrg, ids...)
	env := newTestEnv(t, 30*time.Second, entities)
	env.worker.jobTimeout = 50 * time.Millisecond

	entities.onCall = func(call int) {
		if call == 1 {
			time.Sleep(150 * time.Millisecond)
		}
	}

	env.enqueue(t, "op-slow", queue.OperationSuspend, refItem(ids[0]), refItem(ids[1]))
	env.worker.processJob(context.Background(), env.activate(t))

	assert.Equal(t, queue.StateDelayed, env.state(t, "op-slow"))
	_, finished := env.ops.finishedCall("op-slow")
	assert.False(t, finished)
	assert.Equal(t, 1, entities.calls)

	require.Len(t, env.ops.attemptErrors, 1)
	assert.Contains(t, env.ops.attemptErrors[0], context.DeadlineExceeded.Error())

	job, err := env.queue.GetJob(context.Background(), "op-slow")
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestProcessJob_CancelRequestedBeforeClaimKeepsCounters(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))

	env.enqueue(t, "op-flagged", queue.OperationDelete, refItem(uuid.NewString()))

	// Cancel while active, then the worker dies and the job is requeued
	env.activate(t)
	outcome, err := env.queue.Cancel(context.Background(), "op-flagged")
	require.NoError(t, err)
	require.Equal(t, queue.CancelRequested, outcome)
	require.Equal(t, []string{"op-flagged"}, env.stall(t).Requeued)

	job := env.activate(t)
	require.True(t, job.CancelRequested)
	env.worker.processJob(context.Background(), job)

	assert.Equal(t, queue.StateFailed, env.state(t, "op-flagged"))
	assert.Empty(t, env.ops.attempts)

	call, ok := env.ops.finishedCall("op-flagged")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCanceled, call.status)
	assert.False(t, call.hasResult)
}

func TestProcessJob_FinishedRecordIsNotAnnouncedAgain(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))
	env.ops.finished["op-done"] = finishCall{status: domain.StatusCanceled}

	env.enqueue(t, "op-done", queue.OperationCreate, `{"entityType":"device","name":"sensor-1"}`)
	env.worker.processJob(context.Background(), env.activate(t))

	call, _ := env.ops.finishedCall("op-done")
	assert.Equal(t, domain.StatusCanceled, call.status)
	assert.Empty(t, env.events.events)
}

func TestWorker_RecordStalledFailures(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))

	env.enqueue(t, "op-stall", queue.OperationSuspend, refItem(uuid.NewString()))

	// MaxStalledCount is 1: the first stall requeues, the second fails
	env.activate(t)
	assert.Equal(t, []string{"op-stall"}, env.stall(t).Requeued)
	env.activate(t)
	result := env.stall(t)
	require.Equal(t, []string{"op-stall"}, result.Failed)
	assert.Equal(t, queue.StateFailed, env.state(t, "op-stall"))

	before := testutil.ToFloat64(metrics.JobsFailed.WithLabelValues("suspend"))
	env.worker.RecordStalledFailures(context.Background(), result.Failed)

	call, ok := env.ops.finishedCall("op-stall")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, call.status)
	assert.Equal(t, queue.StalledFailedReason, call.errMsg)
	assert.False(t, call.hasResult)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.JobsFailed.WithLabelValues("suspend")))

	require.Len(t, env.events.events, 1)
	assert.Equal(t, domain.EventFailed, env.events.events[0].Type)
	assert.Equal(t, testOrg, env.events.events[0].OrganizationID)
	assert.Equal(t, queue.StalledFailedReason, env.events.events[0].Error)
}

func TestWorker_RecordStalledFailuresForTrimmedJob(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))

	env.worker.RecordStalledFailures(context.Background(), []string{"op-gone"})

	call, ok := env.ops.finishedCall("op-gone")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, call.status)
	assert.Equal(t, queue.StalledFailedReason, call.errMsg)
}

func TestWorker_StopBeforeStartClaimsNothing(t *testing.T) {
	env := newTestEnv(t, 30*time.Second, newFakeEntities(testOrg))
	env.enqueue(t, "op-idle", queue.OperationCreate, `{"entityType":"user","name":"someone"}`)

	env.worker.Stop()
	require.NoError(t, env.worker.Start(context.Background()))
	env.worker.wg.Wait()

	assert.Equal(t, queue.StateWaiting, env.state(t, "op-idle"))
	assert.Empty(t, env.ops.attempts)
}
