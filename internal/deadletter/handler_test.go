package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/queue"
	"github.com/atelier-ai/task-service/internal/tasks"
)

// fakeRecords is an in-memory stand-in for the Postgres record store
type fakeRecords struct {
	records   map[string]database.DeadLetterRecord
	insertErr error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[string]database.DeadLetterRecord)}
}

func (f *fakeRecords) insert(ctx context.Context, in insertInput) (database.DeadLetterRecord, error) {
	if f.insertErr != nil {
		return database.DeadLetterRecord{}, f.insertErr
	}
	rec := database.DeadLetterRecord{
		ID:           uuid.NewString(),
		TaskID:       in.TaskID,
		QueueName:    in.QueueName,
		ErrorMessage: in.ErrorMessage,
		ErrorStack:   in.ErrorStack,
		AttemptsMade: in.AttemptsMade,
		Payload:      in.Payload,
		Status:       ReviewPending,
	}
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeRecords) Get(ctx context.Context, id string) (database.DeadLetterRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return database.DeadLetterRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (f *fakeRecords) markArchived(ctx context.Context, id string, notes *string) (bool, error) {
	rec, ok := f.records[id]
	if !ok || rec.Status != ReviewPending {
		return false, nil
	}
	rec.Status = ReviewArchived
	rec.Notes = notes
	f.records[id] = rec
	return true, nil
}

func (f *fakeRecords) markRetried(ctx context.Context, id string) (bool, error) {
	rec, ok := f.records[id]
	if !ok || rec.Status != ReviewPending {
		return false, nil
	}
	rec.Status = ReviewRetried
	f.records[id] = rec
	return true, nil
}

// fakeTaskStore mimics the guarded terminal updates of the real store
type fakeTaskStore struct {
	tasks     map[string]database.Task
	failedMsg map[string]string
	jobIDs    map[string]string
	resets    int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		tasks:     make(map[string]database.Task),
		failedMsg: make(map[string]string),
		jobIDs:    make(map[string]string),
	}
}

func (f *fakeTaskStore) Get(ctx context.Context, taskID string) (database.Task, error) {
	task, ok := f.tasks[taskID]
	if !ok {
		return database.Task{}, tasks.ErrNotFound
	}
	return task, nil
}

func (f *fakeTaskStore) MarkFailed(ctx context.Context, taskID, errorMessage string, attemptsMade int) (bool, error) {
	task, ok := f.tasks[taskID]
	if !ok || tasks.IsTerminal(task.Status) {
		return false, nil
	}
	task.Status = tasks.StatusFailed
	task.AttemptsMade = attemptsMade
	f.tasks[taskID] = task
	f.failedMsg[taskID] = errorMessage
	return true, nil
}

func (f *fakeTaskStore) ResetForRetry(ctx context.Context, taskID string) error {
	task, ok := f.tasks[taskID]
	if !ok {
		return tasks.ErrNotFound
	}
	task.Status = tasks.StatusPending
	task.AttemptsMade = 0
	f.tasks[taskID] = task
	f.resets++
	return nil
}

func (f *fakeTaskStore) SetQueueJobID(ctx context.Context, taskID, jobID string) error {
	f.jobIDs[taskID] = jobID
	return nil
}

type fakeAdmitter struct {
	increments int
	decrements int
}

func (f *fakeAdmitter) Increment(ctx context.Context, userID string) (int, error) {
	f.increments++
	return f.increments - f.decrements, nil
}

func (f *fakeAdmitter) Decrement(ctx context.Context, userID string) (int, error) {
	f.decrements++
	return f.increments - f.decrements, nil
}

type fakeEnqueuer struct {
	jobs       []queue.Job
	enqueueErr error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.jobs = append(f.jobs, job)
	return "job-retry-1", nil
}

func newTestHandler(records *fakeRecords, store *fakeTaskStore, admitter *fakeAdmitter, enq *fakeEnqueuer) *Handler {
	return &Handler{
		records:   records,
		taskStore: store,
		admission: admitter,
		enqueuer:  enq,
		logger:    zerolog.Nop(),
	}
}

func exhaustedJob(taskID string) queue.Job {
	return queue.Job{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		UserID:       "user-1",
		ToolSlug:     "background-removal",
		InputParams:  json.RawMessage(`{"image": "s3://in.png"}`),
		QueueName:    "tasks:replicate",
		AttemptsMade: 3,
		MaxAttempts:  3,
	}
}

func TestAbsorbRecordsAndReleasesSlot(t *testing.T) {
	records := newFakeRecords()
	store := newFakeTaskStore()
	store.tasks["task-1"] = database.Task{ID: "task-1", UserID: "user-1", Status: tasks.StatusProcessing}
	admitter := &fakeAdmitter{}
	h := newTestHandler(records, store, admitter, &fakeEnqueuer{})

	transitioned, err := h.Absorb(context.Background(), exhaustedJob("task-1"), errors.New("provider timeout"))
	require.NoError(t, err)
	assert.True(t, transitioned)

	// Record captured with the full payload
	require.Len(t, records.records, 1)
	for _, rec := range records.records {
		assert.Equal(t, "task-1", rec.TaskID)
		assert.Equal(t, "provider timeout", rec.ErrorMessage)
		assert.Equal(t, 3, rec.AttemptsMade)
		assert.Equal(t, ReviewPending, rec.Status)
		assert.NotEmpty(t, rec.Payload)
	}

	// Task failed with a composed message, slot released exactly once
	assert.Equal(t, tasks.StatusFailed, store.tasks["task-1"].Status)
	assert.Contains(t, store.failedMsg["task-1"], "failed after 3 attempts")
	assert.Contains(t, store.failedMsg["task-1"], "provider timeout")
	assert.Equal(t, 1, admitter.decrements)
}

func TestAbsorbAlreadyTerminalSkipsDecrement(t *testing.T) {
	records := newFakeRecords()
	store := newFakeTaskStore()
	store.tasks["task-1"] = database.Task{ID: "task-1", UserID: "user-1", Status: tasks.StatusFailed}
	admitter := &fakeAdmitter{}
	h := newTestHandler(records, store, admitter, &fakeEnqueuer{})

	transitioned, err := h.Absorb(context.Background(), exhaustedJob("task-1"), errors.New("provider timeout"))
	require.NoError(t, err)
	assert.False(t, transitioned)

	// The record is still written but the slot is not double-released
	assert.Len(t, records.records, 1)
	assert.Zero(t, admitter.decrements)
}

func TestAbsorbInsertFailureStillFailsTask(t *testing.T) {
	records := newFakeRecords()
	records.insertErr = errors.New("postgres down")
	store := newFakeTaskStore()
	store.tasks["task-1"] = database.Task{ID: "task-1", UserID: "user-1", Status: tasks.StatusProcessing}
	admitter := &fakeAdmitter{}
	h := newTestHandler(records, store, admitter, &fakeEnqueuer{})

	transitioned, err := h.Absorb(context.Background(), exhaustedJob("task-1"), errors.New("provider timeout"))
	require.Error(t, err)
	assert.True(t, transitioned)

	// The later steps still ran despite the record insert failing
	assert.Equal(t, tasks.StatusFailed, store.tasks["task-1"].Status)
	assert.Equal(t, 1, admitter.decrements)
}

func TestArchiveLeavesTaskUntouched(t *testing.T) {
	records := newFakeRecords()
	store := newFakeTaskStore()
	store.tasks["task-1"] = database.Task{ID: "task-1", UserID: "user-1", Status: tasks.StatusFailed}
	h := newTestHandler(records, store, &fakeAdmitter{}, &fakeEnqueuer{})

	rec, err := records.insert(context.Background(), insertInput{TaskID: "task-1", QueueName: "tasks:replicate"})
	require.NoError(t, err)

	notes := "known provider outage"
	require.NoError(t, h.Archive(context.Background(), rec.ID, &notes))

	got, err := records.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ReviewArchived, got.Status)
	require.NotNil(t, got.Notes)
	assert.Equal(t, notes, *got.Notes)

	// The task stays failed; archive is record-only
	assert.Equal(t, tasks.StatusFailed, store.tasks["task-1"].Status)
	assert.Zero(t, store.resets)
}

func TestArchiveAlreadyResolved(t *testing.T) {
	records := newFakeRecords()
	h := newTestHandler(records, newFakeTaskStore(), &fakeAdmitter{}, &fakeEnqueuer{})

	rec, err := records.insert(context.Background(), insertInput{TaskID: "task-1"})
	require.NoError(t, err)

	require.NoError(t, h.Archive(context.Background(), rec.ID, nil))
	assert.ErrorIs(t, h.Archive(context.Background(), rec.ID, nil), ErrAlreadyResolved)
}

func TestArchiveMissingRecord(t *testing.T) {
	h := newTestHandler(newFakeRecords(), newFakeTaskStore(), &fakeAdmitter{}, &fakeEnqueuer{})
	assert.ErrorIs(t, h.Archive(context.Background(), "nope", nil), ErrRecordNotFound)
}

func TestArchiveMultipleReportsPerID(t *testing.T) {
	records := newFakeRecords()
	h := newTestHandler(records, newFakeTaskStore(), &fakeAdmitter{}, &fakeEnqueuer{})

	rec, err := records.insert(context.Background(), insertInput{TaskID: "task-1"})
	require.NoError(t, err)

	results := h.ArchiveMultiple(context.Background(), []string{rec.ID, "missing"}, nil)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrRecordNotFound)
}

func TestRetryRoundTrip(t *testing.T) {
	records := newFakeRecords()
	store := newFakeTaskStore()
	store.tasks["task-1"] = database.Task{ID: "task-1", UserID: "user-1", Status: tasks.StatusFailed, AttemptsMade: 3}
	admitter := &fakeAdmitter{}
	enq := &fakeEnqueuer{}
	h := newTestHandler(records, store, admitter, enq)

	payload, err := json.Marshal(exhaustedJob("task-1"))
	require.NoError(t, err)
	rec, err := records.insert(context.Background(), insertInput{
		TaskID: "task-1", QueueName: "tasks:replicate", AttemptsMade: 3, Payload: payload,
	})
	require.NoError(t, err)

	require.NoError(t, h.Retry(context.Background(), rec.ID))

	// Task reset to a clean pending state with a fresh attempt budget
	assert.Equal(t, tasks.StatusPending, store.tasks["task-1"].Status)
	assert.Zero(t, store.tasks["task-1"].AttemptsMade)

	// Job re-enqueued from the payload snapshot with attempts reset
	require.Len(t, enq.jobs, 1)
	assert.Equal(t, "task-1", enq.jobs[0].TaskID)
	assert.Zero(t, enq.jobs[0].AttemptsMade)
	assert.Equal(t, "job-retry-1", store.jobIDs["task-1"])

	// The task is in flight again so the slot is re-charged
	assert.Equal(t, 1, admitter.increments)

	// Record kept as audit history, never deleted
	got, err := records.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ReviewRetried, got.Status)
}

func TestRetryTaskGone(t *testing.T) {
	records := newFakeRecords()
	h := newTestHandler(records, newFakeTaskStore(), &fakeAdmitter{}, &fakeEnqueuer{})

	payload, _ := json.Marshal(exhaustedJob("task-gone"))
	rec, err := records.insert(context.Background(), insertInput{TaskID: "task-gone", Payload: payload})
	require.NoError(t, err)

	assert.ErrorIs(t, h.Retry(context.Background(), rec.ID), ErrTaskGone)

	// Record stays pending so the operator can archive it instead
	got, _ := records.Get(context.Background(), rec.ID)
	assert.Equal(t, ReviewPending, got.Status)
}

func TestRetryAlreadyResolved(t *testing.T) {
	records := newFakeRecords()
	store := newFakeTaskStore()
	store.tasks["task-1"] = database.Task{ID: "task-1", UserID: "user-1", Status: tasks.StatusFailed}
	h := newTestHandler(records, store, &fakeAdmitter{}, &fakeEnqueuer{})

	payload, _ := json.Marshal(exhaustedJob("task-1"))
	rec, err := records.insert(context.Background(), insertInput{TaskID: "task-1", Payload: payload})
	require.NoError(t, err)

	require.NoError(t, h.Retry(context.Background(), rec.ID))
	assert.ErrorIs(t, h.Retry(context.Background(), rec.ID), ErrAlreadyResolved)
}

func TestRetryEnqueueFailure(t *testing.T) {
	records := newFakeRecords()
	store := newFakeTaskStore()
	store.tasks["task-1"] = database.Task{ID: "task-1", UserID: "user-1", Status: tasks.StatusFailed}
	enq := &fakeEnqueuer{enqueueErr: errors.New("redis down")}
	h := newTestHandler(records, store, &fakeAdmitter{}, enq)

	payload, _ := json.Marshal(exhaustedJob("task-1"))
	rec, err := records.insert(context.Background(), insertInput{TaskID: "task-1", Payload: payload})
	require.NoError(t, err)

	require.Error(t, h.Retry(context.Background(), rec.ID))

	// The record must not read retried when nothing was enqueued
	got, _ := records.Get(context.Background(), rec.ID)
	assert.Equal(t, ReviewPending, got.Status)
}
