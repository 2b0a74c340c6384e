// Package workers runs the execution side of the task pipeline: it drains
// the provider queues, drives registered tool handlers, reports progress on
// the status bus and hands exhausted jobs to the dead letter handler.
//
// The actual provider integrations register themselves as handlers; this
// package only enforces the job contract around them.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/metrics"
	"github.com/atelier-ai/task-service/internal/queue"
	"github.com/atelier-ai/task-service/internal/status"
	"github.com/atelier-ai/task-service/internal/tasks"
	"github.com/atelier-ai/task-service/internal/tools"
)

// Handler executes one job for a tool. progress may be called with values
// 0-100 as work advances. The returned payload becomes the task's output
// data.
type Handler func(ctx context.Context, job queue.Job, progress func(int)) (json.RawMessage, error)

// Dequeuer drains and refills named queues
type Dequeuer interface {
	Dequeue(ctx context.Context, queueName string) (queue.Job, bool, error)
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

// TaskStore is the slice of the task store workers need
type TaskStore interface {
	Get(ctx context.Context, taskID string) (database.Task, error)
	Create(ctx context.Context, in tasks.CreateInput) (database.Task, error)
	MarkProcessing(ctx context.Context, taskID string) error
	UpdateProgress(ctx context.Context, taskID string, progress int) error
	MarkSuccess(ctx context.Context, taskID string, output json.RawMessage) (bool, error)
	SetQueueJobID(ctx context.Context, taskID, jobID string) error
}

// Admitter adjusts admission counters for terminal transitions and
// worker-spawned step tasks
type Admitter interface {
	Increment(ctx context.Context, userID string) (int, error)
	Decrement(ctx context.Context, userID string) (int, error)
}

// Absorber quarantines jobs whose retry budget is spent. The bool reports
// whether the absorption performed the task's terminal transition.
type Absorber interface {
	Absorb(ctx context.Context, job queue.Job, finalErr error) (bool, error)
}

// Config holds worker pool configuration
type Config struct {
	WorkerID    string
	Providers   []string
	QueuePrefix string
	Concurrency int
	PollDelay   time.Duration
	JobTimeout  time.Duration
}

// Worker polls its provider queues and executes claimed jobs
type Worker struct {
	queue     Dequeuer
	store     TaskStore
	admission Admitter
	bus       status.Bus
	dlq       Absorber
	config    Config
	handlers  map[string]Handler
	sem       *semaphore.Weighted
	stopChan  chan struct{}
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

func New(q Dequeuer, store TaskStore, admission Admitter, bus status.Bus, dlq Absorber, config Config) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PollDelay <= 0 {
		config.PollDelay = 500 * time.Millisecond
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 10 * time.Minute
	}
	return &Worker{
		queue:     q,
		store:     store,
		admission: admission,
		bus:       bus,
		dlq:       dlq,
		config:    config,
		handlers:  make(map[string]Handler),
		sem:       semaphore.NewWeighted(int64(config.Concurrency)),
		stopChan:  make(chan struct{}),
		logger:    log.With().Str("component", "worker").Str("worker_id", config.WorkerID).Logger(),
	}
}

// RegisterHandler binds a tool slug to its execution handler
func (w *Worker) RegisterHandler(toolSlug string, handler Handler) {
	w.handlers[toolSlug] = handler
}

// Start runs the poll loop until the context is cancelled or Stop is called
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().
		Strs("providers", w.config.Providers).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting worker")

	ticker := time.NewTicker(w.config.PollDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker shutting down")
			return
		case <-w.stopChan:
			w.logger.Info().Msg("Worker received stop signal")
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for in-flight jobs
func (w *Worker) Stop() {
	close(w.stopChan)
	w.logger.Info().Msg("Worker stopping, waiting for in-flight jobs")
	w.wg.Wait()
	w.logger.Info().Msg("Worker stopped")
}

// drainOnce claims at most one job per provider queue per tick, bounded by
// the concurrency semaphore
func (w *Worker) drainOnce(ctx context.Context) {
	for _, provider := range w.config.Providers {
		queueName := queue.QueueName(w.config.QueuePrefix, provider)

		if !w.sem.TryAcquire(1) {
			return // all execution slots busy, leave jobs queued
		}

		job, ok, err := w.queue.Dequeue(ctx, queueName)
		if err != nil {
			w.sem.Release(1)
			w.logger.Error().Err(err).Str("queue", queueName).Msg("Failed to claim job")
			continue
		}
		if !ok {
			w.sem.Release(1)
			continue
		}

		w.wg.Add(1)
		go func(job queue.Job) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.processJob(ctx, job)
		}(job)
	}
}

// ProcessJob executes a single job synchronously. Exported for one-shot
// replay tooling and the test harness.
func (w *Worker) ProcessJob(ctx context.Context, job queue.Job) {
	w.processJob(ctx, job)
}

func (w *Worker) processJob(ctx context.Context, job queue.Job) {
	handler, exists := w.handlers[job.ToolSlug]
	if !exists {
		// No point retrying a job this worker can never execute.
		w.absorb(ctx, exhausted(job), fmt.Errorf("no handler registered for tool %q", job.ToolSlug))
		return
	}

	w.logger.Info().
		Str("task_id", job.TaskID).
		Str("tool", job.ToolSlug).
		Int("attempt", job.AttemptsMade+1).
		Int("max_attempts", job.MaxAttempts).
		Msg("Worker processing job")

	if err := w.store.MarkProcessing(ctx, job.TaskID); err != nil {
		w.logger.Error().Err(err).Str("task_id", job.TaskID).Msg("Failed to mark task as processing")
		w.retryOrAbsorb(ctx, job, fmt.Errorf("status update failed: %w", err))
		return
	}
	w.publish(ctx, job.UserID, status.Update{
		TaskID:   job.TaskID,
		Status:   tasks.StatusProcessing,
		Progress: 0,
	})

	timeout := w.config.JobTimeout
	if job.TimeoutSec > 0 {
		timeout = time.Duration(job.TimeoutSec) * time.Second
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	progress := func(pct int) {
		if pct < 0 || pct > 100 {
			return
		}
		if err := w.store.UpdateProgress(ctx, job.TaskID, pct); err != nil {
			w.logger.Warn().Err(err).Str("task_id", job.TaskID).Msg("Failed to persist progress")
		}
		w.publish(ctx, job.UserID, status.Update{
			TaskID:   job.TaskID,
			Status:   tasks.StatusProcessing,
			Progress: pct,
		})
	}

	started := time.Now()
	output, handlerErr := handler(jobCtx, job, progress)
	metrics.ObserveJobDuration(job.ToolSlug, time.Since(started).Seconds())

	if handlerErr != nil {
		w.retryOrAbsorb(ctx, job, handlerErr)
		return
	}

	w.completeJob(ctx, job, output)
}

// completeJob writes the terminal success state and, for multi-step tools,
// spawns the next step's task fed by this step's output
func (w *Worker) completeJob(ctx context.Context, job queue.Job, output json.RawMessage) {
	transitioned, err := w.store.MarkSuccess(ctx, job.TaskID, output)
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", job.TaskID).Msg("Failed to mark task as succeeded")
		w.retryOrAbsorb(ctx, job, fmt.Errorf("terminal update failed: %w", err))
		return
	}
	if !transitioned {
		// A retry of an already-terminal task: nothing to charge or
		// publish, per the worker idempotency contract.
		w.logger.Warn().Str("task_id", job.TaskID).Msg("Task already terminal, skipping duplicate completion")
		return
	}

	if _, err := w.admission.Decrement(ctx, job.UserID); err != nil {
		w.logger.Error().Err(err).Str("task_id", job.TaskID).Str("user_id", job.UserID).
			Msg("Failed to release admission slot for completed task")
	}

	w.publish(ctx, job.UserID, status.Update{
		TaskID:     job.TaskID,
		Status:     tasks.StatusSuccess,
		Progress:   100,
		OutputData: output,
	})

	w.spawnNextStep(ctx, job, output)

	w.logger.Info().Str("task_id", job.TaskID).Str("tool", job.ToolSlug).Msg("Worker completed job")
}

// spawnNextStep chains multi-step workflows: when the finished job's step
// has a successor, a child task is created whose input is this step's
// output
func (w *Worker) spawnNextStep(ctx context.Context, job queue.Job, output json.RawMessage) {
	if job.StepName == "" {
		return
	}

	task, err := w.store.Get(ctx, job.TaskID)
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", job.TaskID).Msg("Failed to load task for step chaining")
		return
	}
	snap, err := tools.ParseSnapshot(task.ToolConfig)
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", job.TaskID).Msg("Invalid config snapshot for step chaining")
		return
	}
	next, ok := tools.NextStep(snap.Steps, job.StepName)
	if !ok {
		return // last step, workflow complete
	}

	input, err := json.Marshal(map[string]json.RawMessage{
		"step":   json.RawMessage(fmt.Sprintf("%q", next.Name)),
		"source": output,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", job.TaskID).Msg("Failed to build next step input")
		return
	}

	// Every step hangs off the workflow root, not the preceding step. The
	// root's derived status reads its direct children, so a chain of
	// grandchildren would let the root report success while later steps are
	// still running.
	rootID := job.TaskID
	if task.ParentTaskID != nil {
		rootID = *task.ParentTaskID
	}
	stepName := next.Name
	child, err := w.store.Create(ctx, tasks.CreateInput{
		ID:             uuid.NewString(),
		ParentTaskID:   &rootID,
		UserID:         job.UserID,
		ToolSlug:       job.ToolSlug,
		StepName:       &stepName,
		InputParams:    input,
		ToolConfig:     task.ToolConfig,
		IdempotencyKey: fmt.Sprintf("%s:%s", rootID, next.Name),
		RequestID:      uuid.NewString(),
		PriorityClass:  task.PriorityClass,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", job.TaskID).Str("step", next.Name).
			Msg("Failed to create next step task")
		return
	}

	// Step tasks hold their own admission slot so the counter tracks every
	// in-flight row. They skip the ceiling check: the workflow was admitted
	// as a whole at submission.
	if _, err := w.admission.Increment(ctx, job.UserID); err != nil {
		w.logger.Error().Err(err).Str("task_id", child.ID).Msg("Failed to charge admission slot for step task")
	}

	provider := queue.ResolveProvider(snap, next.Name, "")
	if provider == "" {
		provider = jobProvider(job)
	}
	queueName := queue.QueueName(w.config.QueuePrefix, provider)

	jobID, err := w.queue.Enqueue(ctx, queue.Job{
		TaskID:      child.ID,
		UserID:      job.UserID,
		ToolSlug:    job.ToolSlug,
		StepName:    next.Name,
		InputParams: input,
		QueueName:   queueName,
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
		TimeoutSec:  job.TimeoutSec,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", child.ID).Msg("Failed to enqueue next step job")
		return
	}
	if err := w.store.SetQueueJobID(ctx, child.ID, jobID); err != nil {
		w.logger.Error().Err(err).Str("task_id", child.ID).Msg("Failed to stamp queue job id on step task")
	}
	metrics.RecordEnqueue(queueName)

	w.logger.Info().
		Str("parent_task_id", rootID).
		Str("task_id", child.ID).
		Str("step", next.Name).
		Str("queue", queueName).
		Msg("Spawned next workflow step")
}

// retryOrAbsorb re-enqueues the job with its attempt counted, or hands it
// to the dead letter handler once the budget is spent
func (w *Worker) retryOrAbsorb(ctx context.Context, job queue.Job, jobErr error) {
	job.AttemptsMade++
	if job.AttemptsMade < job.MaxAttempts {
		w.logger.Warn().
			Err(jobErr).
			Str("task_id", job.TaskID).
			Int("attempt", job.AttemptsMade).
			Int("max_attempts", job.MaxAttempts).
			Msg("Job failed, re-enqueueing")
		job.ID = ""
		if _, err := w.queue.Enqueue(ctx, job); err != nil {
			// Could not requeue: the budget is effectively spent.
			w.absorb(ctx, exhausted(job), fmt.Errorf("%v (requeue failed: %w)", jobErr, err))
		}
		return
	}
	w.absorb(ctx, job, jobErr)
}

func (w *Worker) absorb(ctx context.Context, job queue.Job, jobErr error) {
	transitioned, err := w.dlq.Absorb(ctx, job, jobErr)
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", job.TaskID).Msg("Dead letter absorption reported errors")
	}
	if !transitioned {
		// A duplicate of an already-terminal task: the terminal frame went
		// out with the first absorption.
		return
	}
	w.publish(ctx, job.UserID, status.Update{
		TaskID: job.TaskID,
		Status: tasks.StatusFailed,
		Error:  fmt.Sprintf("failed after %d attempts: %s", job.AttemptsMade, jobErr.Error()),
	})
}

func (w *Worker) publish(ctx context.Context, userID string, update status.Update) {
	if err := w.bus.Publish(ctx, userID, update); err != nil {
		w.logger.Warn().Err(err).Str("task_id", update.TaskID).Msg("Failed to publish status update")
	}
}

func exhausted(job queue.Job) queue.Job {
	job.AttemptsMade = job.MaxAttempts
	return job
}

func jobProvider(job queue.Job) string {
	// queue names are "{prefix}:{provider}"
	for i := len(job.QueueName) - 1; i >= 0; i-- {
		if job.QueueName[i] == ':' {
			return job.QueueName[i+1:]
		}
	}
	return job.QueueName
}
