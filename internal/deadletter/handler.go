// Package deadletter quarantines jobs that exhausted their retry budget and
// exposes the operator actions that resolve them. It is the failure
// backstop: a job absorbed here has already failed every attempt, so each
// step tolerates partial damage from earlier crashes.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/metrics"
	"github.com/atelier-ai/task-service/internal/queue"
	"github.com/atelier-ai/task-service/internal/tasks"
)

var (
	// ErrTaskGone means a retry was requested for a record whose original
	// task no longer exists. Reported, never silently ignored.
	ErrTaskGone = errors.New("original task no longer exists")

	// ErrAlreadyResolved means the record already left pending review.
	ErrAlreadyResolved = errors.New("dead letter record already resolved")
)

// TaskStore is the slice of the task store the handler needs
type TaskStore interface {
	Get(ctx context.Context, taskID string) (database.Task, error)
	MarkFailed(ctx context.Context, taskID, errorMessage string, attemptsMade int) (bool, error)
	ResetForRetry(ctx context.Context, taskID string) error
	SetQueueJobID(ctx context.Context, taskID, jobID string) error
}

// Admitter adjusts the submitter's admission counter
type Admitter interface {
	Increment(ctx context.Context, userID string) (int, error)
	Decrement(ctx context.Context, userID string) (int, error)
}

// Enqueuer re-enqueues retried jobs onto the live queue
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

// records is the store surface the handler uses; satisfied by *Store and by
// in-package fakes
type records interface {
	insert(ctx context.Context, in insertInput) (database.DeadLetterRecord, error)
	Get(ctx context.Context, id string) (database.DeadLetterRecord, error)
	markArchived(ctx context.Context, id string, notes *string) (bool, error)
	markRetried(ctx context.Context, id string) (bool, error)
}

// Handler absorbs exhausted jobs and applies operator actions
type Handler struct {
	records   records
	taskStore TaskStore
	admission Admitter
	enqueuer  Enqueuer
	logger    zerolog.Logger
}

func NewHandler(store *Store, taskStore TaskStore, admission Admitter, enqueuer Enqueuer) *Handler {
	return &Handler{
		records:   store,
		taskStore: taskStore,
		admission: admission,
		enqueuer:  enqueuer,
		logger:    log.With().Str("component", "deadletter").Logger(),
	}
}

// Absorb quarantines a job whose retry budget is spent: record the failure
// with its full payload, fail the original task, release the submitter's
// slot. Later steps still run when an earlier one fails; each failure is
// logged with enough context for manual reconciliation, because re-running
// the whole handler would risk duplicate records.
//
// The returned bool reports whether this call performed the task's terminal
// transition. A duplicate absorption of an already-terminal task returns
// false so callers do not re-announce the failure.
func (h *Handler) Absorb(ctx context.Context, job queue.Job, finalErr error) (bool, error) {
	payload, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		// Should not happen for a job that travelled through the queue;
		// keep a diagnostic payload rather than losing the record.
		payload = []byte(fmt.Sprintf(`{"taskId":%q,"marshalError":%q}`, job.TaskID, marshalErr.Error()))
	}

	var stack *string
	if s := fmt.Sprintf("%+v", finalErr); s != finalErr.Error() {
		stack = &s
	}

	var firstErr error
	if _, err := h.records.insert(ctx, insertInput{
		TaskID:       job.TaskID,
		QueueName:    job.QueueName,
		ErrorMessage: finalErr.Error(),
		ErrorStack:   stack,
		AttemptsMade: job.AttemptsMade,
		Payload:      payload,
	}); err != nil {
		firstErr = err
		h.logger.Error().
			Err(err).
			Str("task_id", job.TaskID).
			Str("queue", job.QueueName).
			Int("attempts", job.AttemptsMade).
			RawJSON("payload", payload).
			Msg("Failed to insert dead letter record; continuing with task update")
	}

	composed := fmt.Sprintf("failed after %d attempts: %s", job.AttemptsMade, finalErr.Error())
	transitioned, err := h.taskStore.MarkFailed(ctx, job.TaskID, composed, job.AttemptsMade)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		h.logger.Error().
			Err(err).
			Str("task_id", job.TaskID).
			Msg("Failed to mark dead-lettered task as failed; counter decrement still attempted")
		// Without a successful guarded update we cannot tell whether the
		// terminal path already released the slot; decrementing here could
		// double-release, so leave it for manual reconciliation.
		transitioned = false
	}

	// The guarded update tells us whether this call performed the terminal
	// transition. Only the transitioning caller releases the slot, which
	// keeps the decrement count at exactly one per task.
	if transitioned {
		if _, err := h.admission.Decrement(ctx, job.UserID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			h.logger.Error().
				Err(err).
				Str("task_id", job.TaskID).
				Str("user_id", job.UserID).
				Msg("Failed to release admission slot for dead-lettered task")
		}
	}

	metrics.RecordDeadLetter(job.QueueName)
	h.logger.Warn().
		Str("task_id", job.TaskID).
		Str("queue", job.QueueName).
		Int("attempts", job.AttemptsMade).
		Err(finalErr).
		Msg("Job absorbed into dead letter queue")
	return transitioned, firstErr
}

// Archive resolves a pending record without touching the task
func (h *Handler) Archive(ctx context.Context, recordID string, notes *string) error {
	if _, err := h.records.Get(ctx, recordID); err != nil {
		return err
	}
	archived, err := h.records.markArchived(ctx, recordID, notes)
	if err != nil {
		return err
	}
	if !archived {
		return ErrAlreadyResolved
	}
	return nil
}

// BatchResult reports the outcome of one id in a batch operation
type BatchResult struct {
	ID  string
	Err error
}

// ArchiveMultiple archives each record independently. The batch is not
// transactional; a failure partway is reported per id and the remaining ids
// are still processed.
func (h *Handler) ArchiveMultiple(ctx context.Context, recordIDs []string, notes *string) []BatchResult {
	results := make([]BatchResult, 0, len(recordIDs))
	for _, id := range recordIDs {
		results = append(results, BatchResult{ID: id, Err: h.Archive(ctx, id, notes)})
	}
	return results
}

// Retry resets the original task to pending and re-enqueues its job from
// the recorded payload snapshot. The record moves to retried and stays as
// audit history.
func (h *Handler) Retry(ctx context.Context, recordID string) error {
	rec, err := h.records.Get(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status != ReviewPending {
		return ErrAlreadyResolved
	}

	if _, err := h.taskStore.Get(ctx, rec.TaskID); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return ErrTaskGone
		}
		return fmt.Errorf("failed to verify original task: %w", err)
	}

	var job queue.Job
	if err := json.Unmarshal(rec.Payload, &job); err != nil {
		return fmt.Errorf("failed to decode recorded job payload: %w", err)
	}
	job.ID = ""
	job.AttemptsMade = 0

	if err := h.taskStore.ResetForRetry(ctx, rec.TaskID); err != nil {
		return fmt.Errorf("failed to reset task for retry: %w", err)
	}

	// The task is in flight again, so it holds an admission slot again.
	// Absorb released the slot; this re-charge keeps the eventual terminal
	// decrement balanced.
	if _, err := h.admission.Increment(ctx, job.UserID); err != nil {
		h.logger.Error().
			Err(err).
			Str("task_id", rec.TaskID).
			Str("user_id", job.UserID).
			Msg("Failed to re-charge admission slot for retried task")
	}

	// Re-enqueueing is part of the retry contract: a retried record whose
	// task never re-enters a queue is a pending task that will never run.
	jobID, err := h.enqueuer.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to re-enqueue retried job: %w", err)
	}
	if err := h.taskStore.SetQueueJobID(ctx, rec.TaskID, jobID); err != nil {
		h.logger.Error().
			Err(err).
			Str("task_id", rec.TaskID).
			Str("job_id", jobID).
			Msg("Failed to stamp queue job id on retried task")
	}

	if _, err := h.records.markRetried(ctx, recordID); err != nil {
		return err
	}

	metrics.RecordEnqueue(job.QueueName)
	h.logger.Info().
		Str("record_id", recordID).
		Str("task_id", rec.TaskID).
		Str("queue", job.QueueName).
		Msg("Dead-lettered job retried")
	return nil
}
