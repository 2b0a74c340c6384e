// Package gateway implements the task submission path: validation,
// idempotency, admission control, task persistence and queue routing.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/idempotency"
	"github.com/atelier-ai/task-service/internal/metrics"
	"github.com/atelier-ai/task-service/internal/queue"
	"github.com/atelier-ai/task-service/internal/tasks"
	"github.com/atelier-ai/task-service/internal/tools"
)

var (
	ErrParentNotFound  = errors.New("parent task not found")
	ErrParentForbidden = errors.New("parent task owned by another user")
	ErrToolNotFound    = errors.New("tool not found")
	ErrToolInactive    = errors.New("tool is not active")
)

// CapacityError reports an admission rejection with the numbers the caller
// needs to back off sensibly.
type CapacityError struct {
	Current int
	Max     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("too many active tasks: %d of %d", e.Current, e.Max)
}

// TaskStore is the slice of the task store the gateway needs
type TaskStore interface {
	Create(ctx context.Context, in tasks.CreateInput) (database.Task, error)
	Get(ctx context.Context, taskID string) (database.Task, error)
	SetQueueJobID(ctx context.Context, taskID, jobID string) error
	MarkFailed(ctx context.Context, taskID, errorMessage string, attemptsMade int) (bool, error)
}

// ToolResolver resolves tools by slug
type ToolResolver interface {
	Resolve(ctx context.Context, slug string) (database.Tool, error)
}

// IdempotencyStore maps dedup keys to task ids
type IdempotencyStore interface {
	Check(ctx context.Context, userID, key string) (string, bool, error)
	Set(ctx context.Context, userID, key, taskID string) error
}

// Admitter bounds per-user concurrency
type Admitter interface {
	Check(ctx context.Context, userID string, max int) (allowed bool, current, effectiveMax int, err error)
	Increment(ctx context.Context, userID string) (int, error)
	Decrement(ctx context.Context, userID string) (int, error)
}

// Enqueuer places jobs on the priority queues
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

// Config holds routing defaults for the gateway
type Config struct {
	QueuePrefix     string
	DefaultProvider string
	MaxAttempts     int
}

// Gateway coordinates a submission end to end
type Gateway struct {
	store     TaskStore
	tools     ToolResolver
	idem      IdempotencyStore
	admission Admitter
	enqueuer  Enqueuer
	cfg       Config
	logger    zerolog.Logger
}

func New(store TaskStore, resolver ToolResolver, idem IdempotencyStore, admission Admitter, enqueuer Enqueuer, cfg Config) *Gateway {
	return &Gateway{
		store:     store,
		tools:     resolver,
		idem:      idem,
		admission: admission,
		enqueuer:  enqueuer,
		cfg:       cfg,
		logger:    log.With().Str("component", "gateway").Logger(),
	}
}

// SubmitInput is one submission request
type SubmitInput struct {
	UserID         string
	ToolSlug       string
	InputParams    json.RawMessage
	IdempotencyKey string
	ParentTaskID   *string
	PriorityClass  string
}

// SubmitResult identifies the task a submission resolved to
type SubmitResult struct {
	TaskID       string
	Status       string
	Deduplicated bool
}

// stepFromInput extracts the workflow step the input targets, if any
func stepFromInput(inputParams json.RawMessage) string {
	var probe struct {
		Step string `json:"step"`
	}
	if err := json.Unmarshal(inputParams, &probe); err != nil {
		return ""
	}
	return probe.Step
}

// Submit runs the full admission path. On a duplicate submission it returns
// the existing task without touching the counter or creating anything. From
// task insert onward the steps are compensating: an enqueue failure releases
// the admission slot and fails the task instead of leaking a counted,
// never-queued row.
func (g *Gateway) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if in.PriorityClass == "" {
		in.PriorityClass = queue.PriorityClassWeb
	}

	// A task may never be parented to another user's work.
	if in.ParentTaskID != nil {
		parent, err := g.store.Get(ctx, *in.ParentTaskID)
		if errors.Is(err, tasks.ErrNotFound) {
			metrics.RecordRejection("parent_not_found")
			return SubmitResult{}, ErrParentNotFound
		}
		if err != nil {
			return SubmitResult{}, fmt.Errorf("failed to verify parent task: %w", err)
		}
		if parent.UserID != in.UserID {
			metrics.RecordRejection("parent_forbidden")
			return SubmitResult{}, ErrParentForbidden
		}
	}

	key := in.IdempotencyKey
	if key == "" {
		key = idempotency.DeriveKey(in.ToolSlug, in.InputParams)
	}

	// Duplicate submissions within the retention window resolve to the
	// original task. This path creates nothing and charges nothing.
	if existingID, found, err := g.idem.Check(ctx, in.UserID, key); err != nil {
		return SubmitResult{}, fmt.Errorf("idempotency check failed: %w", err)
	} else if found {
		existing, err := g.store.Get(ctx, existingID)
		if err == nil {
			metrics.RecordIdempotencyHit()
			return SubmitResult{TaskID: existing.ID, Status: existing.Status, Deduplicated: true}, nil
		}
		if !errors.Is(err, tasks.ErrNotFound) {
			return SubmitResult{}, fmt.Errorf("failed to load deduplicated task: %w", err)
		}
		// Mapping points at a deleted task; fall through and submit fresh.
	}

	// Admission runs before any row exists so a rejection has nothing to
	// clean up.
	allowed, current, max, err := g.admission.Check(ctx, in.UserID, 0)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("admission check failed: %w", err)
	}
	if !allowed {
		metrics.RecordRejection("capacity")
		return SubmitResult{}, &CapacityError{Current: current, Max: max}
	}

	tool, err := g.tools.Resolve(ctx, in.ToolSlug)
	if errors.Is(err, tools.ErrNotFound) {
		metrics.RecordRejection("tool_not_found")
		return SubmitResult{}, ErrToolNotFound
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to resolve tool: %w", err)
	}
	if !tool.Active {
		metrics.RecordRejection("tool_inactive")
		return SubmitResult{}, ErrToolInactive
	}

	snapshot, err := tools.Snapshot(tool)
	if err != nil {
		return SubmitResult{}, err
	}

	stepName := stepFromInput(in.InputParams)
	var stepPtr *string
	if stepName != "" {
		stepPtr = &stepName
	}

	task, err := g.store.Create(ctx, tasks.CreateInput{
		ID:             uuid.NewString(),
		ParentTaskID:   in.ParentTaskID,
		UserID:         in.UserID,
		ToolSlug:       tool.Slug,
		StepName:       stepPtr,
		InputParams:    in.InputParams,
		ToolConfig:     snapshot,
		IdempotencyKey: key,
		RequestID:      uuid.NewString(),
		PriorityClass:  in.PriorityClass,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to create task: %w", err)
	}

	if _, err := g.admission.Increment(ctx, in.UserID); err != nil {
		// The row exists but was never charged or queued; fail it so it
		// does not sit pending forever.
		g.failSubmission(ctx, task, "submission aborted: admission increment failed")
		return SubmitResult{}, fmt.Errorf("admission increment failed: %w", err)
	}

	if err := g.idem.Set(ctx, in.UserID, key, task.ID); err != nil {
		// Dedup degrades for this key but the submission itself is sound.
		g.logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Msg("Failed to record idempotency mapping")
	}

	snap, err := tools.ParseSnapshot(snapshot)
	if err != nil {
		g.compensate(ctx, task, "submission aborted: invalid tool config snapshot")
		return SubmitResult{}, err
	}

	provider := queue.ResolveProvider(snap, stepName, g.cfg.DefaultProvider)
	queueName := queue.QueueName(g.cfg.QueuePrefix, provider)

	maxAttempts := snap.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = g.cfg.MaxAttempts
	}

	jobID, err := g.enqueuer.Enqueue(ctx, queue.Job{
		TaskID:      task.ID,
		UserID:      in.UserID,
		ToolSlug:    tool.Slug,
		StepName:    stepName,
		InputParams: in.InputParams,
		QueueName:   queueName,
		Priority:    queue.PriorityFor(in.PriorityClass),
		MaxAttempts: maxAttempts,
		TimeoutSec:  snap.TimeoutSec,
	})
	if err != nil {
		g.compensate(ctx, task, "submission aborted: enqueue failed")
		return SubmitResult{}, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if err := g.store.SetQueueJobID(ctx, task.ID, jobID); err != nil {
		// Job is live; the missing stamp only blinds the reconciliation
		// sweep for this task. Log and keep going.
		g.logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Str("job_id", jobID).
			Msg("Failed to stamp queue job id")
	}

	metrics.RecordSubmission(tool.Slug)
	metrics.RecordEnqueue(queueName)
	g.logger.Info().
		Str("task_id", task.ID).
		Str("tool", tool.Slug).
		Str("queue", queueName).
		Str("priority_class", in.PriorityClass).
		Msg("Task submitted")

	return SubmitResult{TaskID: task.ID, Status: task.Status}, nil
}

// compensate releases the admission slot and fails the task after a
// post-increment step failed
func (g *Gateway) compensate(ctx context.Context, task database.Task, reason string) {
	if _, err := g.admission.Decrement(ctx, task.UserID); err != nil {
		g.logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Str("user_id", task.UserID).
			Msg("Compensation failed to release admission slot")
	}
	g.failSubmission(ctx, task, reason)
}

func (g *Gateway) failSubmission(ctx context.Context, task database.Task, reason string) {
	if _, err := g.store.MarkFailed(ctx, task.ID, reason, 0); err != nil {
		g.logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Msg("Failed to mark aborted submission as failed")
	}
}
