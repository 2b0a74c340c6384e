package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/tools"
)

// ErrNotFound is returned for tasks that do not exist or are owned by
// another user. Ownership is not distinguishable from non-existence.
var ErrNotFound = errors.New("task not found")

const taskColumns = `id, parent_task_id, user_id, tool_slug, step_name, input_params,
       tool_config, status, progress, output_data, error_message,
       idempotency_key, request_id, queue_job_id, priority_class,
       attempts_made, created_at, started_at, completed_at`

// Store provides access to persisted tasks
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// TaskView is a task with its derived externally-visible status and,
// when requested, its child step tasks.
type TaskView struct {
	database.Task
	Effective string
	Children  []database.Task
}

// CreateInput holds the fields for a new pending task
type CreateInput struct {
	ID             string
	ParentTaskID   *string
	UserID         string
	ToolSlug       string
	StepName       *string
	InputParams    json.RawMessage
	ToolConfig     json.RawMessage
	IdempotencyKey string
	RequestID      string
	PriorityClass  string
}

// Create inserts a new task in pending status with zero progress
func (s *Store) Create(ctx context.Context, in CreateInput) (database.Task, error) {
	var task database.Task
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (
			id, parent_task_id, user_id, tool_slug, step_name, input_params,
			tool_config, status, progress, idempotency_key, request_id, priority_class
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9, $10)
		RETURNING `+taskColumns+`
	`, in.ID, in.ParentTaskID, in.UserID, in.ToolSlug, in.StepName, in.InputParams,
		in.ToolConfig, in.IdempotencyKey, in.RequestID, in.PriorityClass).Scan(scanDest(&task)...)
	if err != nil {
		return database.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	return task, nil
}

// Get returns a task by id regardless of owner (internal callers only)
func (s *Store) Get(ctx context.Context, taskID string) (database.Task, error) {
	var task database.Task
	err := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, taskID).Scan(scanDest(&task)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return database.Task{}, ErrNotFound
	}
	if err != nil {
		return database.Task{}, fmt.Errorf("failed to fetch task: %w", err)
	}
	return task, nil
}

// GetForUser returns a task scoped to its owner
func (s *Store) GetForUser(ctx context.Context, taskID, userID string) (database.Task, error) {
	var task database.Task
	err := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1 AND user_id = $2
	`, taskID, userID).Scan(scanDest(&task)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return database.Task{}, ErrNotFound
	}
	if err != nil {
		return database.Task{}, fmt.Errorf("failed to fetch task: %w", err)
	}
	return task, nil
}

// Children returns the child step tasks of a parent, oldest first
func (s *Store) Children(ctx context.Context, parentID string) ([]database.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE parent_task_id = $1
		ORDER BY created_at ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch children: %w", err)
	}
	defer rows.Close()

	children := []database.Task{}
	for rows.Next() {
		var task database.Task
		if err := rows.Scan(scanDest(&task)...); err != nil {
			return nil, fmt.Errorf("failed to scan child task: %w", err)
		}
		children = append(children, task)
	}
	return children, rows.Err()
}

// GetView returns an owner-scoped task with its effective status
func (s *Store) GetView(ctx context.Context, taskID, userID string, includeChildren bool) (TaskView, error) {
	task, err := s.GetForUser(ctx, taskID, userID)
	if err != nil {
		return TaskView{}, err
	}
	return s.buildView(ctx, task, includeChildren)
}

// ListInput holds filters for listing a user's tasks
type ListInput struct {
	UserID          string
	Status          string // filter against effective status
	ToolSlug        string
	Limit           int
	Offset          int
	IncludeChildren bool
}

// List returns a page of the user's top-level tasks with derived statuses.
// hasMore reports whether the underlying page was filled.
func (s *Store) List(ctx context.Context, in ListInput) ([]TaskView, bool, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE user_id = $1 AND parent_task_id IS NULL
	`
	args := []interface{}{in.UserID}
	argIdx := 2

	if in.ToolSlug != "" {
		query += fmt.Sprintf(" AND tool_slug = $%d", argIdx)
		args = append(args, in.ToolSlug)
		argIdx++
	}

	// Fetch one extra row to derive hasMore
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, in.Limit+1, in.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	page := []database.Task{}
	for rows.Next() {
		var task database.Task
		if err := rows.Scan(scanDest(&task)...); err != nil {
			return nil, false, fmt.Errorf("failed to scan task: %w", err)
		}
		page = append(page, task)
	}
	if rows.Err() != nil {
		return nil, false, rows.Err()
	}

	hasMore := len(page) > in.Limit
	if hasMore {
		page = page[:in.Limit]
	}

	views := []TaskView{}
	for _, task := range page {
		view, err := s.buildView(ctx, task, in.IncludeChildren)
		if err != nil {
			return nil, false, err
		}
		// The status filter applies to the derived status, not the raw
		// column, so it runs after derivation.
		if in.Status != "" && view.Effective != in.Status {
			continue
		}
		views = append(views, view)
	}
	return views, hasMore, nil
}

func (s *Store) buildView(ctx context.Context, task database.Task, includeChildren bool) (TaskView, error) {
	multiStep := tools.MultiStep(task.ToolConfig)

	var children []database.Task
	if multiStep || includeChildren {
		var err error
		children, err = s.Children(ctx, task.ID)
		if err != nil {
			return TaskView{}, err
		}
	}

	childStatuses := make([]string, len(children))
	for i, child := range children {
		childStatuses[i] = child.Status
	}

	view := TaskView{
		Task:      task,
		Effective: EffectiveStatus(task.Status, multiStep, childStatuses),
	}
	if includeChildren {
		view.Children = children
	}
	return view, nil
}

// MarkProcessing transitions a pending task to processing
func (s *Store) MarkProcessing(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, taskID)
	return err
}

// UpdateProgress records intermediate progress for a processing task
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET progress = $2
		WHERE id = $1 AND status = 'processing'
	`, taskID, progress)
	return err
}

// MarkSuccess writes the output and completes the task. The status guard
// makes repeated terminal writes for the same task id no-ops, which keeps
// retried jobs from double-publishing a terminal state.
func (s *Store) MarkSuccess(ctx context.Context, taskID string, output json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'success', progress = 100, output_data = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, taskID, output)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records a terminal failure with the attempts that were made
func (s *Store) MarkFailed(ctx context.Context, taskID, errorMessage string, attemptsMade int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'failed', error_message = $2, attempts_made = $3, completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, taskID, errorMessage, attemptsMade)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetQueueJobID stamps the queue job id assigned on enqueue
func (s *Store) SetQueueJobID(ctx context.Context, taskID, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET queue_job_id = $2
		WHERE id = $1
	`, taskID, jobID)
	return err
}

// ResetForRetry returns a failed task to a fresh pending state. Used by the
// dead-letter retry path; the prior attempt's audit trail lives in the
// dead-letter record, not on the task row.
func (s *Store) ResetForRetry(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', progress = 0, attempts_made = 0,
		    output_data = NULL, error_message = NULL,
		    queue_job_id = NULL, started_at = NULL, completed_at = NULL
		WHERE id = $1
	`, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStalePending returns tasks that were inserted but never made it onto a
// queue within the grace period. These are the crash window between task
// insert and enqueue.
func (s *Store) ListStalePending(ctx context.Context, grace time.Duration) ([]database.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'pending' AND queue_job_id IS NULL AND created_at < $1
		ORDER BY created_at ASC
	`, time.Now().Add(-grace))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	defer rows.Close()

	stale := []database.Task{}
	for rows.Next() {
		var task database.Task
		if err := rows.Scan(scanDest(&task)...); err != nil {
			return nil, fmt.Errorf("failed to scan stale task: %w", err)
		}
		stale = append(stale, task)
	}
	return stale, rows.Err()
}

func scanDest(t *database.Task) []interface{} {
	return []interface{}{
		&t.ID, &t.ParentTaskID, &t.UserID, &t.ToolSlug, &t.StepName, &t.InputParams,
		&t.ToolConfig, &t.Status, &t.Progress, &t.OutputData, &t.ErrorMessage,
		&t.IdempotencyKey, &t.RequestID, &t.QueueJobID, &t.PriorityClass,
		&t.AttemptsMade, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	}
}
