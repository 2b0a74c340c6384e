package database

import (
	"encoding/json"
	"time"
)

// Task represents an asynchronous AI-processing job and its lifecycle record
type Task struct {
	ID             string          `json:"id"`               // UUID
	ParentTaskID   *string         `json:"parent_task_id"`   // Set for dependent workflow steps
	UserID         string          `json:"user_id"`          // Owner, never reassigned
	ToolSlug       string          `json:"tool_slug"`        // FK to tools.slug
	StepName       *string         `json:"step_name"`        // Workflow step this task executes, if any
	InputParams    json.RawMessage `json:"input_params"`     // Opaque structured payload
	ToolConfig     json.RawMessage `json:"tool_config"`      // Tool config snapshot at submission time
	Status         string          `json:"status"`           // 'pending' | 'processing' | 'success' | 'failed'
	Progress       int             `json:"progress"`         // 0-100
	OutputData     json.RawMessage `json:"output_data"`      // Present only on success
	ErrorMessage   *string         `json:"error_message"`    // Present only on failure
	IdempotencyKey *string         `json:"idempotency_key"`  // Caller-supplied or derived dedup key
	RequestID      string          `json:"request_id"`       // Fresh per submission
	QueueJobID     *string         `json:"queue_job_id"`     // Assigned on enqueue
	PriorityClass  string          `json:"priority_class"`   // 'web' | 'admin'
	AttemptsMade   int             `json:"attempts_made"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
}

// Tool represents a processing tool available for submission
type Tool struct {
	ID          string          `json:"id"`           // UUID
	Slug        string          `json:"slug"`         // stable identifier, e.g. 'background-removal'
	Name        string          `json:"name"`         // Human-readable name
	Active      bool            `json:"active"`       // Inactive tools reject submissions
	Provider    string          `json:"provider"`     // Default compute provider
	MaxAttempts int             `json:"max_attempts"` // Retry budget per job
	TimeoutSec  int             `json:"timeout_sec"`  // Per-job execution timeout
	StepConfig  json.RawMessage `json:"step_config"`  // Named steps, array or legacy map shape
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DeadLetterRecord captures a job that exhausted its retry budget
type DeadLetterRecord struct {
	ID           string          `json:"id"`            // UUID
	TaskID       string          `json:"task_id"`       // FK to tasks.id
	QueueName    string          `json:"queue_name"`    // Source queue
	ErrorMessage string          `json:"error_message"`
	ErrorStack   *string         `json:"error_stack"`
	AttemptsMade int             `json:"attempts_made"`
	Payload      json.RawMessage `json:"payload"`       // Full job snapshot for forensic replay
	Status       string          `json:"status"`        // 'pending' | 'retried' | 'archived'
	Notes        *string         `json:"notes"`         // Reviewer notes
	RetriedAt    *time.Time      `json:"retried_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
