package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-ai/task-service/internal/database"
)

// ErrNotFound is returned when no tool exists for the requested slug
var ErrNotFound = errors.New("tool not found")

// Registry resolves tools by slug from the relational store
type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Resolve returns the tool for a slug, active or not. Callers decide
// whether an inactive tool is acceptable for their operation.
func (r *Registry) Resolve(ctx context.Context, slug string) (database.Tool, error) {
	var tool database.Tool
	err := r.pool.QueryRow(ctx, `
		SELECT id, slug, name, active, provider, max_attempts, timeout_sec,
		       step_config, created_at, updated_at
		FROM tools
		WHERE slug = $1
	`, slug).Scan(
		&tool.ID, &tool.Slug, &tool.Name, &tool.Active, &tool.Provider,
		&tool.MaxAttempts, &tool.TimeoutSec, &tool.StepConfig,
		&tool.CreatedAt, &tool.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return database.Tool{}, ErrNotFound
	}
	if err != nil {
		return database.Tool{}, fmt.Errorf("failed to resolve tool %q: %w", slug, err)
	}
	return tool, nil
}

// ConfigSnapshot is the tool configuration frozen onto a task at submission
// time. Later edits to the tool never change in-flight jobs.
type ConfigSnapshot struct {
	Provider    string          `json:"provider"`
	MaxAttempts int             `json:"maxAttempts"`
	TimeoutSec  int             `json:"timeoutSec"`
	Steps       json.RawMessage `json:"steps,omitempty"`
}

// Snapshot serializes a tool's routing-relevant configuration
func Snapshot(tool database.Tool) (json.RawMessage, error) {
	snap := ConfigSnapshot{
		Provider:    tool.Provider,
		MaxAttempts: tool.MaxAttempts,
		TimeoutSec:  tool.TimeoutSec,
		Steps:       tool.StepConfig,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tool config: %w", err)
	}
	return raw, nil
}

// ParseSnapshot decodes a task's frozen tool configuration
func ParseSnapshot(raw json.RawMessage) (ConfigSnapshot, error) {
	var snap ConfigSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return ConfigSnapshot{}, fmt.Errorf("failed to parse tool config snapshot: %w", err)
	}
	return snap, nil
}

// MultiStep reports whether a task's config snapshot describes a workflow
// of more than one step
func MultiStep(snapshotRaw json.RawMessage) bool {
	if len(snapshotRaw) == 0 {
		return false
	}
	snap, err := ParseSnapshot(snapshotRaw)
	if err != nil {
		return false
	}
	return len(ParseSteps(snap.Steps)) > 1
}
