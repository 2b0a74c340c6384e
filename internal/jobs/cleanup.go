package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// CleanupConfig configures retention policies for cleanup jobs
type CleanupConfig struct {
	TaskRetentionDays int
}

// DefaultCleanupConfig returns sensible retention defaults
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		TaskRetentionDays: 30, // Keep finished tasks for 30 days
	}
}

// CleanupOldTasks removes terminal tasks past the retention window. Child
// step rows go first so the parent foreign key never blocks the delete.
// Dead letter records referencing a removed task stay as audit history; the
// retry path already treats a missing task as unretryable.
// Returns the number of parent tasks deleted.
func CleanupOldTasks(ctx context.Context, db *pgxpool.Pool, cfg CleanupConfig, logger *zerolog.Logger) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -cfg.TaskRetentionDays)

	_, err := db.Exec(ctx, `
		DELETE FROM tasks
		WHERE parent_task_id IN (
			SELECT id FROM tasks
			WHERE parent_task_id IS NULL
			  AND status IN ('success', 'failed')
			  AND completed_at < $1
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup child tasks: %w", err)
	}

	result, err := db.Exec(ctx, `
		DELETE FROM tasks
		WHERE parent_task_id IS NULL
		  AND status IN ('success', 'failed')
		  AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old tasks: %w", err)
	}

	rowsAffected := result.RowsAffected()
	logger.Info().Int64("rows_deleted", rowsAffected).Time("cutoff", cutoff).Msg("cleaned up old terminal tasks")
	return rowsAffected, nil
}

// RunAllCleanupJobs runs all retention jobs in sequence
func RunAllCleanupJobs(ctx context.Context, db *pgxpool.Pool, cfg CleanupConfig, logger *zerolog.Logger) error {
	logger.Info().Msg("starting cleanup jobs")

	if _, err := CleanupOldTasks(ctx, db, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("failed to cleanup old tasks")
		return err
	}

	logger.Info().Msg("cleanup jobs completed")
	return nil
}

// GetCleanupStats returns counts of what a cleanup run would delete
func GetCleanupStats(ctx context.Context, db *pgxpool.Pool, cfg CleanupConfig) (map[string]int64, error) {
	stats := make(map[string]int64)

	taskCutoff := time.Now().AddDate(0, 0, -cfg.TaskRetentionDays)
	var taskCount int64
	err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE parent_task_id IS NULL
		  AND status IN ('success', 'failed')
		  AND completed_at < $1
	`, taskCutoff).Scan(&taskCount)
	if err != nil {
		return nil, fmt.Errorf("count old tasks: %w", err)
	}
	stats["old_terminal_tasks"] = taskCount

	return stats, nil
}
