package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/jobs"
)

var (
	cleanupDryRun        bool
	cleanupTaskRetention int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove terminal tasks past the retention window",
	Long: `Deletes terminal tasks (and their step tasks) older than the task retention
window. Dead letter records are kept forever as audit history.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be deleted without deleting")
	cleanupCmd.Flags().IntVar(&cleanupTaskRetention, "task-retention-days", 0, "override task retention in days")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cleanupCfg := jobs.DefaultCleanupConfig()
	if cleanupTaskRetention > 0 {
		cleanupCfg.TaskRetentionDays = cleanupTaskRetention
	}

	if cleanupDryRun {
		stats, err := jobs.GetCleanupStats(ctx, database.Pool(), cleanupCfg)
		if err != nil {
			return fmt.Errorf("failed to collect cleanup stats: %w", err)
		}
		fmt.Printf("Dry run, nothing deleted:\n")
		fmt.Printf("  terminal tasks past %d days: %d\n", cleanupCfg.TaskRetentionDays, stats["old_terminal_tasks"])
		return nil
	}

	return jobs.RunAllCleanupJobs(ctx, database.Pool(), cleanupCfg, logger)
}
