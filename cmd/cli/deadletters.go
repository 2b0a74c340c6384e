package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atelier-ai/task-service/internal/admission"
	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/deadletter"
	"github.com/atelier-ai/task-service/internal/queue"
	"github.com/atelier-ai/task-service/internal/redisclient"
	"github.com/atelier-ai/task-service/internal/tasks"
)

var (
	dlqStatus string
	dlqLimit  int
	dlqOffset int
	dlqNotes  string
)

// deadLettersCmd groups the dead letter queue subcommands
var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "Inspect and resolve dead letter records",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter records",
	Example: `  task-service dead-letters list
  task-service dead-letters list --status pending --limit 20`,
	RunE: runDLQList,
}

var dlqArchiveCmd = &cobra.Command{
	Use:   "archive <recordId>",
	Short: "Archive a dead letter record without re-running the task",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQArchive,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <recordId>",
	Short: "Reset the failed task behind a record and re-enqueue it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRetry,
}

func init() {
	rootCmd.AddCommand(deadLettersCmd)
	deadLettersCmd.AddCommand(dlqListCmd)
	deadLettersCmd.AddCommand(dlqArchiveCmd)
	deadLettersCmd.AddCommand(dlqRetryCmd)

	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "Filter by review status (pending, retried, archived)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Number of records to return")
	dlqListCmd.Flags().IntVar(&dlqOffset, "offset", 0, "Number of records to skip")
	dlqArchiveCmd.Flags().StringVar(&dlqNotes, "notes", "", "Reviewer notes recorded with the archive")
}

func runDLQList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store := deadletter.NewStore(database.Pool())

	records, total, err := store.List(ctx, dlqStatus, dlqLimit, dlqOffset)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tQUEUE\tATTEMPTS\tSTATUS\tCREATED\tERROR")
	for _, r := range records {
		errMsg := r.ErrorMessage
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.TaskID, r.QueueName, r.AttemptsMade, r.Status,
			r.CreatedAt.Format("2006-01-02 15:04"), errMsg)
	}
	w.Flush()
	fmt.Printf("\n%d of %d records\n", len(records), total)
	return nil
}

func runDLQArchive(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	handler := newDeadLetterHandler()

	var notes *string
	if dlqNotes != "" {
		notes = &dlqNotes
	}

	if err := handler.Archive(ctx, args[0], notes); err != nil {
		return fmt.Errorf("failed to archive record: %w", err)
	}
	logger.Info().Str("record_id", args[0]).Msg("Record archived")
	return nil
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	handler := newDeadLetterHandler()

	if err := handler.Retry(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to retry record: %w", err)
	}
	logger.Info().Str("record_id", args[0]).Msg("Task re-enqueued")
	return nil
}

func newDeadLetterHandler() *deadletter.Handler {
	rdb := redisclient.Client()
	return deadletter.NewHandler(
		deadletter.NewStore(database.Pool()),
		tasks.NewStore(database.Pool()),
		admission.NewController(rdb, cfg.Admission.MaxActiveTasks),
		queue.New(rdb, cfg.Queue.Prefix),
	)
}
