package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/tasks"
)

var inspectJSON bool

// tasksCmd groups the task inspection subcommands
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect tasks",
}

var taskInspectCmd = &cobra.Command{
	Use:   "inspect <taskId>",
	Short: "Show a task with its derived status and workflow steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskInspect,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(taskInspectCmd)

	taskInspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print the raw task record as JSON")
}

func runTaskInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store := tasks.NewStore(database.Pool())

	task, err := store.Get(ctx, args[0])
	if errors.Is(err, tasks.ErrNotFound) {
		return fmt.Errorf("task %s not found", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to fetch task: %w", err)
	}

	// The owner-scoped view also derives the effective status across steps
	view, err := store.GetView(ctx, task.ID, task.UserID, true)
	if err != nil {
		return fmt.Errorf("failed to build task view: %w", err)
	}

	if inspectJSON {
		out, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Task:             %s\n", view.ID)
	fmt.Printf("User:             %s\n", view.UserID)
	fmt.Printf("Tool:             %s\n", view.ToolSlug)
	if view.StepName != nil {
		fmt.Printf("Step:             %s\n", *view.StepName)
	}
	fmt.Printf("Status:           %s\n", view.Status)
	fmt.Printf("Effective status: %s\n", view.Effective)
	fmt.Printf("Progress:         %d%%\n", view.Progress)
	fmt.Printf("Priority:         %s\n", view.PriorityClass)
	fmt.Printf("Attempts:         %d\n", view.AttemptsMade)
	fmt.Printf("Created:          %s\n", view.CreatedAt.Format("2006-01-02 15:04:05"))
	if view.ErrorMessage != nil {
		fmt.Printf("Error:            %s\n", *view.ErrorMessage)
	}

	if len(view.Children) > 0 {
		fmt.Println("\nWorkflow steps:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTEP\tSTATUS\tPROGRESS\tERROR")
		for _, child := range view.Children {
			step := ""
			if child.StepName != nil {
				step = *child.StepName
			}
			errMsg := ""
			if child.ErrorMessage != nil {
				errMsg = *child.ErrorMessage
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", child.ID, step, child.Status, child.Progress, errMsg)
		}
		w.Flush()
	}
	return nil
}
