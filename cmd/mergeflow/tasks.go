package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/mergeflow/pipeline"
	"github.com/c360studio/mergeflow/storage"
)

// tasksCmd inspects the persisted task records. It is an operator tool and
// never mutates state.
func tasksCmd() *cobra.Command {
	var stageFilter string

	cmd := &cobra.Command{
		Use:   "tasks [task-id]",
		Short: "List or show pipeline tasks",
		Long: `Without arguments, lists every task record with its stage, iteration
count, and pull request. With a task id (numeric or "task-N"), shows the
full record including feedback history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			mfCfg, err := loadConfig("", logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			natsClient, err := connectToNATS(ctx, mfCfg.NATS.URL, logger)
			if err != nil {
				return err
			}
			defer natsClient.Close(ctx)

			js, err := natsClient.JetStream()
			if err != nil {
				return fmt.Errorf("get jetstream: %w", err)
			}

			store, err := storage.NewStore(ctx, js)
			if err != nil {
				return fmt.Errorf("open task store: %w", err)
			}

			if len(args) == 1 {
				return showTask(ctx, store, args[0])
			}
			return listTasks(ctx, store, stageFilter)
		},
	}

	cmd.Flags().StringVar(&stageFilter, "stage", "", "Only list tasks in this stage")
	return cmd
}

func listTasks(ctx context.Context, store *storage.Store, stageFilter string) error {
	tasks, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTAGE\tITERATION\tPR\tSERVICE\tUPDATED")
	for _, task := range tasks {
		if stageFilter != "" && !strings.EqualFold(string(task.Stage), stageFilter) {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t#%d\t%s\t%s\n",
			task.ID, task.Stage, task.Iteration, task.MaxIterations,
			task.PullRequest, task.Service,
			task.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func showTask(ctx context.Context, store *storage.Store, arg string) error {
	id, err := pipeline.ParseTaskID(strings.TrimPrefix(arg, "task-"))
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", arg, err)
	}

	task, revision, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get %s: %w", id, err)
	}

	fmt.Printf("Task:       %s (revision %d)\n", task.ID, revision)
	fmt.Printf("Stage:      %s\n", task.Stage)
	fmt.Printf("Iteration:  %d of %d\n", task.Iteration, task.MaxIterations)
	fmt.Printf("PR:         #%d\n", task.PullRequest)
	if task.Service != "" {
		fmt.Printf("Service:    %s\n", task.Service)
	}
	fmt.Printf("Created:    %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", task.UpdatedAt.Format(time.RFC3339))

	if len(task.FeedbackHistory) == 0 {
		fmt.Println("\nNo feedback recorded.")
		return nil
	}

	fmt.Printf("\nFeedback (%d records):\n", len(task.FeedbackHistory))
	for _, record := range task.FeedbackHistory {
		state := "open"
		if record.Resolved {
			state = "resolved"
		}
		fmt.Printf("  [iteration %d, %s] %s by %s\n",
			record.Iteration, state, record.Severity, record.Author)
		fmt.Printf("    %s\n", record.Description)
	}
	return nil
}
