package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/history"
)

var (
	historyStatus string
	historyAgent  string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history [TASK_ID]",
	Short: "Show finished tasks recorded by previous runs",
	Long: `Lists finished tasks from the history database, newest first.
With a task id, prints that task's full record including its result.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyPath, "history", "", "History database (default from config)")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only show tasks with this status (completed, failed, cancelled)")
	historyCmd.Flags().StringVar(&historyAgent, "agent", "", "Only show tasks for this agent")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of tasks to show, 0 for all")
}

func runHistory(cmd *cobra.Command, args []string) error {
	path, err := resolveHistoryPath()
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("no history database configured; pass --history or set history.path")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open history: %w", err)
	}

	store, err := history.NewSQLiteStore(cmd.Context(), path)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		rec, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRecord(out, rec)
		return nil
	}

	records, err := store.List(cmd.Context(), history.Filter{
		Status: historyStatus,
		Agent:  historyAgent,
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No finished tasks recorded.")
		return nil
	}
	printRecords(out, records)
	return nil
}

func printRecords(out io.Writer, records []history.Record) {
	fmt.Fprintf(out, "%-24s %-10s %-12s %8s %10s  %s\n", "TASK", "STATUS", "AGENT", "ATTEMPTS", "DURATION", "FINISHED")
	for _, rec := range records {
		fmt.Fprintf(out, "%-24s %-10s %-12s %8d %10s  %s\n",
			truncate(rec.TaskID, 24),
			rec.Status,
			truncate(orDash(rec.Agent), 12),
			rec.Attempts,
			rec.Duration.Round(time.Millisecond),
			rec.FinishedAt.Local().Format(time.DateTime),
		)
	}
}

func printRecord(out io.Writer, rec history.Record) {
	fmt.Fprintf(out, "Task:         %s\n", rec.TaskID)
	fmt.Fprintf(out, "Name:         %s\n", rec.Name)
	fmt.Fprintf(out, "Kind:         %s\n", orDash(rec.Kind))
	fmt.Fprintf(out, "Agent:        %s\n", orDash(rec.Agent))
	fmt.Fprintf(out, "Status:       %s\n", rec.Status)
	fmt.Fprintf(out, "Attempts:     %d\n", rec.Attempts)
	fmt.Fprintf(out, "Duration:     %s\n", rec.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "Dependencies: %v\n", rec.Dependencies)
	fmt.Fprintf(out, "Finished:     %s\n", rec.FinishedAt.Local().Format(time.DateTime))
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:        %s\n", rec.Error)
	}
	if rec.Result != "" {
		fmt.Fprintf(out, "\n%s\n", rec.Result)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// resolveHistoryPath returns --history, falling back to the configured path.
func resolveHistoryPath() (string, error) {
	if historyPath != "" {
		return historyPath, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.History.Path, nil
}
