package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/executor"
	"github.com/aristath/taskgraph/internal/history"
	"github.com/aristath/taskgraph/internal/logging"
	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/plan"
	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/tui"
)

const shutdownTimeout = 10 * time.Second

var (
	runDashboard bool
	historyPath  string
	workDir      string
)

var runCmd = &cobra.Command{
	Use:   "run PLAN",
	Short: "Execute a plan",
	Long: `Executes every task in PLAN and waits for all of them to finish.

The first interrupt cancels running tasks and kills their processes; a
second interrupt exits immediately. Edits to the config files while the
plan runs update quotas and the concurrency ceiling in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Create signal-aware context for graceful shutdown
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			stop() // Restore default handling so a second Ctrl+C exits
		}()

		global, project, err := configPaths()
		if err != nil {
			return err
		}

		results, err := runPlan(ctx, runOptions{
			PlanPath:    args[0],
			GlobalPath:  global,
			ProjectPath: project,
			HistoryPath: historyPath,
			WorkDir:     workDir,
			Dashboard:   runDashboard,
		})
		if err != nil {
			return err
		}

		if failed := printSummary(cmd.OutOrStdout(), results); failed > 0 {
			return fmt.Errorf("%d of %d tasks did not complete", failed, len(results))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDashboard, "dashboard", false, "Show the live dashboard while the plan runs")
	runCmd.Flags().StringVar(&workDir, "workdir", "", "Working directory for shell tasks without a dir param (default current)")
	runCmd.Flags().StringVar(&historyPath, "history", "", "Record finished tasks to this SQLite file (default from config)")
}

type runOptions struct {
	PlanPath    string
	GlobalPath  string
	ProjectPath string
	HistoryPath string
	WorkDir     string
	Dashboard   bool
}

// runPlan executes a plan to completion and returns the terminal result of
// every task in submission order. Cancelling ctx cancels the remaining work.
func runPlan(ctx context.Context, opts runOptions) ([]orchestrator.TaskResult, error) {
	p, err := plan.Load(opts.PlanPath)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(opts.GlobalPath, opts.ProjectPath)
	if err != nil {
		return nil, err
	}

	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	if opts.Dashboard && cfg.Log.File == "" {
		log.SetOutput(io.Discard) // stderr would corrupt the alt screen
	}
	entry := log.WithField("plan", p.Name)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewEventBus()
	defer bus.Close()

	if opts.HistoryPath == "" {
		opts.HistoryPath = cfg.History.Path
	}
	stopRecorder, err := startRecorder(ctx, opts.HistoryPath, bus, entry)
	if err != nil {
		return nil, err
	}
	defer stopRecorder()

	// Create ProcessManager for subprocess tracking
	pm := executor.NewProcessManager()
	o := orchestrator.New(orchestrator.FromConfig(cfg), executor.NewDefault(pm, opts.WorkDir),
		orchestrator.WithLogger(entry),
		orchestrator.WithEventBus(bus),
	)

	// The dashboard subscribes before Start so it sees every submission
	var tuiDone chan error
	if opts.Dashboard {
		prog := tea.NewProgram(tui.New(bus), tea.WithAltScreen())
		tuiDone = make(chan error, 1)
		go func() {
			_, err := prog.Run()
			tuiDone <- err
			cancel() // Quitting the dashboard early abandons the run
		}()
		go func() {
			<-ctx.Done()
			prog.Quit()
		}()
	}

	if err := o.Start(ctx); err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			if err := pm.KillAll(); err != nil {
				entry.WithError(err).Warn("killing subprocesses")
			}
		case <-o.Done():
		}
	}()

	go watchConfig(ctx, opts, o, entry)

	ids, err := plan.Submit(ctx, o, p)
	if err != nil {
		shutdown(o, false, entry)
		return nil, err
	}
	entry.WithField("tasks", len(ids)).Info("plan submitted")

	// The first interrupted wait stops the others; the results are then
	// collected after a cancelling shutdown has settled every task.
	results := make([]orchestrator.TaskResult, len(ids))
	g, waitCtx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			res, err := o.Wait(waitCtx, id, 0)
			if !res.Status.Terminal() {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		entry.WithError(err).Warn("run interrupted, cancelling remaining tasks")
		shutdown(o, false, entry)
		for i, id := range ids {
			results[i], _ = o.Wait(context.Background(), id, shutdownTimeout)
		}
	} else {
		shutdown(o, true, entry)
	}

	if tuiDone != nil {
		bus.Close() // Tells the dashboard the run is over
		if err := <-tuiDone; err != nil {
			entry.WithError(err).Warn("dashboard exited with error")
		}
	}
	return results, nil
}

// startRecorder opens the history store and records task outcomes until the
// returned stop function is called. An empty path disables recording.
func startRecorder(ctx context.Context, path string, bus *events.EventBus, log logrus.FieldLogger) (func(), error) {
	if path == "" {
		return func() {}, nil
	}

	store, err := history.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	rec := history.NewRecorder(store, bus, log)
	done := make(chan error, 1)
	go func() {
		// Outlives ctx so cancellations are recorded; stops when the bus closes
		done <- rec.Run(context.WithoutCancel(ctx))
	}()

	return func() {
		bus.Close()
		if err := <-done; err != nil {
			log.WithError(err).Warn("history recorder stopped")
		}
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("closing history")
		}
	}, nil
}

// watchConfig applies quota and ceiling changes from the config files.
func watchConfig(ctx context.Context, opts runOptions, o *orchestrator.Orchestrator, log logrus.FieldLogger) {
	err := config.Watch(ctx, opts.GlobalPath, opts.ProjectPath, 0, func(cfg *config.Config, err error) {
		if err != nil {
			log.WithError(err).Warn("config reload failed, keeping previous settings")
			return
		}
		if err := o.UpdateResources(ctx, orchestrator.ResourcesFromConfig(cfg)); err != nil {
			log.WithError(err).Warn("applying reloaded config")
			return
		}
		log.WithField("max_concurrent_tasks", cfg.MaxConcurrentTasks).Info("config reloaded")
	})
	if err != nil {
		log.WithError(err).Warn("config watcher stopped")
	}
}

func shutdown(o *orchestrator.Orchestrator, drain bool, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := o.Shutdown(ctx, drain); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}

// printSummary writes one line per task and returns how many did not complete.
func printSummary(out io.Writer, results []orchestrator.TaskResult) int {
	failed := 0
	for _, res := range results {
		line := fmt.Sprintf("%-10s %-24s attempts=%d duration=%s",
			res.Status, res.ID, res.Attempts, res.Duration().Round(time.Millisecond))
		if res.Status != scheduler.TaskCompleted {
			failed++
			if res.Err != nil {
				line += " error=" + res.Err.Error()
			}
		}
		fmt.Fprintln(out, line)
	}
	return failed
}
