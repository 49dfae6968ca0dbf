package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskgraph",
	Short: "Run dependency graphs of tasks under adaptive concurrency",
	Long: `taskgraph executes a YAML plan of tasks in dependency order.

Tasks run under per-agent quotas and a global concurrency ceiling that
adapts to observed failure rates and latency. Failed attempts are retried
with exponential backoff; a terminal failure cancels every dependent task.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Project config file (default .taskgraph/config.json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
}

// configPaths returns the global and project config paths, honouring --config.
func configPaths() (global, project string, err error) {
	global, project, err = config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if configPath != "" {
		project = configPath
	}
	return global, project, nil
}

// loadConfig loads the merged configuration.
func loadConfig() (*config.Config, error) {
	global, project, err := configPaths()
	if err != nil {
		return nil, err
	}
	return config.Load(global, project)
}
