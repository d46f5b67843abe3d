package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolstore",
		Short: "toolstore - durable record storage and deterministic tool execution",
		Long: `toolstore runs compiled tool plans, rule sets and workflows against a
file-based record store.

Features:
  - One JSON file per record, with a write-ahead log of every mutation
  - Per-collection locking and lazily built in-memory indexes
  - Rule sets gating every call (permissions, validation, rate limits)
  - Saga workflows with compensation on failure
  - Optional SQLite journal of every run`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./toolstore.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newInvokeCommand())
	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newRecordsCommand())
	rootCmd.AddCommand(newWALCommand())
	rootCmd.AddCommand(newIndexCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
