package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	jsonOutput  bool
	tenantID    string
	specDir     string
	dbPath      string
	runtimeFlag string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sagaflow",
		Short: "SagaFlow - DAG orchestration with saga rollback",
		Long: `SagaFlow executes orchestration specs: directed acyclic graphs of procedure
calls, each identified by a smart code and resolved per tenant.

Features:
  - Tenant overrides with platform fallback
  - Conditional nodes evaluated against the request payload
  - Non-blocking resource locks (memory, SQLite or Redis)
  - Idempotent replays keyed by run epoch
  - Automatic compensation in reverse completion order
  - Starlark, WASM and out-of-process procedure runtimes
  - OPA admission policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (yaml, json or cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant id (empty selects the platform spec)")
	rootCmd.PersistentFlags().StringVar(&specDir, "spec-dir", "", "orchestration spec directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	// Add subcommands
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newLocksCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
