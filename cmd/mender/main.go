package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/mender/cmd/mender/commands"
	"github.com/halcyonlabs/mender/logger"
)

var rootCmd = &cobra.Command{
	Use:   "mender",
	Short: "mender - autonomous test-and-heal orchestrator",
	Long: `mender - autonomous test-and-heal orchestrator.

mender runs a scheduled pipeline that generates test data, executes test
suites, analyzes failures, applies fixes, deploys them, and validates the
result. Repeated failures back off exponentially and eventually stop the
scheduler until an operator intervenes.

Available commands:
  daemon  - Run the scheduler daemon in the foreground
  status  - Show scheduler state and rolling metrics
  history - List recent runs or inspect one run
  trigger - Run the pipeline once, outside the schedule
  pause   - Suspend scheduled runs
  resume  - Resume runs and clear emergency stop
  db      - Database migrations, statistics, cleanup

Examples:
  mender daemon --config mender.toml   # Run the daemon
  mender status                        # Show scheduler state
  mender history --limit 5             # Show the last 5 runs
  mender trigger                       # Fire one run now`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON structured logs")

	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.HistoryCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
	rootCmd.AddCommand(commands.PauseCmd)
	rootCmd.AddCommand(commands.ResumeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
