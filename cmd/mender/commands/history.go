package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// HistoryCmd lists and inspects terminal runs
var HistoryCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show run history",
	Long: `List recent runs, newest first, or show one run in full.

Examples:
  mender history                 # Last 20 runs
  mender history --limit 5       # Last 5 runs
  mender history run_0198a...    # Full detail for one run
  mender history run_0198a... --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var (
	historyLimitFlag int
	historyJSONFlag  bool
)

func init() {
	HistoryCmd.Flags().IntVar(&historyLimitFlag, "limit", 20, "Number of runs to list")
	HistoryCmd.Flags().BoolVar(&historyJSONFlag, "json", false, "Output as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	history := orchestrator.NewRunHistory(database)

	if len(args) == 1 {
		return showRun(history, args[0])
	}

	runs, err := history.ListRuns(historyLimitFlag)
	if err != nil {
		return err
	}

	if historyJSONFlag {
		out, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to format runs")
		}
		fmt.Println(string(out))
		return nil
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	fmt.Printf("%-42s %-10s %-20s %-10s %s\n", "RUN", "STATUS", "STARTED", "DURATION", "ERROR")
	for _, run := range runs {
		duration := "-"
		if run.EndedAt != nil {
			duration = run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		errMsg := run.Error
		if len(errMsg) > 48 {
			errMsg = errMsg[:45] + "..."
		}
		fmt.Printf("%-42s %-10s %-20s %-10s %s\n",
			run.ID,
			run.Status,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			duration,
			errMsg,
		)
	}

	return nil
}

func showRun(history *orchestrator.RunHistory, id string) error {
	run, err := history.GetRun(id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return errors.Newf("run %s not found", id)
		}
		return err
	}

	if historyJSONFlag {
		out, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to format run")
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Run %s\n", run.ID)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.EndedAt != nil {
		fmt.Printf("Ended:    %s (%s)\n",
			run.EndedAt.Format(time.RFC3339),
			run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}

	if len(run.Phases) > 0 {
		fmt.Println("\nPhases:")
		for _, phase := range run.Phases {
			duration := "-"
			if phase.EndedAt != nil {
				duration = phase.EndedAt.Sub(phase.StartedAt).Round(time.Millisecond).String()
			}
			line := fmt.Sprintf("  %-12s %-10s %s", phase.Name, phase.Status, duration)
			if phase.Error != "" {
				line += "  " + phase.Error
			}
			fmt.Println(line)
		}
	}

	if run.Analysis != nil {
		fmt.Printf("\nAnalysis: %d/%d tests failed, risk %s\n",
			run.Analysis.FailedTests, run.Analysis.TotalTests, run.Analysis.RiskLevel)
	}
	if run.Fixes != nil {
		fmt.Printf("Fixes:    %d applied, %d failed\n",
			len(run.Fixes.Applied), len(run.Fixes.Failed))
	}
	if run.Deployment != nil {
		fmt.Printf("Deploy:   %s (%s) to %v\n",
			run.Deployment.Status, run.Deployment.ID, run.Deployment.Targets)
	}
	if run.Validation != nil {
		fmt.Printf("Validate: passed=%v findings=%d\n",
			run.Validation.Passed, len(run.Validation.Findings))
	}

	return nil
}
