package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// StatusCmd shows the persisted scheduler state
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler status and rolling metrics",
	Long: `Display the persisted scheduler state: run counters, failure streak,
backoff window, emergency-stop flag, and rolling metric trends.

Reads the state snapshot the daemon persists on every terminal run, so it
works whether or not the daemon is running.

Examples:
  mender status          # Human-readable status
  mender status --json   # Machine-readable status`,
	RunE: runStatus,
}

var statusJSONFlag bool

func init() {
	StatusCmd.Flags().BoolVar(&statusJSONFlag, "json", false, "Output status as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	state, metrics, err := orchestrator.NewStateStore(database).Load()
	if err != nil {
		if errors.IsNotFoundError(err) {
			fmt.Println("No scheduler state recorded yet. Run `mender daemon` first.")
			return nil
		}
		return err
	}

	if statusJSONFlag {
		out, err := json.MarshalIndent(map[string]interface{}{
			"state":   state,
			"metrics": metrics,
		}, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to format status")
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println("Scheduler Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Running:              %v\n", state.IsRunning)
	fmt.Printf("Emergency stopped:    %v\n", state.EmergencyStopped)
	if state.CurrentRunID != "" {
		fmt.Printf("Active run:           %s\n", state.CurrentRunID)
	}
	fmt.Printf("Total runs:           %d\n", state.TotalRuns)
	fmt.Printf("Successful runs:      %d\n", state.SuccessfulRuns)
	fmt.Printf("Success rate:         %.1f%%\n", state.SuccessRate()*100)
	fmt.Printf("Consecutive failures: %d\n", state.ConsecutiveFailures)
	if state.BackoffUntil != nil {
		fmt.Printf("Backoff until:        %s\n", state.BackoffUntil.Format(time.RFC3339))
	}
	if state.NextScheduledRun != nil {
		fmt.Printf("Next scheduled run:   %s\n", state.NextScheduledRun.Format(time.RFC3339))
	}

	if len(metrics.RunDurationsSec) > 0 {
		fmt.Printf("\nRolling Metrics (last %d runs)\n", metrics.Window)
		fmt.Printf("  Samples:            %d\n", len(metrics.RunDurationsSec))
		fmt.Printf("  Mean run duration:  %.1fs\n", meanOf(metrics.RunDurationsSec))
		fmt.Printf("  Error rate:         %.1f%%\n", meanOf(metrics.ErrorRates)*100)
		if len(metrics.FixSuccessRates) > 0 {
			fmt.Printf("  Fix success rate:   %.1f%%\n", meanOf(metrics.FixSuccessRates)*100)
		}
		if len(metrics.DeploymentTimesSec) > 0 {
			fmt.Printf("  Mean deploy time:   %.1fs\n", meanOf(metrics.DeploymentTimesSec))
		}
	}

	return nil
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
