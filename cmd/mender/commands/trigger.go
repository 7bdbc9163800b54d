package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// TriggerCmd runs the pipeline once in-process
var TriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run the pipeline once, outside the daemon schedule",
	Long: `Execute one pipeline run in-process and wait for it to finish.

The run goes through the same admission gate as scheduled runs: an active
run, the failure backoff window, emergency stop, and resource ceilings all
reject it. Intended for setups where the daemon is not running; a run id
persisted by a live daemon is reported as in progress.

Use --force to reconcile a run id left behind by a crashed process before
triggering. Do not force while a daemon is actively running.

Examples:
  mender trigger
  mender trigger --force`,
	RunE: runTrigger,
}

var triggerForceFlag bool

func init() {
	TriggerCmd.Flags().BoolVar(&triggerForceFlag, "force", false, "Reconcile a stale active-run marker before triggering")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	// A persisted run id means either a live daemon or a crashed process.
	// Restore would treat it as orphaned, so refuse unless forced.
	if !triggerForceFlag {
		state, _, err := orchestrator.NewStateStore(database).Load()
		if err != nil && !errors.IsNotFoundError(err) {
			return err
		}
		if state != nil && state.CurrentRunID != "" {
			return errors.Wrapf(errors.ErrRunInProgress,
				"run %s (pass --force if it was orphaned by a crash)", state.CurrentRunID)
		}
	}

	coord, _, err := buildScheduler(cfg, database)
	if err != nil {
		return err
	}

	if err := coord.TriggerManualRun(); err != nil {
		return errors.Wrap(err, "run rejected")
	}

	fmt.Println("Run admitted, waiting for completion...")

	phaseTimeout := time.Duration(cfg.Scheduler.PhaseTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 8*phaseTimeout)
	defer cancel()
	if err := coord.Shutdown(ctx); err != nil {
		return err
	}

	runs, err := coord.History(1)
	if err != nil || len(runs) == 0 {
		fmt.Println("Run finished.")
		return nil
	}

	run := runs[0]
	fmt.Printf("Run %s %s", run.ID, run.Status)
	if run.EndedAt != nil {
		fmt.Printf(" in %s", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Println()
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}

	return nil
}
