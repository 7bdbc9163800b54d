package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// ResumeCmd clears emergency stop and re-enables the scheduler
var ResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the scheduler and clear emergency stop",
	Long: `Re-enable the scheduler after an operator pause or an emergency stop.

Resuming clears the failure streak and any backoff window; it is the only way
out of emergency stop. A running daemon picks this up via SIGUSR1 (send the
signal after resuming); a stopped daemon picks it up on its next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSchedulerRunning(true)
	},
}

// PauseCmd suspends scheduled runs
var PauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the scheduler",
	Long: `Suspend scheduled runs without losing state. Counters, the failure
streak, and run history are preserved. A running daemon picks this up via
SIGUSR2; a stopped daemon picks it up on its next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSchedulerRunning(false)
	},
}

func setSchedulerRunning(running bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := orchestrator.NewStateStore(database)
	state, metrics, err := store.Load()
	if err != nil {
		if !errors.IsNotFoundError(err) {
			return err
		}
		state = orchestrator.NewSchedulerState()
		metrics = orchestrator.NewMetrics(0)
	}

	state.IsRunning = running
	if running {
		// Operator resume is the one path out of emergency stop
		state.EmergencyStopped = false
		state.ConsecutiveFailures = 0
		state.BackoffUntil = nil
	}

	if err := store.Save(state, metrics); err != nil {
		return err
	}

	if running {
		fmt.Println("Scheduler resumed (emergency stop cleared).")
	} else {
		fmt.Println("Scheduler paused.")
	}
	return nil
}
