package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/mender/config"
	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/logger"
	"github.com/halcyonlabs/mender/orchestrator"
	"github.com/halcyonlabs/mender/pipeline"
)

// DaemonCmd runs the scheduler daemon in the foreground
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the test-and-heal scheduler daemon",
	Long: `Run the scheduler daemon in foreground mode.

The daemon will:
- Restore persisted scheduler state (reconciling any run orphaned by a crash)
- Fire the phase pipeline on the configured cron schedule
- Back off exponentially on repeated failures, emergency-stop on a long streak
- Hot-reload tuning when the watched config file changes
- Run until interrupted (Ctrl+C) with graceful shutdown

Example:
  mender daemon                       # Run with discovered config
  mender daemon --config mender.toml  # Run and hot-reload this config file`,
	RunE: runDaemon,
}

var (
	daemonConfigFlag   string
	daemonShutdownSecs int
)

func init() {
	DaemonCmd.Flags().StringVar(&daemonConfigFlag, "config", "", "Config file to load and watch for changes")
	DaemonCmd.Flags().IntVar(&daemonShutdownSecs, "shutdown-timeout", 60, "Seconds to wait for an active run on shutdown")
}

func runDaemon(cmd *cobra.Command, args []string) error {
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

	coord, trigger, err := buildScheduler(cfg, database)
	if err != nil {
		return err
	}

	watcher := startConfigWatcher(coord, trigger)
	if watcher != nil {
		defer watcher.Close()
	}

	trigger.Start()
	defer trigger.Stop()

	cleanupDone := make(chan struct{})
	cleanupStop := make(chan struct{})
	go retentionLoop(coord, cfg.Scheduler.RetentionDays, cleanupStop, cleanupDone)

	fmt.Println("mender daemon started")
	fmt.Printf("  Schedule:  %s\n", trigger.Expression())
	fmt.Printf("  Next fire: %s\n", trigger.NextFire().Format(time.RFC3339))
	fmt.Printf("  Database:  %s\n", cfg.Database.Path)
	fmt.Println("\nSIGUSR1 resumes, SIGUSR2 pauses, Ctrl+C for graceful shutdown")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

signals:
	for sig := range sigChan {
		switch sig {
		case syscall.SIGUSR1:
			coord.Resume()
		case syscall.SIGUSR2:
			coord.Pause()
		default:
			break signals
		}
	}

	fmt.Println("\nShutting down...")

	close(cleanupStop)
	<-cleanupDone
	trigger.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(daemonShutdownSecs)*time.Second)
	defer cancel()
	if err := coord.Shutdown(ctx); err != nil {
		logger.Errorw("Shutdown did not complete cleanly", "error", err)
		return err
	}

	fmt.Println("mender daemon stopped")
	return nil
}

// loadDaemonConfig loads either the explicit --config file or the discovered
// configuration
func loadDaemonConfig() (*config.Config, error) {
	if daemonConfigFlag != "" {
		cfg, err := config.LoadFromFile(daemonConfigFlag)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		return cfg, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// buildScheduler wires the coordinator and trigger from config. The database
// must already be open and migrated; both stores share it.
func buildScheduler(cfg *config.Config, database *sql.DB) (*orchestrator.Coordinator, *orchestrator.Trigger, error) {
	coord := orchestrator.NewCoordinator(
		orchestrator.NewStateStore(database),
		orchestrator.NewRunHistory(database),
		orchestrator.NewFailureBackoffManager(orchestrator.BackoffConfigFrom(cfg.Backoff)),
		orchestrator.NewResourceGuard(cfg.Resources.DiskPath, logger.Logger),
		orchestrator.NewAlertDispatcher(cfg.Alerts, logger.Logger),
		pipeline.New(cfg.Pipeline, logger.Logger),
		orchestrator.CoordinatorConfigFrom(cfg),
		logger.Logger,
	)

	if err := coord.Restore(); err != nil {
		return nil, nil, err
	}

	tickInterval := time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second
	trigger, err := orchestrator.NewTrigger(coord, cfg.Scheduler.Schedule, tickInterval, logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	coord.AttachTrigger(trigger)

	return coord, trigger, nil
}

// startConfigWatcher hot-reloads tuning from the --config file. Without an
// explicit config file there is nothing to watch.
func startConfigWatcher(coord *orchestrator.Coordinator, trigger *orchestrator.Trigger) *config.Watcher {
	if daemonConfigFlag == "" {
		return nil
	}

	watcher, err := config.NewWatcher(daemonConfigFlag)
	if err != nil {
		logger.Warnw("Config hot reload disabled",
			"path", daemonConfigFlag,
			"error", err)
		return nil
	}

	watcher.OnReload(func(newCfg *config.Config) error {
		coord.SetConfig(orchestrator.CoordinatorConfigFrom(newCfg))
		return nil
	})
	watcher.OnReload(func(newCfg *config.Config) error {
		coord.SetBackoffConfig(orchestrator.BackoffConfigFrom(newCfg.Backoff))
		return nil
	})
	watcher.OnReload(func(newCfg *config.Config) error {
		return trigger.Configure(newCfg.Scheduler.Schedule)
	})

	watcher.Start()
	logger.Infow("Config hot reload enabled", "path", daemonConfigFlag)
	return watcher
}

// retentionLoop deletes runs past the retention window once a day
func retentionLoop(coord *orchestrator.Coordinator, retentionDays int, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	cleanup := func() {
		deleted, err := coord.CleanupHistory(retentionDays)
		if err != nil {
			logger.Errorw("Run history cleanup failed", "error", err)
			return
		}
		if deleted > 0 {
			logger.Infow("Run history cleaned up",
				"deleted", deleted,
				"retention_days", retentionDays)
		}
	}

	cleanup()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cleanup()
		}
	}
}
