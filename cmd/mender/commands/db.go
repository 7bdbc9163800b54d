package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/mender/config"
	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// DbCmd groups database maintenance operations
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the mender database",
	Long: `Manage database operations including migrations, statistics, and
history cleanup.

Examples:
  mender db migrate              # Apply pending schema migrations
  mender db stats                # Show run counts and storage info
  mender db cleanup --days 30    # Delete runs older than 30 days`,
}

var dbCleanupDaysFlag int

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbCleanupCmd)
	dbCleanupCmd.Flags().IntVar(&dbCleanupDaysFlag, "days", 0, "Retention in days (default: configured retention_days)")
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Println("Database migrated.")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete runs older than the retention window",
	RunE:  runDbCleanup,
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	total, failed, err := orchestrator.NewRunHistory(database).CountRuns()
	if err != nil {
		return err
	}

	var phases int
	if err := database.QueryRow(`SELECT COUNT(*) FROM run_phases`).Scan(&phases); err != nil {
		return errors.Wrap(err, "failed to count phases")
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database path:   %s\n", cfg.Database.Path)
	fmt.Printf("Runs recorded:   %d\n", total)
	fmt.Printf("Runs failed:     %d\n", failed)
	fmt.Printf("Phases recorded: %d\n", phases)
	fmt.Printf("Retention:       %d days\n", cfg.Scheduler.RetentionDays)
	return nil
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	days := dbCleanupDaysFlag
	if days <= 0 {
		days = cfg.Scheduler.RetentionDays
	}
	if days <= 0 {
		return errors.Newf("no retention window configured, pass --days")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	deleted, err := orchestrator.NewRunHistory(database).CleanupOldRuns(days)
	if err != nil {
		return err
	}

	fmt.Printf("Deleted %d run(s) older than %d days.\n", deleted, days)
	return nil
}
