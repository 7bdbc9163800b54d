package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "mender.db")

	// Scheduler defaults
	v.SetDefault("scheduler.schedule", "@every 10m")
	v.SetDefault("scheduler.tick_interval_seconds", 1)
	v.SetDefault("scheduler.phase_timeout_seconds", 600) // 10 minutes per collaborator call
	v.SetDefault("scheduler.retention_days", 90)
	v.SetDefault("scheduler.metrics_window", 50)

	// Resource ceiling defaults (percent)
	v.SetDefault("resources.memory_ceiling_pct", 90.0)
	v.SetDefault("resources.disk_ceiling_pct", 90.0)
	v.SetDefault("resources.cpu_ceiling_pct", 95.0)
	v.SetDefault("resources.disk_path", "/")

	// Backoff defaults
	v.SetDefault("backoff.base_seconds", 60)
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.ceiling_seconds", 3600) // Cap backoff at 1 hour
	v.SetDefault("backoff.max_consecutive_failures", 5)
	v.SetDefault("backoff.emergency_stop_threshold", 10)

	// Alert defaults
	v.SetDefault("alerts.timeout_seconds", 10)
	v.SetDefault("alerts.rate_per_minute", 6.0)
	v.SetDefault("alerts.burst", 3)

	// Pipeline defaults
	v.SetDefault("pipeline.scenario_tag", "default")
	v.SetDefault("pipeline.deploy_targets", []string{"staging"})
	v.SetDefault("pipeline.high_risk_failed", 5)
}
