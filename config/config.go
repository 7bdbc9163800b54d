// Package config manages the mender configuration.
package config

// Config represents the full mender configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the trigger and the run pipeline
type SchedulerConfig struct {
	// Schedule is a cron expression or @every descriptor, e.g. "@every 10m"
	Schedule            string `mapstructure:"schedule"`
	TickIntervalSeconds int    `mapstructure:"tick_interval_seconds"` // How often the trigger checks the schedule (default: 1)
	PhaseTimeoutSeconds int    `mapstructure:"phase_timeout_seconds"` // Per-collaborator call timeout (default: 600)
	RetentionDays       int    `mapstructure:"retention_days"`        // Run history TTL (default: 90)
	MetricsWindow       int    `mapstructure:"metrics_window"`        // Rolling metrics window size (default: 50)
}

// ResourcesConfig configures admission ceilings, in percent.
// Runs are refused while memory or disk usage exceed their ceiling.
type ResourcesConfig struct {
	MemoryCeilingPct float64 `mapstructure:"memory_ceiling_pct"`
	DiskCeilingPct   float64 `mapstructure:"disk_ceiling_pct"`
	CPUCeilingPct    float64 `mapstructure:"cpu_ceiling_pct"` // Informational only, never blocks admission
	DiskPath         string  `mapstructure:"disk_path"`       // Mount point sampled for disk usage (default: "/")
}

// BackoffConfig configures failure-streak handling
type BackoffConfig struct {
	BaseSeconds            int     `mapstructure:"base_seconds"`             // First backoff window (default: 60)
	Multiplier             float64 `mapstructure:"multiplier"`               // Exponential growth factor (default: 2.0)
	CeilingSeconds         int     `mapstructure:"ceiling_seconds"`          // Backoff cap (default: 3600)
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"` // Streak length that starts backoff (default: 5)
	EmergencyStopThreshold int     `mapstructure:"emergency_stop_threshold"` // Streak length that stops the scheduler (default: 10)
}

// AlertsConfig configures the webhook alert sink
type AlertsConfig struct {
	WebhookURL     string  `mapstructure:"webhook_url"`     // Empty disables alert delivery
	TimeoutSeconds int     `mapstructure:"timeout_seconds"` // Per-delivery timeout (default: 10)
	RatePerMinute  float64 `mapstructure:"rate_per_minute"` // Token bucket refill rate (default: 6)
	Burst          int     `mapstructure:"burst"`           // Token bucket burst (default: 3)
}

// PipelineConfig configures the exec-based reference collaborators
type PipelineConfig struct {
	ScenarioTag    string   `mapstructure:"scenario_tag"`    // Fixture scenario requested each run (default: "default")
	GenerateCmd    string   `mapstructure:"generate_cmd"`    // Command producing fixtures JSON on stdout
	TestCmd        string   `mapstructure:"test_cmd"`        // Command producing test records JSON on stdout
	FixCmd         string   `mapstructure:"fix_cmd"`         // Command applying corrections from a diagnosis
	DeployCmd      string   `mapstructure:"deploy_cmd"`      // Command deploying applied corrections
	ValidateCmd    string   `mapstructure:"validate_cmd"`    // Smoke-check command, exit status decides pass/fail
	DeployTargets  []string `mapstructure:"deploy_targets"`  // Target environments passed to the deploy command
	HighRiskFailed int      `mapstructure:"high_risk_failed"` // Failed-test count at which risk becomes high (default: 5)
}
