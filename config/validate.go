package config

import "github.com/halcyonlabs/mender/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "mender.db" per defaults.go

	// Tick interval: 0 falls back to the trigger's 1s default
	if c.Scheduler.TickIntervalSeconds < 0 {
		return errors.Newf("scheduler.tick_interval_seconds must be >= 0, got %d", c.Scheduler.TickIntervalSeconds)
	}
	if c.Scheduler.PhaseTimeoutSeconds <= 0 {
		return errors.Newf("scheduler.phase_timeout_seconds must be > 0, got %d", c.Scheduler.PhaseTimeoutSeconds)
	}
	if c.Scheduler.RetentionDays < 0 {
		return errors.Newf("scheduler.retention_days must be >= 0, got %d", c.Scheduler.RetentionDays)
	}
	if c.Scheduler.MetricsWindow <= 0 {
		return errors.Newf("scheduler.metrics_window must be > 0, got %d", c.Scheduler.MetricsWindow)
	}

	// Ceilings are percentages
	if c.Resources.MemoryCeilingPct <= 0 || c.Resources.MemoryCeilingPct > 100 {
		return errors.Newf("resources.memory_ceiling_pct must be in (0, 100], got %f", c.Resources.MemoryCeilingPct)
	}
	if c.Resources.DiskCeilingPct <= 0 || c.Resources.DiskCeilingPct > 100 {
		return errors.Newf("resources.disk_ceiling_pct must be in (0, 100], got %f", c.Resources.DiskCeilingPct)
	}

	if c.Backoff.BaseSeconds <= 0 {
		return errors.Newf("backoff.base_seconds must be > 0, got %d", c.Backoff.BaseSeconds)
	}
	if c.Backoff.Multiplier < 1.0 {
		return errors.Newf("backoff.multiplier must be >= 1.0, got %f", c.Backoff.Multiplier)
	}
	if c.Backoff.CeilingSeconds < c.Backoff.BaseSeconds {
		return errors.Newf("backoff.ceiling_seconds must be >= backoff.base_seconds, got %d < %d",
			c.Backoff.CeilingSeconds, c.Backoff.BaseSeconds)
	}
	if c.Backoff.MaxConsecutiveFailures <= 0 {
		return errors.Newf("backoff.max_consecutive_failures must be > 0, got %d", c.Backoff.MaxConsecutiveFailures)
	}
	if c.Backoff.EmergencyStopThreshold < c.Backoff.MaxConsecutiveFailures {
		return errors.Newf("backoff.emergency_stop_threshold must be >= backoff.max_consecutive_failures, got %d < %d",
			c.Backoff.EmergencyStopThreshold, c.Backoff.MaxConsecutiveFailures)
	}

	if c.Alerts.TimeoutSeconds <= 0 {
		return errors.Newf("alerts.timeout_seconds must be > 0, got %d", c.Alerts.TimeoutSeconds)
	}
	if c.Alerts.RatePerMinute <= 0 {
		return errors.Newf("alerts.rate_per_minute must be > 0, got %f", c.Alerts.RatePerMinute)
	}
	if c.Alerts.Burst <= 0 {
		return errors.Newf("alerts.burst must be > 0, got %d", c.Alerts.Burst)
	}

	return nil
}
