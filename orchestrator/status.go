package orchestrator

import "time"

// StatusSummary is the read-only operator view of the scheduler
type StatusSummary struct {
	IsRunning           bool       `json:"is_running"`
	EmergencyStopped    bool       `json:"emergency_stopped"`
	CurrentRunID        string     `json:"current_run_id,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRuns           int        `json:"total_runs"`
	SuccessfulRuns      int        `json:"successful_runs"`
	SuccessRate         float64    `json:"success_rate"`
	BackoffUntil        *time.Time `json:"backoff_until,omitempty"`
	NextScheduledRun    *time.Time `json:"next_scheduled_run,omitempty"`
	Schedule            string     `json:"schedule,omitempty"`
}

// MetricsSummary aggregates the rolling windows into trend figures
type MetricsSummary struct {
	Window             int     `json:"window"`
	SampleCount        int     `json:"sample_count"`
	MeanRunDurationSec float64 `json:"mean_run_duration_sec"`
	ErrorRate          float64 `json:"error_rate"`
	MeanFixSuccessRate float64 `json:"mean_fix_success_rate"`
	MeanDeployTimeSec  float64 `json:"mean_deploy_time_sec"`
	MeanMemoryUsedPct  float64 `json:"mean_memory_used_pct"`
	MeanDiskUsedPct    float64 `json:"mean_disk_used_pct"`
	MeanCPUUsedPct     float64 `json:"mean_cpu_used_pct"`
}

// Status returns a point-in-time snapshot of the scheduler state. Reads may
// briefly observe a run as active while its terminal write is in flight; the
// persisted history is always consistent.
func (c *Coordinator) Status() StatusSummary {
	c.mu.Lock()
	state := c.state.Snapshot()
	c.mu.Unlock()

	summary := StatusSummary{
		IsRunning:           state.IsRunning,
		EmergencyStopped:    state.EmergencyStopped,
		CurrentRunID:        state.CurrentRunID,
		ConsecutiveFailures: state.ConsecutiveFailures,
		TotalRuns:           state.TotalRuns,
		SuccessfulRuns:      state.SuccessfulRuns,
		SuccessRate:         state.SuccessRate(),
		BackoffUntil:        state.BackoffUntil,
		NextScheduledRun:    state.NextScheduledRun,
	}

	if t, ok := c.trigger.(interface{ Expression() string }); ok && t != nil {
		summary.Schedule = t.Expression()
	}

	return summary
}

// MetricsSummary folds the rolling windows down to their means
func (c *Coordinator) MetricsSummary() MetricsSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.metrics
	summary := MetricsSummary{
		Window:             m.Window,
		SampleCount:        len(m.RunDurationsSec),
		MeanRunDurationSec: mean(m.RunDurationsSec),
		ErrorRate:          mean(m.ErrorRates),
		MeanFixSuccessRate: mean(m.FixSuccessRates),
		MeanDeployTimeSec:  mean(m.DeploymentTimesSec),
	}

	if n := len(m.ResourceUsageSamples); n > 0 {
		var memSum, diskSum, cpuSum float64
		for _, s := range m.ResourceUsageSamples {
			memSum += s.MemoryUsedPct
			diskSum += s.DiskUsedPct
			cpuSum += s.CPUUsedPct
		}
		summary.MeanMemoryUsedPct = memSum / float64(n)
		summary.MeanDiskUsedPct = diskSum / float64(n)
		summary.MeanCPUUsedPct = cpuSum / float64(n)
	}

	return summary
}

// History returns the most recent terminal runs, newest first
func (c *Coordinator) History(limit int) ([]*Run, error) {
	return c.history.ListRuns(limit)
}

// GetRun returns one terminal run by id
func (c *Coordinator) GetRun(id string) (*Run, error) {
	return c.history.GetRun(id)
}

// TriggerManualRun requests an immediate run through the standard admission
// gate. Unlike scheduled fires it ignores the trigger's pause flag, but every
// other rejection reason still applies.
func (c *Coordinator) TriggerManualRun() error {
	return c.TryRun("manual")
}

// CleanupHistory removes runs older than the retention period
func (c *Coordinator) CleanupHistory(retentionDays int) (int, error) {
	return c.history.CleanupOldRuns(retentionDays)
}
