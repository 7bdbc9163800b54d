package orchestrator

import "time"

// SchedulerState is the process-wide scheduler state. It is mutated only by
// the Coordinator and persisted by the StateStore on every terminal run.
// CurrentRunID is non-empty if and only if a run is actively executing.
type SchedulerState struct {
	IsRunning           bool       `json:"is_running"`
	CurrentRunID        string     `json:"current_run_id,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRuns           int        `json:"total_runs"`
	SuccessfulRuns      int        `json:"successful_runs"`
	BackoffUntil        *time.Time `json:"backoff_until,omitempty"`
	NextScheduledRun    *time.Time `json:"next_scheduled_run,omitempty"`
	EmergencyStopped    bool       `json:"emergency_stopped"`
}

// NewSchedulerState returns the initial state for a fresh deployment
func NewSchedulerState() *SchedulerState {
	return &SchedulerState{IsRunning: true}
}

// SuccessRate returns the fraction of completed runs that succeeded
func (s *SchedulerState) SuccessRate() float64 {
	if s.TotalRuns == 0 {
		return 0
	}
	return float64(s.SuccessfulRuns) / float64(s.TotalRuns)
}

// Snapshot returns a copy for read-only consumers
func (s *SchedulerState) Snapshot() SchedulerState {
	return *s
}

// ResourceSample is one point-in-time resource usage observation kept in the
// rolling metrics window
type ResourceSample struct {
	MemoryUsedPct float64 `json:"memory_used_pct"`
	DiskUsedPct   float64 `json:"disk_used_pct"`
	CPUUsedPct    float64 `json:"cpu_used_pct"`
}

// Metrics holds bounded rolling windows used for trend reporting, not
// correctness. Each window keeps the last Window entries, oldest evicted.
// Updated once per terminal run and persisted inside the state snapshot.
type Metrics struct {
	Window               int              `json:"window"`
	RunDurationsSec      []float64        `json:"run_durations_sec"`
	ResourceUsageSamples []ResourceSample `json:"resource_usage_samples"`
	ErrorRates           []float64        `json:"error_rates"`
	FixSuccessRates      []float64        `json:"fix_success_rates"`
	DeploymentTimesSec   []float64        `json:"deployment_times_sec"`
}

// DefaultMetricsWindow bounds each rolling window when no override is configured
const DefaultMetricsWindow = 50

// NewMetrics creates empty metrics with the given window bound
func NewMetrics(window int) *Metrics {
	if window <= 0 {
		window = DefaultMetricsWindow
	}
	return &Metrics{Window: window}
}

// RecordRun appends the run duration and a failure indicator (1 = failed)
func (m *Metrics) RecordRun(duration time.Duration, failed bool) {
	m.RunDurationsSec = appendBounded(m.RunDurationsSec, duration.Seconds(), m.Window)
	errRate := 0.0
	if failed {
		errRate = 1.0
	}
	m.ErrorRates = appendBounded(m.ErrorRates, errRate, m.Window)
}

// RecordResources appends a resource usage sample
func (m *Metrics) RecordResources(sample ResourceSample) {
	m.ResourceUsageSamples = append(m.ResourceUsageSamples, sample)
	if n := len(m.ResourceUsageSamples) - m.Window; n > 0 {
		m.ResourceUsageSamples = m.ResourceUsageSamples[n:]
	}
}

// RecordFixOutcome appends the fix success rate for a run whose fixing phase ran
func (m *Metrics) RecordFixOutcome(successRate float64) {
	m.FixSuccessRates = appendBounded(m.FixSuccessRates, successRate, m.Window)
}

// RecordDeployment appends a deployment duration
func (m *Metrics) RecordDeployment(duration time.Duration) {
	m.DeploymentTimesSec = appendBounded(m.DeploymentTimesSec, duration.Seconds(), m.Window)
}

func appendBounded(window []float64, v float64, bound int) []float64 {
	window = append(window, v)
	if n := len(window) - bound; n > 0 {
		window = window[n:]
	}
	return window
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
