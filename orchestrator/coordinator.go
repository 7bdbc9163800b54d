package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/config"
	"github.com/halcyonlabs/mender/db"
	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/internal/util"
)

// CoordinatorConfig tunes admission policy and pipeline execution
type CoordinatorConfig struct {
	MemoryCeilingPct float64       // Reject new runs above this memory usage
	DiskCeilingPct   float64       // Reject new runs above this disk usage
	PhaseTimeout     time.Duration // Per-collaborator call timeout
	ScenarioTag      string        // Fixture scenario requested each run
	DeployTargets    []string      // Environments passed to the deployer
	MetricsWindow    int           // Rolling metrics window size
}

// DefaultCoordinatorConfig returns sensible defaults
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MemoryCeilingPct: 90,
		DiskCeilingPct:   90,
		PhaseTimeout:     10 * time.Minute,
		ScenarioTag:      "default",
		DeployTargets:    []string{"staging"},
		MetricsWindow:    DefaultMetricsWindow,
	}
}

// CoordinatorConfigFrom converts the operator-facing config
func CoordinatorConfigFrom(cfg *config.Config) CoordinatorConfig {
	return CoordinatorConfig{
		MemoryCeilingPct: cfg.Resources.MemoryCeilingPct,
		DiskCeilingPct:   cfg.Resources.DiskCeilingPct,
		PhaseTimeout:     time.Duration(cfg.Scheduler.PhaseTimeoutSeconds) * time.Second,
		ScenarioTag:      cfg.Pipeline.ScenarioTag,
		DeployTargets:    cfg.Pipeline.DeployTargets,
		MetricsWindow:    cfg.Scheduler.MetricsWindow,
	}
}

// triggerControl is the slice of the Trigger the coordinator drives:
// emergency stop pauses automatic firing, and the next fire time feeds
// the informational next_scheduled_run field.
type triggerControl interface {
	Pause()
	Resume()
	NextFire() time.Time
}

// Coordinator is the core state machine. It admits or rejects runs, executes
// the phase pipeline strictly sequentially, records outcomes, and is the only
// component that mutates SchedulerState.
type Coordinator struct {
	mu      sync.Mutex // guards state and metrics
	state   *SchedulerState
	metrics *Metrics

	cfgMu sync.RWMutex
	cfg   CoordinatorConfig

	stateStore *StateStore
	history    *RunHistory
	backoff    *FailureBackoffManager
	guard      *ResourceGuard
	alerts     Alerter
	collab     Collaborators
	trigger    triggerControl
	log        *zap.SugaredLogger

	runWG sync.WaitGroup
}

// NewCoordinator wires the coordinator. Call Restore before accepting
// triggers so persisted state (and any orphaned run) is reconciled first.
func NewCoordinator(
	stateStore *StateStore,
	history *RunHistory,
	backoff *FailureBackoffManager,
	guard *ResourceGuard,
	alerts Alerter,
	collab Collaborators,
	cfg CoordinatorConfig,
	log *zap.SugaredLogger,
) *Coordinator {
	return &Coordinator{
		state:      NewSchedulerState(),
		metrics:    NewMetrics(cfg.MetricsWindow),
		cfg:        cfg,
		stateStore: stateStore,
		history:    history,
		backoff:    backoff,
		guard:      guard,
		alerts:     alerts,
		collab:     collab,
		log:        log,
	}
}

// AttachTrigger lets the coordinator pause the trigger on emergency stop and
// read the next scheduled fire time
func (c *Coordinator) AttachTrigger(t triggerControl) {
	c.trigger = t
}

// SetConfig swaps the admission/pipeline tuning, used by config hot reload
func (c *Coordinator) SetConfig(cfg CoordinatorConfig) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg = cfg
}

// SetBackoffConfig swaps the failure-streak tuning, used by config hot reload
func (c *Coordinator) SetBackoffConfig(cfg BackoffConfig) {
	c.backoff.SetConfig(cfg)
}

func (c *Coordinator) config() CoordinatorConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Restore loads persisted state at startup. A fresh deployment starts from
// initial state. A persisted non-empty current run id means the previous
// process died mid-run: the orphaned run is marked failed in history, the
// failure is counted toward the streak, and current run is cleared — it is
// never silently resumed as still-active.
func (c *Coordinator) Restore() error {
	state, metrics, err := c.stateStore.Load()
	if err != nil {
		if errors.IsNotFoundError(err) {
			c.log.Infow("No persisted scheduler state, starting fresh")
			if err := c.stateStore.Save(c.state, c.metrics); err != nil {
				c.log.Errorw("Failed to persist initial state", "error", err)
			}
			return nil
		}
		return errors.Wrap(err, "failed to restore scheduler state")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = state
	c.metrics = metrics

	if state.CurrentRunID != "" {
		now := time.Now()
		orphanID := state.CurrentRunID

		c.log.Warnw("Found orphaned run from previous process, marking failed",
			"run_id", orphanID)

		orphan := &Run{
			ID:        orphanID,
			Status:    RunStatusFailed,
			StartedAt: now,
			EndedAt:   &now,
			Error:     "orphaned by process restart",
		}
		if err := c.history.SaveRun(orphan); err != nil {
			c.log.Errorw("Failed to persist orphaned run",
				"run_id", orphanID,
				"error", err)
		}

		state.CurrentRunID = ""
		state.TotalRuns++
		entered := c.backoff.RecordFailure(state, now)
		if entered {
			state.IsRunning = false
			if c.alerts != nil {
				c.alerts.Send(AlertEmergencyStop, "emergency stop entered during crash recovery",
					map[string]interface{}{"consecutive_failures": state.ConsecutiveFailures})
			}
		}
	}

	// Daemon start is operator intent to run, unless emergency-stopped
	if !state.EmergencyStopped {
		state.IsRunning = true
	}

	if err := c.stateStore.Save(c.state, c.metrics); err != nil {
		c.log.Errorw("Failed to persist reconciled state", "error", err)
	}

	c.log.Infow("Scheduler state restored",
		"total_runs", state.TotalRuns,
		"successful_runs", state.SuccessfulRuns,
		"consecutive_failures", state.ConsecutiveFailures,
		"emergency_stopped", state.EmergencyStopped)

	return nil
}

// ShouldAdmitRun evaluates the admission policy without claiming a run slot.
// Returns nil when a run would be admitted, or the sentinel rejection reason.
// Evaluated fresh on every call; never cached.
func (c *Coordinator) ShouldAdmitRun() error {
	c.mu.Lock()
	err := c.admissionCheck(time.Now(), false)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.resourceCheck(c.guard.Check(ctx))
}

// admissionCheck holds c.mu. Manual triggers skip the paused check: an
// operator asking for a run overrides their own pause, but never emergency
// stop, backoff, or an in-flight run.
func (c *Coordinator) admissionCheck(now time.Time, manual bool) error {
	if !c.state.IsRunning && !manual {
		return errors.ErrSchedulerPaused
	}
	if c.state.CurrentRunID != "" {
		return errors.Wrapf(errors.ErrRunInProgress, "run %s", c.state.CurrentRunID)
	}
	return c.backoff.IsAdmissible(c.state, now)
}

// resourceCheck applies the configured ceilings to a snapshot. Degraded
// snapshots are assumed safe so a monitoring failure never starves the
// pipeline on its own.
func (c *Coordinator) resourceCheck(snapshot ResourceSnapshot) error {
	if snapshot.Degraded {
		c.log.Warnw("Resource snapshot degraded, assuming safe for admission")
		return nil
	}

	cfg := c.config()
	if snapshot.MemoryUsedPct > cfg.MemoryCeilingPct {
		return errors.Wrapf(errors.ErrResourcePressure,
			"memory %.1f%% > ceiling %.1f%%", snapshot.MemoryUsedPct, cfg.MemoryCeilingPct)
	}
	if snapshot.DiskUsedPct > cfg.DiskCeilingPct {
		return errors.Wrapf(errors.ErrResourcePressure,
			"disk %.1f%% > ceiling %.1f%%", snapshot.DiskUsedPct, cfg.DiskCeilingPct)
	}
	return nil
}

// TryRun is the single admission gate both trigger entry points funnel into.
// On admission it claims the run slot, persists the claim (the authoritative
// crash-recovery marker), and executes the pipeline on its own goroutine so
// the caller never blocks on pipeline execution.
func (c *Coordinator) TryRun(source string) error {
	now := time.Now()

	c.mu.Lock()
	if err := c.admissionCheck(now, source == "manual"); err != nil {
		c.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	snapshot := c.guard.Check(ctx)
	cancel()
	if err := c.resourceCheck(snapshot); err != nil {
		c.mu.Unlock()
		return err
	}

	run := &Run{
		ID:        NewRunID(),
		Status:    RunStatusRunning,
		StartedAt: now,
	}
	c.state.CurrentRunID = run.ID

	// Persist the claim so a crash mid-run is detectable on reload
	if err := c.stateStore.Save(c.state, c.metrics); err != nil {
		c.log.Errorw("Failed to persist run claim",
			"run_id", run.ID,
			"error", err)
	}

	c.runWG.Add(1)
	c.mu.Unlock()

	c.log.Infow("Run admitted",
		"run_id", run.ID,
		"source", source)

	go func() {
		defer c.runWG.Done()
		c.executeRun(run)
	}()

	return nil
}

// executeRun drives one run to a terminal status. Phase errors are converted
// into a failed run; anything escaping the pipeline's error boundary forces a
// scheduler-wide stop.
func (c *Coordinator) executeRun(run *Run) {
	defer func() {
		if r := recover(); r != nil {
			c.handleCritical(run, r)
		}
	}()

	sample, err := c.runPipeline(run)
	c.finalizeRun(run, sample, err)
}

// runPipeline executes the phases strictly sequentially: no phase starts
// before the previous one reaches a terminal status, and a failed phase
// aborts the remainder.
func (c *Coordinator) runPipeline(run *Run) (ResourceSample, error) {
	cfg := c.config()
	var sample ResourceSample

	// Preflight: non-fatal findings are recorded, only a hard resource
	// violation aborts
	err := c.runPhase(run, PhasePreflight, func(ctx context.Context) error {
		snapshot := c.guard.Check(ctx)
		sample = snapshot.Sample()
		if snapshot.Degraded {
			c.log.Warnw("Preflight resource snapshot degraded, continuing",
				"run_id", run.ID)
			return nil
		}
		return c.resourceCheck(snapshot)
	})
	if err != nil {
		return sample, err
	}

	// Test-data generation: downstream phases depend on fixtures, so a
	// failure here aborts the run
	var fixtures *Fixtures
	err = c.runPhase(run, PhaseTestData, func(ctx context.Context) error {
		f, err := c.collab.DataFactory.Generate(ctx, cfg.ScenarioTag)
		if err != nil {
			return err
		}
		fixtures = f
		run.TestData = f
		return nil
	})
	if err != nil {
		return sample, err
	}

	// Test execution: failing tests are expected input to analysis, never
	// an abort
	var records []TestRecord
	err = c.runPhase(run, PhaseTesting, func(ctx context.Context) error {
		r, err := c.collab.Executor.Run(ctx, fixtures)
		if err != nil {
			return err
		}
		records = r
		run.TestResults = r
		return nil
	})
	if err != nil {
		return sample, err
	}

	// Analysis
	var diagnosis *Diagnosis
	err = c.runPhase(run, PhaseAnalysis, func(ctx context.Context) error {
		d, err := c.collab.Analyzer.Analyze(ctx, records)
		if err != nil {
			return err
		}
		diagnosis = d
		run.Analysis = d
		return nil
	})
	if err != nil {
		return sample, err
	}

	// Fixing: only when analysis found failing tests
	var fixes *CorrectionResult
	if diagnosis.FailedTests > 0 {
		err = c.runPhase(run, PhaseFixing, func(ctx context.Context) error {
			f, err := c.collab.Corrector.Apply(ctx, diagnosis)
			if err != nil {
				return err
			}
			fixes = f
			run.Fixes = f
			return nil
		})
		if err != nil {
			return sample, err
		}
	} else {
		c.log.Debugw("Fixing phase skipped, no failing tests",
			"run_id", run.ID)
	}

	// Deployment: only when fixing ran and applied at least one correction
	if fixes != nil && len(fixes.Applied) > 0 {
		err = c.runPhase(run, PhaseDeployment, func(ctx context.Context) error {
			d, err := c.collab.Deployer.Deploy(ctx, fixes.Applied, cfg.DeployTargets)
			if d != nil {
				run.Deployment = d
			}
			if err != nil {
				return err
			}
			if d.Status == DeploymentFailed {
				return errors.Newf("deployment %s reported failure", d.ID)
			}
			return nil
		})
		if err != nil {
			return sample, err
		}
	} else if fixes != nil {
		c.log.Infow("Deployment phase skipped, no applied corrections",
			"run_id", run.ID)
	}

	// Validation: a failed smoke check is a finding on the run, not an
	// orchestration failure — the pipeline has already committed its actions
	err = c.runPhase(run, PhaseValidation, func(ctx context.Context) error {
		result, err := c.collab.Validator.Validate(ctx)
		if err != nil {
			run.Validation = &ValidationResult{
				Passed:    false,
				Findings:  []string{err.Error()},
				CheckedAt: time.Now(),
			}
			c.log.Warnw("Validation smoke check failed, recorded as finding",
				"run_id", run.ID,
				"error", err)
			return nil
		}
		run.Validation = result
		if !result.Passed {
			c.log.Warnw("Validation reported failing findings",
				"run_id", run.ID,
				"findings", result.Findings)
		}
		return nil
	})

	return sample, err
}

// runPhase appends a running phase, executes fn under the per-phase timeout,
// and transitions the phase to exactly one terminal status
func (c *Coordinator) runPhase(run *Run, name string, fn func(ctx context.Context) error) error {
	cfg := c.config()
	started := time.Now()
	run.Phases = append(run.Phases, Phase{
		Name:      name,
		Status:    PhaseStatusRunning,
		StartedAt: started,
	})
	phase := &run.Phases[len(run.Phases)-1]

	c.log.Infow("Phase started",
		"run_id", run.ID,
		"phase", name)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PhaseTimeout)
	defer cancel()

	err := fn(ctx)

	ended := time.Now()
	phase.EndedAt = &ended

	if err != nil {
		// A collaborator timeout is treated identically to a collaborator error
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrapf(errors.ErrTimeout, "phase %s exceeded %s", name, cfg.PhaseTimeout)
		}
		phase.Status = PhaseStatusFailed
		phase.Error = err.Error()
		c.log.Errorw("Phase failed",
			"run_id", run.ID,
			"phase", name,
			"duration_ms", ended.Sub(started).Milliseconds(),
			"error", err)
		return errors.Wrapf(err, "phase %s", name)
	}

	phase.Status = PhaseStatusCompleted
	c.log.Infow("Phase completed",
		"run_id", run.ID,
		"phase", name,
		"duration_ms", ended.Sub(started).Milliseconds())
	return nil
}

// finalizeRun records the terminal outcome: clears the run slot, updates
// counters and the failure streak, persists the run and the state snapshot,
// then dispatches alerts. Alerts fire only after the terminal state is
// durably recorded, and persistence failures never invalidate the in-memory
// outcome.
func (c *Coordinator) finalizeRun(run *Run, sample ResourceSample, pipelineErr error) {
	now := time.Now()
	run.EndedAt = &now
	if pipelineErr != nil {
		run.Status = RunStatusFailed
		run.Error = pipelineErr.Error()
	} else {
		run.Status = RunStatusCompleted
	}

	c.mu.Lock()

	c.state.CurrentRunID = ""
	c.state.TotalRuns++

	enteredEmergency := false
	if run.Status == RunStatusCompleted {
		c.state.SuccessfulRuns++
		c.backoff.RecordSuccess(c.state)
	} else {
		enteredEmergency = c.backoff.RecordFailure(c.state, now)
	}

	c.metrics.RecordRun(now.Sub(run.StartedAt), run.Status == RunStatusFailed)
	c.metrics.RecordResources(sample)
	if run.Fixes != nil {
		c.metrics.RecordFixOutcome(run.Fixes.SuccessRate())
	}
	if run.Deployment != nil {
		c.metrics.RecordDeployment(run.Deployment.Duration)
	}

	if enteredEmergency {
		c.state.IsRunning = false
	}
	if c.trigger != nil && !enteredEmergency {
		if next := c.trigger.NextFire(); !next.IsZero() {
			c.state.NextScheduledRun = util.Ptr(next)
		}
	}

	if err := c.history.SaveRun(run); err != nil {
		if db.IsDatabaseClosed(err) {
			c.log.Warnw("Run not persisted, database already closed",
				"run_id", run.ID)
		} else {
			c.log.Errorw("Failed to persist run, outcome kept in memory",
				"run_id", run.ID,
				"error", err)
		}
	}
	if err := c.stateStore.Save(c.state, c.metrics); err != nil && !db.IsDatabaseClosed(err) {
		c.log.Errorw("Failed to persist state snapshot, will retry on next run",
			"error", err)
	}

	streak := c.state.ConsecutiveFailures
	c.mu.Unlock()

	if enteredEmergency && c.trigger != nil {
		c.trigger.Pause()
	}

	if run.Status == RunStatusFailed {
		c.log.Errorw("Run failed",
			"run_id", run.ID,
			"duration_ms", now.Sub(run.StartedAt).Milliseconds(),
			"consecutive_failures", streak,
			"error", run.Error)
	} else {
		c.log.Infow("Run completed",
			"run_id", run.ID,
			"duration_ms", now.Sub(run.StartedAt).Milliseconds(),
			"phases", len(run.Phases))
	}

	if c.alerts == nil {
		return
	}

	if phase := run.PhaseByName(PhaseDeployment); phase != nil && phase.Status == PhaseStatusFailed {
		c.alerts.Send(AlertDeploymentFailure, "deployment phase failed", map[string]interface{}{
			"run_id": run.ID,
			"error":  phase.Error,
		})
	}

	if run.Status == RunStatusFailed && streak >= c.backoff.Config().MaxConsecutiveFailures {
		c.alerts.Send(AlertRunFailure, "run failure streak crossed threshold", map[string]interface{}{
			"run_id":               run.ID,
			"consecutive_failures": streak,
			"error":                run.Error,
		})
	}

	if enteredEmergency {
		c.alerts.Send(AlertEmergencyStop, "scheduler emergency stopped, operator resume required", map[string]interface{}{
			"run_id":               run.ID,
			"consecutive_failures": streak,
		})
	}
}

// handleCritical is the error boundary for anything escaping the pipeline:
// the scheduler stops accepting triggers entirely and an operator restart is
// required
func (c *Coordinator) handleCritical(run *Run, recovered interface{}) {
	now := time.Now()
	run.Status = RunStatusFailed
	run.EndedAt = &now
	run.Error = fmt.Sprintf("critical error: %v", recovered)

	// Close out any phase left running
	for i := range run.Phases {
		if run.Phases[i].Status == PhaseStatusRunning {
			run.Phases[i].Status = PhaseStatusFailed
			run.Phases[i].EndedAt = &now
			run.Phases[i].Error = run.Error
		}
	}

	c.log.Errorw("Critical error escaped pipeline, stopping scheduler",
		"run_id", run.ID,
		"panic", recovered,
		"stack", string(debug.Stack()))

	c.mu.Lock()
	c.state.CurrentRunID = ""
	c.state.TotalRuns++
	c.state.IsRunning = false
	enteredEmergency := c.backoff.RecordFailure(c.state, now)
	streak := c.state.ConsecutiveFailures

	if err := c.history.SaveRun(run); err != nil {
		c.log.Errorw("Failed to persist run after critical error",
			"run_id", run.ID,
			"error", err)
	}
	if err := c.stateStore.Save(c.state, c.metrics); err != nil {
		c.log.Errorw("Failed to persist state after critical error",
			"error", err)
	}
	c.mu.Unlock()

	if c.trigger != nil {
		c.trigger.Pause()
	}

	if c.alerts != nil {
		c.alerts.Send(AlertCriticalError, "scheduler stopped on critical error", map[string]interface{}{
			"run_id": run.ID,
			"panic":  fmt.Sprintf("%v", recovered),
		})
		if enteredEmergency {
			c.alerts.Send(AlertEmergencyStop, "scheduler emergency stopped, operator resume required", map[string]interface{}{
				"run_id":               run.ID,
				"consecutive_failures": streak,
			})
		}
	}
}

// Pause stops accepting triggers without losing state
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.state.IsRunning = false
	if err := c.stateStore.Save(c.state, c.metrics); err != nil {
		c.log.Errorw("Failed to persist pause", "error", err)
	}
	c.mu.Unlock()

	if c.trigger != nil {
		c.trigger.Pause()
	}
	c.log.Infow("Scheduler paused")
}

// Resume restarts trigger acceptance. This is the one path out of emergency
// stop: the operator explicitly clears the failure streak and backoff window.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.state.IsRunning = true
	c.state.EmergencyStopped = false
	c.state.ConsecutiveFailures = 0
	c.state.BackoffUntil = nil
	if err := c.stateStore.Save(c.state, c.metrics); err != nil {
		c.log.Errorw("Failed to persist resume", "error", err)
	}
	c.mu.Unlock()

	if c.trigger != nil {
		c.trigger.Resume()
	}
	c.log.Infow("Scheduler resumed")
}

// Shutdown pauses the trigger and waits for any active run to reach a
// terminal state, bounded by ctx. No run is left ambiguous across restarts:
// the run slot is cleared only on terminal transition, and Restore reconciles
// anything the deadline cut off.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.trigger != nil {
		c.trigger.Pause()
	}

	done := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warnw("Shutdown deadline reached with run still active")
		return errors.Wrap(errors.ErrTimeout, "waiting for active run")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stateStore.Save(c.state, c.metrics); err != nil {
		return errors.Wrap(err, "failed to persist final state")
	}

	c.log.Infow("Scheduler shut down cleanly")
	return nil
}
