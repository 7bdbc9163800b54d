package orchestrator

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/errors"
	mendertest "github.com/halcyonlabs/mender/internal/testing"
)

// stubPipeline implements every collaborator interface with canned outcomes
type stubPipeline struct {
	generateErr   error
	generatePanic string
	blockGenerate chan struct{}

	records []TestRecord
	runErr  error

	applyResult *CorrectionResult
	applyErr    error

	deployErr    error
	deployStatus DeploymentStatus

	validateResult *ValidationResult
	validateErr    error
}

func (s *stubPipeline) Generate(ctx context.Context, scenarioTag string) (*Fixtures, error) {
	if s.blockGenerate != nil {
		select {
		case <-s.blockGenerate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.generatePanic != "" {
		panic(s.generatePanic)
	}
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	return &Fixtures{Scenario: scenarioTag, Count: 1, GeneratedAt: time.Now()}, nil
}

func (s *stubPipeline) Run(ctx context.Context, fixtures *Fixtures) ([]TestRecord, error) {
	if s.runErr != nil {
		return nil, s.runErr
	}
	if s.records != nil {
		return s.records, nil
	}
	return []TestRecord{{Name: "ok", Status: TestStatusPass}}, nil
}

func (s *stubPipeline) Analyze(ctx context.Context, records []TestRecord) (*Diagnosis, error) {
	failed := 0
	for _, r := range records {
		if r.Status == TestStatusFail {
			failed++
		}
	}
	risk := RiskLow
	if failed > 0 {
		risk = RiskMedium
	}
	return &Diagnosis{FailedTests: failed, TotalTests: len(records), RiskLevel: risk}, nil
}

func (s *stubPipeline) Apply(ctx context.Context, diagnosis *Diagnosis) (*CorrectionResult, error) {
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	if s.applyResult != nil {
		return s.applyResult, nil
	}
	return &CorrectionResult{Applied: []Correction{{ID: "fix-1", Target: "svc", Summary: "patched"}}}, nil
}

func (s *stubPipeline) Deploy(ctx context.Context, corrections []Correction, targets []string) (*Deployment, error) {
	if s.deployErr != nil {
		return &Deployment{ID: "dep-1", Status: DeploymentFailed, Targets: targets}, s.deployErr
	}
	status := s.deployStatus
	if status == "" {
		status = DeploymentSucceeded
	}
	return &Deployment{ID: "dep-1", Status: status, Targets: targets, Duration: time.Millisecond}, nil
}

func (s *stubPipeline) Rollback(ctx context.Context, deploymentID string) error {
	return nil
}

func (s *stubPipeline) Validate(ctx context.Context) (*ValidationResult, error) {
	if s.validateErr != nil {
		return nil, s.validateErr
	}
	if s.validateResult != nil {
		return s.validateResult, nil
	}
	return &ValidationResult{Passed: true, CheckedAt: time.Now()}, nil
}

func (s *stubPipeline) collaborators() Collaborators {
	return Collaborators{
		DataFactory: s,
		Executor:    s,
		Analyzer:    s,
		Corrector:   s,
		Deployer:    s,
		Validator:   s,
	}
}

// recordingAlerter captures alert types for assertions
type recordingAlerter struct {
	mu    sync.Mutex
	types []AlertType
}

func (a *recordingAlerter) Send(alertType AlertType, message string, fields map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.types = append(a.types, alertType)
}

func (a *recordingAlerter) count(alertType AlertType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, t := range a.types {
		if t == alertType {
			n++
		}
	}
	return n
}

func newTestCoordinator(t *testing.T, stub *stubPipeline, backoffCfg BackoffConfig) (*Coordinator, *recordingAlerter, *sql.DB) {
	t.Helper()

	database := mendertest.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	alerter := &recordingAlerter{}

	cfg := DefaultCoordinatorConfig()
	cfg.MemoryCeilingPct = 100
	cfg.DiskCeilingPct = 100
	cfg.PhaseTimeout = 5 * time.Second

	coord := NewCoordinator(
		NewStateStore(database),
		NewRunHistory(database),
		NewFailureBackoffManager(backoffCfg),
		NewResourceGuard("/", log),
		alerter,
		stub.collaborators(),
		cfg,
		log,
	)
	require.NoError(t, coord.Restore())

	return coord, alerter, database
}

// waitIdle blocks until any active run reaches a terminal status
func waitIdle(t *testing.T, coord *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, coord.Shutdown(ctx))
}

func TestRunFullPipeline(t *testing.T) {
	stub := &stubPipeline{
		records: []TestRecord{
			{Name: "a", Status: TestStatusPass},
			{Name: "b", Status: TestStatusFail, Error: "assertion"},
		},
	}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)

	status := coord.Status()
	assert.Equal(t, 1, status.TotalRuns)
	assert.Equal(t, 1, status.SuccessfulRuns)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Empty(t, status.CurrentRunID)

	runs, err := coord.History(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, RunStatusCompleted, run.Status)
	require.NotNil(t, run.EndedAt)

	var names []string
	for _, phase := range run.Phases {
		assert.Equal(t, PhaseStatusCompleted, phase.Status)
		names = append(names, phase.Name)
	}
	assert.Equal(t, PhaseOrder, names)

	require.NotNil(t, run.Analysis)
	assert.Equal(t, 1, run.Analysis.FailedTests)
	require.NotNil(t, run.Fixes)
	assert.Len(t, run.Fixes.Applied, 1)
	require.NotNil(t, run.Deployment)
	assert.Equal(t, DeploymentSucceeded, run.Deployment.Status)
	require.NotNil(t, run.Validation)
	assert.True(t, run.Validation.Passed)
}

func TestRunSkipsFixingWhenAllTestsPass(t *testing.T) {
	stub := &stubPipeline{
		records: []TestRecord{{Name: "a", Status: TestStatusPass}},
	}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)

	runs, err := coord.History(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Nil(t, run.Fixes)
	assert.Nil(t, run.Deployment)
	assert.Nil(t, run.PhaseByName(PhaseFixing))
	assert.Nil(t, run.PhaseByName(PhaseDeployment))
	assert.NotNil(t, run.PhaseByName(PhaseValidation))
}

func TestRunSkipsDeploymentWhenNothingApplied(t *testing.T) {
	stub := &stubPipeline{
		records:     []TestRecord{{Name: "a", Status: TestStatusFail}},
		applyResult: &CorrectionResult{Failed: []Correction{{ID: "fix-1"}}},
	}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)

	runs, err := coord.History(1)
	require.NoError(t, err)
	run := runs[0]

	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.NotNil(t, run.PhaseByName(PhaseFixing))
	assert.Nil(t, run.PhaseByName(PhaseDeployment))
	assert.NotNil(t, run.PhaseByName(PhaseValidation))
}

func TestRejectsOverlappingRuns(t *testing.T) {
	stub := &stubPipeline{blockGenerate: make(chan struct{})}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	require.NoError(t, coord.TryRun("schedule"))

	err := coord.TryRun("schedule")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRunInProgress))
	assert.True(t, errors.IsAdmissionRejection(err))

	close(stub.blockGenerate)
	waitIdle(t, coord)

	status := coord.Status()
	assert.Equal(t, 1, status.TotalRuns)
}

func TestPhaseFailureAbortsPipeline(t *testing.T) {
	stub := &stubPipeline{runErr: errors.New("harness exploded")}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)

	runs, err := coord.History(1)
	require.NoError(t, err)
	run := runs[0]

	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "harness exploded")

	testPhase := run.PhaseByName(PhaseTesting)
	require.NotNil(t, testPhase)
	assert.Equal(t, PhaseStatusFailed, testPhase.Status)

	assert.Nil(t, run.PhaseByName(PhaseAnalysis))
	assert.Nil(t, run.PhaseByName(PhaseValidation))

	status := coord.Status()
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Equal(t, 0, status.SuccessfulRuns)
}

func TestDeploymentFailureAlertsAndSkipsValidation(t *testing.T) {
	stub := &stubPipeline{
		records:   []TestRecord{{Name: "a", Status: TestStatusFail}},
		deployErr: errors.New("target unreachable"),
	}
	coord, alerter, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)

	runs, err := coord.History(1)
	require.NoError(t, err)
	run := runs[0]

	assert.Equal(t, RunStatusFailed, run.Status)
	deployment := run.PhaseByName(PhaseDeployment)
	require.NotNil(t, deployment)
	assert.Equal(t, PhaseStatusFailed, deployment.Status)
	assert.Nil(t, run.PhaseByName(PhaseValidation))

	assert.Equal(t, 1, alerter.count(AlertDeploymentFailure))
}

func TestValidationFailureIsNonFatal(t *testing.T) {
	stub := &stubPipeline{validateErr: errors.New("smoke check refused connection")}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)

	runs, err := coord.History(1)
	require.NoError(t, err)
	run := runs[0]

	assert.Equal(t, RunStatusCompleted, run.Status)
	validation := run.PhaseByName(PhaseValidation)
	require.NotNil(t, validation)
	assert.Equal(t, PhaseStatusCompleted, validation.Status)
	require.NotNil(t, run.Validation)
	assert.False(t, run.Validation.Passed)
	assert.NotEmpty(t, run.Validation.Findings)

	status := coord.Status()
	assert.Equal(t, 1, status.SuccessfulRuns)
}

func TestBackoffAfterFailureStreak(t *testing.T) {
	backoffCfg := BackoffConfig{
		Base:                   time.Hour,
		Multiplier:             2.0,
		Ceiling:                2 * time.Hour,
		MaxConsecutiveFailures: 3,
		EmergencyStopThreshold: 10,
	}
	stub := &stubPipeline{generateErr: errors.New("generator down")}
	coord, _, _ := newTestCoordinator(t, stub, backoffCfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, coord.TryRun("manual"))
		waitIdle(t, coord)
	}

	status := coord.Status()
	assert.Equal(t, 3, status.ConsecutiveFailures)
	require.NotNil(t, status.BackoffUntil)
	assert.True(t, status.BackoffUntil.After(time.Now()))

	err := coord.TryRun("manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBackoffActive))
}

func TestEmergencyStopAlertsExactlyOnce(t *testing.T) {
	backoffCfg := BackoffConfig{
		Base:                   time.Millisecond,
		Multiplier:             2.0,
		Ceiling:                2 * time.Millisecond,
		MaxConsecutiveFailures: 2,
		EmergencyStopThreshold: 3,
	}
	stub := &stubPipeline{generateErr: errors.New("generator down")}
	coord, alerter, _ := newTestCoordinator(t, stub, backoffCfg)

	for i := 0; i < 3; i++ {
		// Tiny backoff windows expire between attempts
		require.Eventually(t, func() bool {
			return coord.TryRun("manual") == nil
		}, 5*time.Second, 5*time.Millisecond)
		waitIdle(t, coord)
	}

	status := coord.Status()
	assert.True(t, status.EmergencyStopped)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, 1, alerter.count(AlertEmergencyStop))

	err := coord.TryRun("manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEmergencyStopped))

	// Operator resume is the only way out
	coord.Resume()
	status = coord.Status()
	assert.False(t, status.EmergencyStopped)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Nil(t, status.BackoffUntil)
	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)
}

func TestResourceCeilingRejectsRun(t *testing.T) {
	stub := &stubPipeline{}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	cfg := coord.config()
	cfg.MemoryCeilingPct = -1 // any real usage exceeds this
	coord.SetConfig(cfg)

	err := coord.TryRun("manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrResourcePressure))

	status := coord.Status()
	assert.Equal(t, 0, status.TotalRuns)
}

func TestManualTriggerBypassesPause(t *testing.T) {
	stub := &stubPipeline{}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	coord.Pause()

	err := coord.TryRun("schedule")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchedulerPaused))

	require.NoError(t, coord.TriggerManualRun())
	waitIdle(t, coord)

	status := coord.Status()
	assert.Equal(t, 1, status.TotalRuns)
}

func TestRestoreReconcilesOrphanedRun(t *testing.T) {
	database := mendertest.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	store := NewStateStore(database)

	// Simulate a process that died mid-run
	crashed := NewSchedulerState()
	crashed.CurrentRunID = NewRunID()
	crashed.TotalRuns = 4
	crashed.SuccessfulRuns = 4
	require.NoError(t, store.Save(crashed, NewMetrics(0)))

	stub := &stubPipeline{}
	coord := NewCoordinator(
		store,
		NewRunHistory(database),
		NewFailureBackoffManager(DefaultBackoffConfig()),
		NewResourceGuard("/", log),
		&recordingAlerter{},
		stub.collaborators(),
		DefaultCoordinatorConfig(),
		log,
	)
	require.NoError(t, coord.Restore())

	status := coord.Status()
	assert.Empty(t, status.CurrentRunID)
	assert.Equal(t, 5, status.TotalRuns)
	assert.Equal(t, 4, status.SuccessfulRuns)
	assert.Equal(t, 1, status.ConsecutiveFailures)

	orphan, err := coord.GetRun(crashed.CurrentRunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, orphan.Status)
	assert.Contains(t, orphan.Error, "orphaned by process restart")

	// The reconciled state survives another restart without double-counting
	reloaded, _, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, reloaded.CurrentRunID)
	assert.Equal(t, 5, reloaded.TotalRuns)
}

func TestMetricsRecordedPerRun(t *testing.T) {
	stub := &stubPipeline{
		records: []TestRecord{{Name: "a", Status: TestStatusFail}},
	}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)

	summary := coord.MetricsSummary()
	assert.Equal(t, 1, summary.SampleCount)
	assert.Equal(t, 0.0, summary.ErrorRate)
	assert.Equal(t, 1.0, summary.MeanFixSuccessRate)
	assert.Greater(t, summary.MeanRunDurationSec, 0.0)
}

func TestCriticalErrorEntersEmergencyStopWithAlert(t *testing.T) {
	backoffCfg := BackoffConfig{
		Base:                   time.Millisecond,
		Multiplier:             2.0,
		Ceiling:                2 * time.Millisecond,
		MaxConsecutiveFailures: 1,
		EmergencyStopThreshold: 1,
	}
	stub := &stubPipeline{generatePanic: "nil map write"}
	coord, alerter, _ := newTestCoordinator(t, stub, backoffCfg)

	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)

	status := coord.Status()
	assert.True(t, status.EmergencyStopped)
	assert.False(t, status.IsRunning)
	assert.Equal(t, 1, alerter.count(AlertCriticalError))
	assert.Equal(t, 1, alerter.count(AlertEmergencyStop))

	runs, err := coord.History(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "critical error")

	// The latch must not re-fire the alert on later failures
	err = coord.TryRun("manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEmergencyStopped))
	assert.Equal(t, 1, alerter.count(AlertEmergencyStop))
}

func TestPhaseTimeoutFailsRun(t *testing.T) {
	stub := &stubPipeline{blockGenerate: make(chan struct{})}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	cfg := coord.config()
	cfg.PhaseTimeout = 50 * time.Millisecond
	coord.SetConfig(cfg)

	require.NoError(t, coord.TryRun("manual"))
	waitIdle(t, coord)

	status := coord.Status()
	assert.Equal(t, 1, status.TotalRuns)
	assert.Equal(t, 0, status.SuccessfulRuns)
	assert.Equal(t, 1, status.ConsecutiveFailures)

	runs, err := coord.History(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "timed out")

	require.Len(t, run.Phases, 2)
	assert.Equal(t, PhasePreflight, run.Phases[0].Name)
	assert.Equal(t, PhaseStatusCompleted, run.Phases[0].Status)
	assert.Equal(t, PhaseTestData, run.Phases[1].Name)
	assert.Equal(t, PhaseStatusFailed, run.Phases[1].Status)
	assert.Contains(t, run.Phases[1].Error, "exceeded")
}

func TestShouldAdmitRunReflectsSchedulerState(t *testing.T) {
	stub := &stubPipeline{blockGenerate: make(chan struct{})}
	coord, _, _ := newTestCoordinator(t, stub, DefaultBackoffConfig())

	require.NoError(t, coord.ShouldAdmitRun())

	require.NoError(t, coord.TryRun("manual"))
	err := coord.ShouldAdmitRun()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRunInProgress))

	close(stub.blockGenerate)
	waitIdle(t, coord)
	require.NoError(t, coord.ShouldAdmitRun())

	coord.Pause()
	err = coord.ShouldAdmitRun()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchedulerPaused))
}
