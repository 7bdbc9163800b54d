package orchestrator

import (
	"context"
	"encoding/json"
	"time"
)

// The pipeline delegates each phase's real work to external collaborators.
// Each collaborator is a black box satisfying one of the interfaces below;
// calls are synchronous and must honor the caller-supplied context deadline.
// A timeout is treated identically to a collaborator error.

// TestDataFactory produces synthetic fixtures for a scenario tag
type TestDataFactory interface {
	Generate(ctx context.Context, scenarioTag string) (*Fixtures, error)
}

// TestExecutor runs the test suites against generated fixtures and returns
// one record per declared test. A non-zero failing count is expected input
// to analysis, not an executor error.
type TestExecutor interface {
	Run(ctx context.Context, fixtures *Fixtures) ([]TestRecord, error)
}

// ResultAnalyzer turns raw test records into a risk-scored diagnosis
type ResultAnalyzer interface {
	Analyze(ctx context.Context, records []TestRecord) (*Diagnosis, error)
}

// CodeCorrector turns a diagnosis into applied source patches
type CodeCorrector interface {
	Apply(ctx context.Context, diagnosis *Diagnosis) (*CorrectionResult, error)
}

// DeploymentOrchestrator pushes applied corrections to target environments
type DeploymentOrchestrator interface {
	Deploy(ctx context.Context, corrections []Correction, targets []string) (*Deployment, error)
	Rollback(ctx context.Context, deploymentID string) error
}

// Validator runs a lightweight smoke check after deployment (or after
// analysis when no deployment occurred)
type Validator interface {
	Validate(ctx context.Context) (*ValidationResult, error)
}

// Collaborators bundles the external collaborators consumed by the coordinator
type Collaborators struct {
	DataFactory TestDataFactory
	Executor    TestExecutor
	Analyzer    ResultAnalyzer
	Corrector   CodeCorrector
	Deployer    DeploymentOrchestrator
	Validator   Validator
}

// Fixtures is the synthetic test data produced for one run
type Fixtures struct {
	Scenario    string          `json:"scenario"`
	Count       int             `json:"count"`
	GeneratedAt time.Time       `json:"generated_at"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// TestStatus is the pass/fail outcome of one test
type TestStatus string

const (
	TestStatusPass TestStatus = "pass"
	TestStatusFail TestStatus = "fail"
)

// TestRecord is the outcome of one declared test
type TestRecord struct {
	Name     string        `json:"name"`
	Status   TestStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RiskLevel grades the severity of a diagnosis
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Diagnosis is the structured analysis of one run's test records
type Diagnosis struct {
	FailedTests int             `json:"failed_tests"`
	TotalTests  int             `json:"total_tests"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	Report      json.RawMessage `json:"report,omitempty"`
}

// Correction is one source patch proposed or applied by the corrector
type Correction struct {
	ID      string `json:"id"`
	Target  string `json:"target"`
	Summary string `json:"summary"`
}

// CorrectionResult reports which corrections were applied and which failed
type CorrectionResult struct {
	Applied []Correction `json:"applied"`
	Failed  []Correction `json:"failed"`
}

// SuccessRate returns the fraction of corrections that applied cleanly
func (r *CorrectionResult) SuccessRate() float64 {
	total := len(r.Applied) + len(r.Failed)
	if total == 0 {
		return 0
	}
	return float64(len(r.Applied)) / float64(total)
}

// DeploymentStatus is the outcome of a deployment
type DeploymentStatus string

const (
	DeploymentSucceeded  DeploymentStatus = "succeeded"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

// Deployment reports one deployment of applied corrections
type Deployment struct {
	ID       string           `json:"id"`
	Status   DeploymentStatus `json:"status"`
	Targets  []string         `json:"targets"`
	Duration time.Duration    `json:"duration"`
}

// ValidationResult reports the post-pipeline smoke check. A failed
// validation is a finding on the run, not a pipeline abort.
type ValidationResult struct {
	Passed    bool      `json:"passed"`
	Findings  []string  `json:"findings,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}
