// Package orchestrator implements the autonomous test-and-heal scheduler:
// a periodic trigger feeding a single serialized phase pipeline, with failure
// backoff, emergency stop, and durable state across restarts.
package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle status of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// PhaseStatus is the lifecycle status of a single pipeline phase
type PhaseStatus string

const (
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
)

// Pipeline phase names, in declared execution order.
// Fixing and deployment are conditional on prior phase output.
const (
	PhasePreflight  = "preflight"
	PhaseTestData   = "test-data"
	PhaseTesting    = "testing"
	PhaseAnalysis   = "analysis"
	PhaseFixing     = "fixing"
	PhaseDeployment = "deployment"
	PhaseValidation = "validation"
)

// PhaseOrder is the fixed declared order of pipeline phases
var PhaseOrder = []string{
	PhasePreflight,
	PhaseTestData,
	PhaseTesting,
	PhaseAnalysis,
	PhaseFixing,
	PhaseDeployment,
	PhaseValidation,
}

// Phase is one ordered stage within a run. Its status transitions
// running -> {completed|failed} exactly once; a failed phase aborts the
// remaining pipeline for that run.
type Phase struct {
	Name      string      `json:"name"`
	Status    PhaseStatus `json:"status"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Run is one complete execution of the phase pipeline, from admission to
// terminal status. Phases are append-only during the run; a run is never
// mutated after its status becomes terminal.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	Phases    []Phase    `json:"phases"`

	// Per-phase result blobs, absent if the pipeline short-circuited
	// before the corresponding phase.
	TestData    *Fixtures         `json:"test_data,omitempty"`
	TestResults []TestRecord      `json:"test_results,omitempty"`
	Analysis    *Diagnosis        `json:"analysis,omitempty"`
	Fixes       *CorrectionResult `json:"fixes,omitempty"`
	Deployment  *Deployment       `json:"deployment,omitempty"`
	Validation  *ValidationResult `json:"validation,omitempty"`
}

// NewRunID generates a globally unique, time-ordered run identifier
func NewRunID() string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4
		u = uuid.New()
	}
	return "run_" + u.String()
}

// Terminal reports whether the run has reached a terminal status
func (r *Run) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// PhaseByName returns the executed phase with the given name, or nil
func (r *Run) PhaseByName(name string) *Phase {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}
