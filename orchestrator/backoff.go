package orchestrator

import (
	"math"
	"sync"
	"time"

	"github.com/halcyonlabs/mender/config"
	"github.com/halcyonlabs/mender/errors"
)

// BackoffConfig tunes the failure-streak handling
type BackoffConfig struct {
	Base                   time.Duration // First backoff window
	Multiplier             float64       // Exponential growth factor
	Ceiling                time.Duration // Backoff cap
	MaxConsecutiveFailures int           // Streak length that starts backoff
	EmergencyStopThreshold int           // Streak length that stops the scheduler
}

// DefaultBackoffConfig returns sensible defaults
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:                   time.Minute,
		Multiplier:             2.0,
		Ceiling:                time.Hour,
		MaxConsecutiveFailures: 5,
		EmergencyStopThreshold: 10,
	}
}

// BackoffConfigFrom converts the operator-facing config section
func BackoffConfigFrom(cfg config.BackoffConfig) BackoffConfig {
	return BackoffConfig{
		Base:                   time.Duration(cfg.BaseSeconds) * time.Second,
		Multiplier:             cfg.Multiplier,
		Ceiling:                time.Duration(cfg.CeilingSeconds) * time.Second,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		EmergencyStopThreshold: cfg.EmergencyStopThreshold,
	}
}

// FailureBackoffManager decides whether the scheduler is healthy enough to
// run and for how long to suppress runs after repeated failure. It holds no
// state of its own: the coordinator passes the scheduler state in, which
// keeps the coordinator the sole mutator of SchedulerState.
type FailureBackoffManager struct {
	mu  sync.RWMutex
	cfg BackoffConfig
}

// NewFailureBackoffManager creates a backoff manager with the given tuning
func NewFailureBackoffManager(cfg BackoffConfig) *FailureBackoffManager {
	return &FailureBackoffManager{cfg: cfg}
}

// SetConfig swaps the tuning, used by config hot reload
func (m *FailureBackoffManager) SetConfig(cfg BackoffConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Config returns the current tuning
func (m *FailureBackoffManager) Config() BackoffConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// RecordSuccess resets the failure streak and clears any backoff window
func (m *FailureBackoffManager) RecordSuccess(state *SchedulerState) {
	state.ConsecutiveFailures = 0
	state.BackoffUntil = nil
}

// RecordFailure increments the failure streak, arms the backoff window once
// the streak reaches MaxConsecutiveFailures, and transitions the scheduler to
// emergency stop at EmergencyStopThreshold. Returns true only on the tick
// that enters emergency stop, so the caller alerts exactly once.
func (m *FailureBackoffManager) RecordFailure(state *SchedulerState, now time.Time) (enteredEmergencyStop bool) {
	cfg := m.Config()

	state.ConsecutiveFailures++

	if state.ConsecutiveFailures >= cfg.MaxConsecutiveFailures {
		until := now.Add(m.backoffDuration(state.ConsecutiveFailures))
		state.BackoffUntil = &until
	}

	if state.ConsecutiveFailures >= cfg.EmergencyStopThreshold && !state.EmergencyStopped {
		state.EmergencyStopped = true
		return true
	}

	return false
}

// IsAdmissible returns nil while the scheduler is healthy, or the sentinel
// rejection reason: ErrEmergencyStopped, or ErrBackoffActive while the
// backoff window is in the future.
func (m *FailureBackoffManager) IsAdmissible(state *SchedulerState, now time.Time) error {
	if state.EmergencyStopped {
		return errors.Wrapf(errors.ErrEmergencyStopped,
			"%d consecutive failures", state.ConsecutiveFailures)
	}

	if state.BackoffUntil != nil && state.BackoffUntil.After(now) {
		return errors.Wrapf(errors.ErrBackoffActive,
			"until %s", state.BackoffUntil.Format(time.RFC3339))
	}

	return nil
}

// backoffDuration computes min(base * multiplier^(failures - maxFailures), ceiling).
// Non-decreasing in the failure count, never exceeds the ceiling.
func (m *FailureBackoffManager) backoffDuration(failures int) time.Duration {
	cfg := m.Config()

	exponent := failures - cfg.MaxConsecutiveFailures
	if exponent < 0 {
		exponent = 0
	}

	scaled := float64(cfg.Base) * math.Pow(cfg.Multiplier, float64(exponent))
	if scaled > float64(cfg.Ceiling) || math.IsInf(scaled, 1) {
		return cfg.Ceiling
	}

	return time.Duration(scaled)
}
