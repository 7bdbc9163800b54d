package orchestrator

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/halcyonlabs/mender/errors"
)

// StateStore persists the single-row scheduler state snapshot plus rolling
// metrics. The snapshot is overwritten on every terminal run and reloaded at
// startup; a write failure is logged by the caller and retried on the next
// terminal run rather than blocking the pipeline.
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates a new state store
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Save writes the state snapshot, replacing any previous one
func (s *StateStore) Save(state *SchedulerState, metrics *Metrics) error {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return errors.Wrap(err, "failed to marshal metrics")
	}

	query := `
		INSERT INTO scheduler_state (
			id, is_running, current_run_id, consecutive_failures,
			total_runs, successful_runs, backoff_until, next_scheduled_run,
			emergency_stopped, metrics, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_running = excluded.is_running,
			current_run_id = excluded.current_run_id,
			consecutive_failures = excluded.consecutive_failures,
			total_runs = excluded.total_runs,
			successful_runs = excluded.successful_runs,
			backoff_until = excluded.backoff_until,
			next_scheduled_run = excluded.next_scheduled_run,
			emergency_stopped = excluded.emergency_stopped,
			metrics = excluded.metrics,
			updated_at = excluded.updated_at
	`

	var currentRunID, backoffUntil, nextScheduledRun interface{}
	if state.CurrentRunID != "" {
		currentRunID = state.CurrentRunID
	}
	if state.BackoffUntil != nil {
		backoffUntil = state.BackoffUntil.Format(time.RFC3339Nano)
	}
	if state.NextScheduledRun != nil {
		nextScheduledRun = state.NextScheduledRun.Format(time.RFC3339Nano)
	}

	_, err = s.db.Exec(query,
		state.IsRunning,
		currentRunID,
		state.ConsecutiveFailures,
		state.TotalRuns,
		state.SuccessfulRuns,
		backoffUntil,
		nextScheduledRun,
		state.EmergencyStopped,
		string(metricsJSON),
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to save scheduler state")
	}

	return nil
}

// Load reads the persisted snapshot. Returns ErrNotFound when no snapshot
// has ever been written (fresh deployment).
func (s *StateStore) Load() (*SchedulerState, *Metrics, error) {
	query := `
		SELECT is_running, current_run_id, consecutive_failures,
		       total_runs, successful_runs, backoff_until, next_scheduled_run,
		       emergency_stopped, metrics
		FROM scheduler_state
		WHERE id = 1
	`

	var state SchedulerState
	var currentRunID, backoffUntil, nextScheduledRun, metricsJSON sql.NullString

	err := s.db.QueryRow(query).Scan(
		&state.IsRunning,
		&currentRunID,
		&state.ConsecutiveFailures,
		&state.TotalRuns,
		&state.SuccessfulRuns,
		&backoffUntil,
		&nextScheduledRun,
		&state.EmergencyStopped,
		&metricsJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, errors.Wrap(errors.ErrNotFound, "no scheduler state snapshot")
		}
		return nil, nil, errors.Wrap(err, "failed to load scheduler state")
	}

	if currentRunID.Valid {
		state.CurrentRunID = currentRunID.String
	}
	if backoffUntil.Valid {
		t, err := time.Parse(time.RFC3339Nano, backoffUntil.String)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to parse backoff_until")
		}
		state.BackoffUntil = &t
	}
	if nextScheduledRun.Valid {
		t, err := time.Parse(time.RFC3339Nano, nextScheduledRun.String)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to parse next_scheduled_run")
		}
		state.NextScheduledRun = &t
	}

	metrics := NewMetrics(DefaultMetricsWindow)
	if metricsJSON.Valid && metricsJSON.String != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), metrics); err != nil {
			return nil, nil, errors.Wrap(err, "failed to unmarshal metrics")
		}
		if metrics.Window <= 0 {
			metrics.Window = DefaultMetricsWindow
		}
	}

	return &state, metrics, nil
}
