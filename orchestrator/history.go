package orchestrator

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/halcyonlabs/mender/errors"
)

// RunHistory persists runs once they reach a terminal status. Entries are
// append-only and immutable, so concurrent readers never observe a partial
// run. Write failures are logged by the caller and never abort the pipeline.
type RunHistory struct {
	db *sql.DB
}

// NewRunHistory creates a new run history store
func NewRunHistory(db *sql.DB) *RunHistory {
	return &RunHistory{db: db}
}

// SaveRun writes a terminal run and its phase timeline in one transaction
func (h *RunHistory) SaveRun(run *Run) error {
	if !run.Terminal() {
		return errors.Newf("refusing to persist non-terminal run %s (status %s)", run.ID, run.Status)
	}

	tx, err := h.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	var endedAt, errorMessage interface{}
	if run.EndedAt != nil {
		endedAt = run.EndedAt.Format(time.RFC3339Nano)
	}
	if run.Error != "" {
		errorMessage = run.Error
	}

	testData, err := marshalOpt(run.TestData)
	if err != nil {
		return err
	}
	var testResults interface{}
	if run.TestResults != nil {
		b, err := json.Marshal(run.TestResults)
		if err != nil {
			return errors.Wrap(err, "failed to marshal result blob")
		}
		testResults = string(b)
	}
	analysis, err := marshalOpt(run.Analysis)
	if err != nil {
		return err
	}
	fixes, err := marshalOpt(run.Fixes)
	if err != nil {
		return err
	}
	deployment, err := marshalOpt(run.Deployment)
	if err != nil {
		return err
	}
	validation, err := marshalOpt(run.Validation)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO runs (
			id, status, started_at, ended_at, error_message,
			test_data, test_results, analysis, fixes, deployment, validation,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Status),
		run.StartedAt.Format(time.RFC3339Nano),
		endedAt,
		errorMessage,
		testData,
		testResults,
		analysis,
		fixes,
		deployment,
		validation,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert run")
	}

	for seq, phase := range run.Phases {
		var phaseEnded, phaseError interface{}
		if phase.EndedAt != nil {
			phaseEnded = phase.EndedAt.Format(time.RFC3339Nano)
		}
		if phase.Error != "" {
			phaseError = phase.Error
		}

		_, err = tx.Exec(`
			INSERT INTO run_phases (run_id, seq, name, status, started_at, ended_at, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			seq,
			phase.Name,
			string(phase.Status),
			phase.StartedAt.Format(time.RFC3339Nano),
			phaseEnded,
			phaseError,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert phase %s", phase.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit run")
	}

	return nil
}

// GetRun retrieves one run with its phase timeline
func (h *RunHistory) GetRun(id string) (*Run, error) {
	query := `
		SELECT id, status, started_at, ended_at, error_message,
		       test_data, test_results, analysis, fixes, deployment, validation
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(h.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "run %s", id)
		}
		return nil, err
	}

	if err := h.loadPhases(run); err != nil {
		return nil, err
	}

	return run, nil
}

// ListRuns retrieves the most recent runs, newest first
func (h *RunHistory) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := h.db.Query(`
		SELECT id, status, started_at, ended_at, error_message,
		       test_data, test_results, analysis, fixes, deployment, validation
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating runs")
	}

	for _, run := range runs {
		if err := h.loadPhases(run); err != nil {
			return nil, err
		}
	}

	return runs, nil
}

// CleanupOldRuns deletes runs (and their phases via CASCADE) older than the
// retention period. Returns the number of runs deleted.
//
// This implements TTL cleanup to prevent unbounded growth of the runs and
// run_phases tables.
func (h *RunHistory) CleanupOldRuns(retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)

	result, err := h.db.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old runs")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(deleted), nil
}

// CountRuns returns total and failed run counts, for operational stats
func (h *RunHistory) CountRuns() (total int, failed int, err error) {
	err = h.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(status = 'failed'), 0) FROM runs`).Scan(&total, &failed)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count runs")
	}
	return total, failed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status, startedAt string
	var endedAt, errorMessage sql.NullString
	var testData, testResults, analysis, fixes, deployment, validation sql.NullString

	err := row.Scan(
		&run.ID,
		&status,
		&startedAt,
		&endedAt,
		&errorMessage,
		&testData,
		&testResults,
		&analysis,
		&fixes,
		&deployment,
		&validation,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse started_at")
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse ended_at")
		}
		run.EndedAt = &t
	}
	if errorMessage.Valid {
		run.Error = errorMessage.String
	}

	if err := unmarshalOpt(testData, &run.TestData); err != nil {
		return nil, err
	}
	if testResults.Valid {
		if err := json.Unmarshal([]byte(testResults.String), &run.TestResults); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal result blob")
		}
	}
	if err := unmarshalOpt(analysis, &run.Analysis); err != nil {
		return nil, err
	}
	if err := unmarshalOpt(fixes, &run.Fixes); err != nil {
		return nil, err
	}
	if err := unmarshalOpt(deployment, &run.Deployment); err != nil {
		return nil, err
	}
	if err := unmarshalOpt(validation, &run.Validation); err != nil {
		return nil, err
	}

	return &run, nil
}

func (h *RunHistory) loadPhases(run *Run) error {
	rows, err := h.db.Query(`
		SELECT name, status, started_at, ended_at, error_message
		FROM run_phases
		WHERE run_id = ?
		ORDER BY seq ASC
	`, run.ID)
	if err != nil {
		return errors.Wrap(err, "failed to load phases")
	}
	defer rows.Close()

	for rows.Next() {
		var phase Phase
		var status, startedAt string
		var endedAt, errorMessage sql.NullString

		if err := rows.Scan(&phase.Name, &status, &startedAt, &endedAt, &errorMessage); err != nil {
			return errors.Wrap(err, "failed to scan phase")
		}

		phase.Status = PhaseStatus(status)
		phase.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return errors.Wrap(err, "failed to parse phase started_at")
		}
		if endedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, endedAt.String)
			if err != nil {
				return errors.Wrap(err, "failed to parse phase ended_at")
			}
			phase.EndedAt = &t
		}
		if errorMessage.Valid {
			phase.Error = errorMessage.String
		}

		run.Phases = append(run.Phases, phase)
	}

	return rows.Err()
}

// marshalOpt marshals a result blob, mapping nil pointers to SQL NULL
func marshalOpt[T any](v *T) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal result blob")
	}
	return string(b), nil
}

func unmarshalOpt(col sql.NullString, dest interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dest); err != nil {
		return errors.Wrap(err, "failed to unmarshal result blob")
	}
	return nil
}
