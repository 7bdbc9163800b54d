package pipeline

import (
	"context"
	"encoding/json"
	"os/exec"

	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// ExecTestRunner runs test suites by shelling out. Fixtures are provided as
// JSON on stdin and the command prints a test-record array on stdout.
//
// Test commands conventionally exit non-zero when tests fail; that is data,
// not an executor error, so a non-zero exit with parseable records on stdout
// still succeeds.
type ExecTestRunner struct {
	cmdline string
	log     *zap.SugaredLogger
}

// NewExecTestRunner creates a runner. An empty command line reports an empty
// passing suite.
func NewExecTestRunner(cmdline string, log *zap.SugaredLogger) *ExecTestRunner {
	return &ExecTestRunner{cmdline: cmdline, log: log}
}

// Run executes the suite against the fixtures
func (r *ExecTestRunner) Run(ctx context.Context, fixtures *orchestrator.Fixtures) ([]orchestrator.TestRecord, error) {
	if r.cmdline == "" {
		r.log.Debugw("No test command configured, reporting empty suite")
		return []orchestrator.TestRecord{}, nil
	}

	stdin, err := json.Marshal(fixtures)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal fixtures")
	}

	out, runErr := runCommand(ctx, r.log, r.cmdline, stdin, nil)

	var records []orchestrator.TestRecord
	if len(out) > 0 {
		if err := json.Unmarshal(out, &records); err == nil {
			if runErr != nil {
				var exitErr *exec.ExitError
				if !errors.As(runErr, &exitErr) {
					return nil, runErr
				}
				r.log.Debugw("Test command exited non-zero with parseable records",
					"records", len(records))
			}
			return records, nil
		}
	}

	if runErr != nil {
		return nil, errors.Wrap(runErr, "test execution failed")
	}
	return nil, errors.Newf("test command produced no parseable records")
}
