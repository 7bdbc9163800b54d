package pipeline

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// ExecCodeCorrector applies fixes by shelling out. The diagnosis is provided
// as JSON on stdin and the command prints a correction-result document on
// stdout.
type ExecCodeCorrector struct {
	cmdline string
	log     *zap.SugaredLogger
}

// NewExecCodeCorrector creates a corrector. An empty command line applies
// nothing, which leaves the run with no deployable corrections.
func NewExecCodeCorrector(cmdline string, log *zap.SugaredLogger) *ExecCodeCorrector {
	return &ExecCodeCorrector{cmdline: cmdline, log: log}
}

// Apply turns the diagnosis into applied corrections
func (c *ExecCodeCorrector) Apply(ctx context.Context, diagnosis *orchestrator.Diagnosis) (*orchestrator.CorrectionResult, error) {
	if c.cmdline == "" {
		c.log.Debugw("No fix command configured, applying nothing")
		return &orchestrator.CorrectionResult{}, nil
	}

	stdin, err := json.Marshal(diagnosis)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal diagnosis")
	}

	out, err := runCommand(ctx, c.log, c.cmdline, stdin, nil)
	if err != nil {
		return nil, errors.Wrap(err, "fix application failed")
	}

	var result orchestrator.CorrectionResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, errors.Wrap(err, "failed to parse correction output")
	}

	c.log.Infow("Corrections applied",
		"applied", len(result.Applied),
		"failed", len(result.Failed))

	return &result, nil
}
