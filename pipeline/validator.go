package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/orchestrator"
)

// ExecValidator smoke-checks the system by shelling out. Exit status decides
// pass/fail; any output lines become findings.
type ExecValidator struct {
	cmdline string
	log     *zap.SugaredLogger
}

// NewExecValidator creates a validator. An empty command line always passes.
func NewExecValidator(cmdline string, log *zap.SugaredLogger) *ExecValidator {
	return &ExecValidator{cmdline: cmdline, log: log}
}

// Validate runs the smoke check
func (v *ExecValidator) Validate(ctx context.Context) (*orchestrator.ValidationResult, error) {
	result := &orchestrator.ValidationResult{
		Passed:    true,
		CheckedAt: time.Now(),
	}

	if v.cmdline == "" {
		v.log.Debugw("No validate command configured, passing")
		return result, nil
	}

	out, err := runCommand(ctx, v.log, v.cmdline, nil, nil)
	result.Findings = splitFindings(out)

	if err != nil {
		result.Passed = false
		result.Findings = append(result.Findings, err.Error())
	}

	v.log.Infow("Validation finished",
		"passed", result.Passed,
		"findings", len(result.Findings))

	return result, nil
}

func splitFindings(out []byte) []string {
	var findings []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			findings = append(findings, line)
		}
	}
	return findings
}
