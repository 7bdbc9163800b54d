package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// ExecDataFactory generates fixtures by running a configured command. The
// scenario tag is passed in MENDER_SCENARIO and the command prints a fixtures
// JSON document on stdout.
type ExecDataFactory struct {
	cmdline string
	log     *zap.SugaredLogger
}

// NewExecDataFactory creates a factory. An empty command line yields a
// built-in synthetic fixture set instead of shelling out.
func NewExecDataFactory(cmdline string, log *zap.SugaredLogger) *ExecDataFactory {
	return &ExecDataFactory{cmdline: cmdline, log: log}
}

// Generate produces fixtures for the scenario
func (f *ExecDataFactory) Generate(ctx context.Context, scenarioTag string) (*orchestrator.Fixtures, error) {
	if f.cmdline == "" {
		f.log.Debugw("No generate command configured, using synthetic fixtures",
			"scenario", scenarioTag)
		return &orchestrator.Fixtures{
			Scenario:    scenarioTag,
			Count:       0,
			GeneratedAt: time.Now(),
		}, nil
	}

	out, err := runCommand(ctx, f.log, f.cmdline, nil, []string{"MENDER_SCENARIO=" + scenarioTag})
	if err != nil {
		return nil, errors.Wrap(err, "fixture generation failed")
	}

	var fixtures orchestrator.Fixtures
	if err := json.Unmarshal(out, &fixtures); err != nil {
		return nil, errors.Wrap(err, "failed to parse fixtures output")
	}

	if fixtures.Scenario == "" {
		fixtures.Scenario = scenarioTag
	}
	if fixtures.GeneratedAt.IsZero() {
		fixtures.GeneratedAt = time.Now()
	}

	return &fixtures, nil
}
