package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// deployRequest is the JSON document passed to the deploy command on stdin
type deployRequest struct {
	Corrections []orchestrator.Correction `json:"corrections"`
	Targets     []string                  `json:"targets"`
}

// ExecDeployer pushes corrections by shelling out. The request is provided as
// JSON on stdin; the command may print a deployment document on stdout, and a
// clean exit with no output is reported as a successful deployment.
type ExecDeployer struct {
	cmdline string
	log     *zap.SugaredLogger
}

// NewExecDeployer creates a deployer. An empty command line reports success
// without deploying anywhere, for dry-run setups.
func NewExecDeployer(cmdline string, log *zap.SugaredLogger) *ExecDeployer {
	return &ExecDeployer{cmdline: cmdline, log: log}
}

// Deploy pushes applied corrections to the target environments
func (d *ExecDeployer) Deploy(ctx context.Context, corrections []orchestrator.Correction, targets []string) (*orchestrator.Deployment, error) {
	started := time.Now()
	deployment := &orchestrator.Deployment{
		ID:      "deploy_" + uuid.New().String(),
		Status:  orchestrator.DeploymentSucceeded,
		Targets: targets,
	}

	if d.cmdline == "" {
		d.log.Infow("No deploy command configured, reporting dry-run success",
			"corrections", len(corrections),
			"targets", targets)
		deployment.Duration = time.Since(started)
		return deployment, nil
	}

	stdin, err := json.Marshal(deployRequest{Corrections: corrections, Targets: targets})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal deploy request")
	}

	out, runErr := runCommand(ctx, d.log, d.cmdline, stdin, nil)
	deployment.Duration = time.Since(started)

	if runErr != nil {
		deployment.Status = orchestrator.DeploymentFailed
		return deployment, errors.Wrap(runErr, "deployment failed")
	}

	if len(out) > 0 {
		var reported orchestrator.Deployment
		if err := json.Unmarshal(out, &reported); err != nil {
			return nil, errors.Wrap(err, "failed to parse deployment output")
		}
		if reported.ID != "" {
			deployment.ID = reported.ID
		}
		if reported.Status != "" {
			deployment.Status = reported.Status
		}
	}

	d.log.Infow("Deployment finished",
		"deployment_id", deployment.ID,
		"status", deployment.Status,
		"duration_ms", deployment.Duration.Milliseconds())

	return deployment, nil
}

// Rollback re-invokes the deploy command with MENDER_ROLLBACK set to the
// deployment id
func (d *ExecDeployer) Rollback(ctx context.Context, deploymentID string) error {
	if d.cmdline == "" {
		d.log.Infow("No deploy command configured, rollback is a no-op",
			"deployment_id", deploymentID)
		return nil
	}

	_, err := runCommand(ctx, d.log, d.cmdline, nil, []string{"MENDER_ROLLBACK=" + deploymentID})
	if err != nil {
		return errors.Wrapf(err, "rollback of %s failed", deploymentID)
	}

	d.log.Infow("Rollback finished", "deployment_id", deploymentID)
	return nil
}
