package pipeline

import (
	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/config"
	"github.com/halcyonlabs/mender/orchestrator"
)

// New wires the reference collaborators from the pipeline config section
func New(cfg config.PipelineConfig, log *zap.SugaredLogger) orchestrator.Collaborators {
	return orchestrator.Collaborators{
		DataFactory: NewExecDataFactory(cfg.GenerateCmd, log),
		Executor:    NewExecTestRunner(cfg.TestCmd, log),
		Analyzer:    NewThresholdAnalyzer(cfg.HighRiskFailed, log),
		Corrector:   NewExecCodeCorrector(cfg.FixCmd, log),
		Deployer:    NewExecDeployer(cfg.DeployCmd, log),
		Validator:   NewExecValidator(cfg.ValidateCmd, log),
	}
}
