package pipeline

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/orchestrator"
)

// ThresholdAnalyzer grades test records by failure count. It runs in-process;
// analysis is cheap enough that shelling out buys nothing.
type ThresholdAnalyzer struct {
	highRiskFailed int
	log            *zap.SugaredLogger
}

// NewThresholdAnalyzer creates an analyzer. highRiskFailed is the failed-test
// count at which the diagnosis escalates to high risk.
func NewThresholdAnalyzer(highRiskFailed int, log *zap.SugaredLogger) *ThresholdAnalyzer {
	if highRiskFailed <= 0 {
		highRiskFailed = 5
	}
	return &ThresholdAnalyzer{highRiskFailed: highRiskFailed, log: log}
}

// analysisReport is the structured report attached to the diagnosis
type analysisReport struct {
	FailingTests []string `json:"failing_tests,omitempty"`
}

// Analyze grades the records:
//   - no failures: low
//   - below the high-risk threshold: medium
//   - at or above the threshold: high
//   - every test failed (non-empty suite): critical
func (a *ThresholdAnalyzer) Analyze(ctx context.Context, records []orchestrator.TestRecord) (*orchestrator.Diagnosis, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "analysis cancelled")
	}

	var failing []string
	for _, r := range records {
		if r.Status == orchestrator.TestStatusFail {
			failing = append(failing, r.Name)
		}
	}

	risk := orchestrator.RiskLow
	switch {
	case len(failing) == 0:
	case len(records) > 0 && len(failing) == len(records):
		risk = orchestrator.RiskCritical
	case len(failing) >= a.highRiskFailed:
		risk = orchestrator.RiskHigh
	default:
		risk = orchestrator.RiskMedium
	}

	report, err := json.Marshal(analysisReport{FailingTests: failing})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal analysis report")
	}

	a.log.Infow("Test records analyzed",
		"total", len(records),
		"failed", len(failing),
		"risk", risk)

	return &orchestrator.Diagnosis{
		FailedTests: len(failing),
		TotalTests:  len(records),
		RiskLevel:   risk,
		Report:      report,
	}, nil
}
