package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/orchestrator"
)

func records(statuses ...orchestrator.TestStatus) []orchestrator.TestRecord {
	var out []orchestrator.TestRecord
	for i, s := range statuses {
		out = append(out, orchestrator.TestRecord{
			Name:   string(rune('a' + i)),
			Status: s,
		})
	}
	return out
}

func TestAnalyzeRiskGrading(t *testing.T) {
	pass := orchestrator.TestStatusPass
	fail := orchestrator.TestStatusFail
	analyzer := NewThresholdAnalyzer(3, zap.NewNop().Sugar())

	tests := []struct {
		name    string
		records []orchestrator.TestRecord
		failed  int
		risk    orchestrator.RiskLevel
	}{
		{"empty suite", nil, 0, orchestrator.RiskLow},
		{"all passing", records(pass, pass, pass), 0, orchestrator.RiskLow},
		{"below threshold", records(pass, fail, pass), 1, orchestrator.RiskMedium},
		{"at threshold", records(fail, fail, fail, pass), 3, orchestrator.RiskHigh},
		{"everything failing", records(fail, fail), 2, orchestrator.RiskCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diagnosis, err := analyzer.Analyze(context.Background(), tt.records)
			require.NoError(t, err)
			assert.Equal(t, tt.failed, diagnosis.FailedTests)
			assert.Equal(t, len(tt.records), diagnosis.TotalTests)
			assert.Equal(t, tt.risk, diagnosis.RiskLevel)
		})
	}
}

func TestAnalyzeReportListsFailingTests(t *testing.T) {
	analyzer := NewThresholdAnalyzer(5, zap.NewNop().Sugar())

	diagnosis, err := analyzer.Analyze(context.Background(), []orchestrator.TestRecord{
		{Name: "keeps", Status: orchestrator.TestStatusPass},
		{Name: "breaks", Status: orchestrator.TestStatusFail},
	})
	require.NoError(t, err)

	var report analysisReport
	require.NoError(t, json.Unmarshal(diagnosis.Report, &report))
	assert.Equal(t, []string{"breaks"}, report.FailingTests)
}

func TestAnalyzeHonorsCancellation(t *testing.T) {
	analyzer := NewThresholdAnalyzer(5, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := analyzer.Analyze(ctx, nil)
	require.Error(t, err)
}
