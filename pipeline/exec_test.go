package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/orchestrator"
)

var testLog = zap.NewNop().Sugar()

func TestRunCommandCapturesStdout(t *testing.T) {
	out, err := runCommand(context.Background(), testLog, `echo "hello world"`, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(out))
}

func TestRunCommandPassesStdinAndEnv(t *testing.T) {
	out, err := runCommand(context.Background(), testLog,
		`sh -c "cat; printf %s $GREETING"`,
		[]byte("in:"),
		[]string{"GREETING=env"})
	require.NoError(t, err)
	assert.Equal(t, "in:env", string(out))
}

func TestRunCommandSurfacesStderr(t *testing.T) {
	_, err := runCommand(context.Background(), testLog, `sh -c "echo broken >&2; exit 3"`, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestRunCommandRejectsMalformedLine(t *testing.T) {
	_, err := runCommand(context.Background(), testLog, `echo "unterminated`, nil, nil)
	require.Error(t, err)
}

func TestRunCommandHonorsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := runCommand(ctx, testLog, "sleep 5", nil, nil)
	require.Error(t, err)
}

func TestExecDataFactoryFallback(t *testing.T) {
	factory := NewExecDataFactory("", testLog)

	fixtures, err := factory.Generate(context.Background(), "load-spike")
	require.NoError(t, err)
	assert.Equal(t, "load-spike", fixtures.Scenario)
	assert.False(t, fixtures.GeneratedAt.IsZero())
}

func TestExecDataFactoryParsesOutput(t *testing.T) {
	factory := NewExecDataFactory(`sh -c 'printf "{\"scenario\":\"$MENDER_SCENARIO\",\"count\":7}"'`, testLog)

	fixtures, err := factory.Generate(context.Background(), "smoke")
	require.NoError(t, err)
	assert.Equal(t, "smoke", fixtures.Scenario)
	assert.Equal(t, 7, fixtures.Count)
	assert.False(t, fixtures.GeneratedAt.IsZero())
}

func TestExecTestRunnerParsesRecords(t *testing.T) {
	runner := NewExecTestRunner(`echo '[{"name":"t1","status":"pass"},{"name":"t2","status":"fail","error":"nope"}]'`, testLog)

	records, err := runner.Run(context.Background(), &orchestrator.Fixtures{Scenario: "default"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, orchestrator.TestStatusFail, records[1].Status)
}

func TestExecTestRunnerAcceptsFailingExitWithRecords(t *testing.T) {
	runner := NewExecTestRunner(`sh -c 'echo "[{\"name\":\"t1\",\"status\":\"fail\"}]"; exit 1'`, testLog)

	records, err := runner.Run(context.Background(), &orchestrator.Fixtures{})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestExecTestRunnerErrorsWithoutRecords(t *testing.T) {
	runner := NewExecTestRunner(`sh -c "exit 2"`, testLog)

	_, err := runner.Run(context.Background(), &orchestrator.Fixtures{})
	require.Error(t, err)
}

func TestExecCodeCorrectorFallback(t *testing.T) {
	corrector := NewExecCodeCorrector("", testLog)

	result, err := corrector.Apply(context.Background(), &orchestrator.Diagnosis{FailedTests: 1})
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	assert.Empty(t, result.Failed)
}

func TestExecCodeCorrectorParsesResult(t *testing.T) {
	corrector := NewExecCodeCorrector(`echo '{"applied":[{"id":"fix-1","target":"svc"}],"failed":[]}'`, testLog)

	result, err := corrector.Apply(context.Background(), &orchestrator.Diagnosis{FailedTests: 1})
	require.NoError(t, err)
	require.Len(t, result.Applied, 1)
	assert.Equal(t, "fix-1", result.Applied[0].ID)
}

func TestExecDeployerDryRun(t *testing.T) {
	deployer := NewExecDeployer("", testLog)

	deployment, err := deployer.Deploy(context.Background(),
		[]orchestrator.Correction{{ID: "fix-1"}}, []string{"staging"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.DeploymentSucceeded, deployment.Status)
	assert.Equal(t, []string{"staging"}, deployment.Targets)
	assert.NotEmpty(t, deployment.ID)
}

func TestExecDeployerFailure(t *testing.T) {
	deployer := NewExecDeployer(`sh -c "exit 1"`, testLog)

	deployment, err := deployer.Deploy(context.Background(), nil, []string{"staging"})
	require.Error(t, err)
	require.NotNil(t, deployment)
	assert.Equal(t, orchestrator.DeploymentFailed, deployment.Status)
}

func TestExecValidatorPassAndFail(t *testing.T) {
	passing := NewExecValidator("true", testLog)
	result, err := passing.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Passed)

	failing := NewExecValidator("false", testLog)
	result, err = failing.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.NotEmpty(t, result.Findings)
}
