package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestResourceGuardCheck(t *testing.T) {
	guard := NewResourceGuard("/", zap.NewNop().Sugar())

	snapshot := guard.Check(context.Background())
	assert.False(t, snapshot.SampledAt.IsZero())

	if !snapshot.Degraded {
		assert.GreaterOrEqual(t, snapshot.MemoryUsedPct, 0.0)
		assert.LessOrEqual(t, snapshot.MemoryUsedPct, 100.0)
		assert.GreaterOrEqual(t, snapshot.DiskUsedPct, 0.0)
		assert.LessOrEqual(t, snapshot.DiskUsedPct, 100.0)
	}
}

func TestResourceGuardDegradedOnBadMount(t *testing.T) {
	guard := NewResourceGuard("/definitely/not/a/mount", zap.NewNop().Sugar())

	snapshot := guard.Check(context.Background())
	assert.True(t, snapshot.Degraded)
}

func TestSnapshotSample(t *testing.T) {
	snapshot := ResourceSnapshot{MemoryUsedPct: 10, DiskUsedPct: 20, CPUUsedPct: 30}
	sample := snapshot.Sample()
	assert.Equal(t, 10.0, sample.MemoryUsedPct)
	assert.Equal(t, 20.0, sample.DiskUsedPct)
	assert.Equal(t, 30.0, sample.CPUUsedPct)
}
