package orchestrator

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceSnapshot is a point-in-time view of system resource pressure.
// Degraded is set when the underlying OS query failed; the coordinator
// treats degraded snapshots as "assume safe" so a monitoring failure alone
// never starves the pipeline.
type ResourceSnapshot struct {
	MemoryUsedPct float64   `json:"memory_used_pct"`
	DiskUsedPct   float64   `json:"disk_used_pct"`
	CPUUsedPct    float64   `json:"cpu_used_pct"`
	Degraded      bool      `json:"degraded"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sample converts the snapshot into a rolling-metrics sample
func (s ResourceSnapshot) Sample() ResourceSample {
	return ResourceSample{
		MemoryUsedPct: s.MemoryUsedPct,
		DiskUsedPct:   s.DiskUsedPct,
		CPUUsedPct:    s.CPUUsedPct,
	}
}

// ResourceGuard answers "is it safe to start a run" with point-in-time
// system metrics. It is stateless with respect to the pipeline; the
// admission policy (ceilings) is owned by the coordinator.
type ResourceGuard struct {
	diskPath string
	log      *zap.SugaredLogger
}

// NewResourceGuard creates a guard sampling the given disk mount point
func NewResourceGuard(diskPath string, log *zap.SugaredLogger) *ResourceGuard {
	if diskPath == "" {
		diskPath = "/"
	}
	return &ResourceGuard{diskPath: diskPath, log: log}
}

// Check samples current resource usage. It never returns an error: a failed
// OS query yields a degraded snapshot instead, logged at warn.
func (g *ResourceGuard) Check(ctx context.Context) ResourceSnapshot {
	snapshot := ResourceSnapshot{SampledAt: time.Now()}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		g.warnDegraded("memory", err)
		snapshot.Degraded = true
	} else {
		snapshot.MemoryUsedPct = vm.UsedPercent
	}

	du, err := disk.UsageWithContext(ctx, g.diskPath)
	if err != nil {
		g.warnDegraded("disk", err)
		snapshot.Degraded = true
	} else {
		snapshot.DiskUsedPct = du.UsedPercent
	}

	// Interval 0 compares against the previous call instead of blocking
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		g.warnDegraded("cpu", err)
		snapshot.Degraded = true
	} else {
		snapshot.CPUUsedPct = percents[0]
	}

	return snapshot
}

func (g *ResourceGuard) warnDegraded(subsystem string, err error) {
	if g.log != nil {
		g.log.Warnw("Resource guard query failed, snapshot degraded",
			"subsystem", subsystem,
			"error", err)
	}
}
