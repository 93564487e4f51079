package broadcast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/voyagen/channelvault/internal/models"
)

// ActiveJobsMessageType tags active job snapshots.
const ActiveJobsMessageType = "active_jobs_update"

// ActiveJobsMessage is the snapshot of every non-terminal job.
type ActiveJobsMessage struct {
	Type       string             `json:"type"`
	ActiveJobs []models.ActiveJob `json:"active_jobs"`
}

// ActiveJobLister lists non-terminal jobs. jobs.Coordinator implements it.
type ActiveJobLister interface {
	ActiveJobs(ctx context.Context) ([]models.ActiveJob, error)
}

// ActiveJobs produces an ActiveJobsMessage per tick.
func ActiveJobs(l ActiveJobLister) Producer {
	return func(ctx context.Context) (any, error) {
		active, err := l.ActiveJobs(ctx)
		if err != nil {
			return nil, err
		}
		if active == nil {
			active = []models.ActiveJob{}
		}
		return ActiveJobsMessage{Type: ActiveJobsMessageType, ActiveJobs: active}, nil
	}
}

// ResourceUsage is a point-in-time sample of host utilization.
type ResourceUsage struct {
	Time          string  `json:"time"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
}

const timeLayout = "2006-01-02 15:04:05"

// SampleResources reads CPU and memory utilization. CPU is measured since the
// previous call.
func SampleResources(ctx context.Context) (ResourceUsage, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("virtual memory: %w", err)
	}
	u := ResourceUsage{
		Time:          time.Now().Format(timeLayout),
		MemoryPercent: round2(vm.UsedPercent),
		MemoryUsedGB:  gigabytes(vm.Used),
		MemoryTotalGB: gigabytes(vm.Total),
	}
	if len(pct) > 0 {
		u.CPUPercent = round2(pct[0])
	}
	return u, nil
}

// Resources produces a ResourceUsage per tick.
func Resources() Producer {
	return func(ctx context.Context) (any, error) {
		return SampleResources(ctx)
	}
}

func gigabytes(b uint64) float64 {
	return round2(float64(b) / (1 << 30))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
