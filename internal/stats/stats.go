// Package stats turns cumulative runtime counter readings into CPU and
// memory usage.
package stats

import (
	"math"
	"time"
)

const bytesPerMB = 1024 * 1024

// Snapshot is a single cumulative counter reading for one container.
type Snapshot struct {
	ContainerID string    `json:"container_id"`
	Seq         uint64    `json:"seq"` // arrival order within a subscription
	Read        time.Time `json:"read"`

	CPUTotalUsage  uint64 `json:"cpu_total_usage"`
	SystemCPUUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs     uint32 `json:"online_cpus"`
	MemUsageBytes  uint64 `json:"mem_usage_bytes"`
	MemCacheBytes  uint64 `json:"mem_cache_bytes"`
}

// Usage is the instantaneous resource usage derived from two snapshots.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Apply converts the previous and current cumulative readings into Usage.
// It never returns NaN, Inf or negative values; anything malformed reads as 0.
// A nil previous snapshot yields zero CPU since no rate can be derived.
func Apply(prev *Snapshot, cur Snapshot) Usage {
	return Usage{
		CPUPercent: cpuPercent(prev, cur),
		MemoryMB:   memoryMB(cur),
	}
}

func cpuPercent(prev *Snapshot, cur Snapshot) float64 {
	if prev == nil || cur.OnlineCPUs == 0 {
		return 0
	}
	if cur.SystemCPUUsage <= prev.SystemCPUUsage || cur.CPUTotalUsage <= prev.CPUTotalUsage {
		return 0
	}
	cpuDelta := float64(cur.CPUTotalUsage - prev.CPUTotalUsage)
	systemDelta := float64(cur.SystemCPUUsage - prev.SystemCPUUsage)
	ceiling := float64(cur.OnlineCPUs) * 100.0
	p := (cpuDelta / systemDelta) * ceiling
	switch {
	case math.IsNaN(p) || math.IsInf(p, 0) || p < 0:
		return 0
	case p > ceiling:
		return ceiling
	}
	return p
}

// memoryMB excludes page cache, which is reclaimable and not process memory.
func memoryMB(cur Snapshot) float64 {
	if cur.MemUsageBytes <= cur.MemCacheBytes {
		return 0
	}
	return float64(cur.MemUsageBytes-cur.MemCacheBytes) / bytesPerMB
}
