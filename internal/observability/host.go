package observability

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot is a point-in-time view of the machine the hub runs on.
type HostSnapshot struct {
	CPUPercent           float64       `json:"cpu_percent"`
	MemoryUsedPercent    float64       `json:"memory_used_percent"`
	MemoryAvailableBytes uint64        `json:"memory_available_bytes"`
	Disk                 *DiskSnapshot `json:"disk,omitempty"`
}

// DiskSnapshot describes the filesystem holding one path.
type DiskSnapshot struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

var dataDirFree = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sensorhub",
		Subsystem: "host",
		Name:      "data_dir_free_bytes",
		Help:      "Free bytes on the filesystem holding the transfer data directory.",
	},
)

// CollectHost samples CPU, memory and, when dataDir is set, the filesystem
// under it. Probes that fail are left zero and reported in the joined error.
func CollectHost(ctx context.Context, dataDir string) (HostSnapshot, error) {
	RegisterMetrics()
	var snap HostSnapshot
	var errs []error

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		snap.MemoryUsedPercent = vm.UsedPercent
		snap.MemoryAvailableBytes = vm.Available
	}

	if dataDir != "" {
		if usage, err := disk.UsageWithContext(ctx, dataDir); err != nil {
			errs = append(errs, fmt.Errorf("disk %s: %w", dataDir, err))
		} else {
			snap.Disk = &DiskSnapshot{
				Path:        dataDir,
				TotalBytes:  usage.Total,
				FreeBytes:   usage.Free,
				UsedPercent: usage.UsedPercent,
			}
			dataDirFree.Set(float64(usage.Free))
		}
	}
	return snap, errors.Join(errs...)
}
