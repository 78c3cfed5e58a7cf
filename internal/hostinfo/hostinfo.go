// Package hostinfo identifies the worker and reports its load.
package hostinfo

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Identity returns the worker identity written into claims: override when
// set, the hostname otherwise.
func Identity(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname, nil
	}

	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to resolve hostname: %w", err)
	}
	return name, nil
}

// Stats is a point-in-time view of the worker host.
type Stats struct {
	Hostname      string  `json:"hostname"`
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Load1         float64 `json:"load1"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// Collect samples host stats. Metrics that cannot be read on the current
// platform are left at zero.
func Collect(ctx context.Context) (Stats, error) {
	var stats Stats

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to read host info: %w", err)
	}
	stats.Hostname = info.Hostname
	stats.UptimeSeconds = info.Uptime

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCount = n
	}
	if pct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
	}

	return stats, nil
}
