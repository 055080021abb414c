// Package monitor samples host utilization and gates task admission on it.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Sample is a point-in-time utilization read. Only CPUPercent and
// MemoryPercent drive admission; the rest is informational.
type Sample struct {
	At            time.Time
	CPUPercent    float64
	MemoryPercent float64

	CPUCount    int
	MemoryUsed  uint64
	MemoryTotal uint64
	DiskPercent float64
	NetSent     uint64
	NetRecv     uint64

	Goroutines int
	HeapInuse  uint64
}

// Sampler reads system-wide utilization. Sample has no side effects beyond
// the sampler's own bookkeeping.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Sample, error)

func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// HostSampler reads the host through gopsutil.
type HostSampler struct {
	// DiskPath is the mount point reported as DiskPercent. Default "/".
	DiskPath string
}

func NewHostSampler() *HostSampler { return &HostSampler{DiskPath: "/"} }

// Sample returns an error when CPU or memory cannot be read. Disk and
// network failures leave their fields zero.
func (h *HostSampler) Sample(ctx context.Context) (Sample, error) {
	s := Sample{At: time.Now(), Goroutines: runtime.NumGoroutine()}

	// Zero interval: utilization since the previous call.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return s, fmt.Errorf("cpu percent: no data")
	}
	s.CPUPercent = clampPercent(pct[0])

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("virtual memory: %w", err)
	}
	s.MemoryPercent = clampPercent(vm.UsedPercent)
	s.MemoryUsed = vm.Used
	s.MemoryTotal = vm.Total

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		s.CPUCount = n
	} else {
		s.CPUCount = runtime.NumCPU()
	}
	path := h.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.UsageWithContext(ctx, path); err == nil {
		s.DiskPercent = du.UsedPercent
	}
	if io, err := net.IOCountersWithContext(ctx, false); err == nil && len(io) > 0 {
		s.NetSent = io[0].BytesSent
		s.NetRecv = io[0].BytesRecv
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.HeapInuse = ms.HeapInuse
	return s, nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
