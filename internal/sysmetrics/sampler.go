// Package sysmetrics samples host resource usage for heartbeats.
package sysmetrics

import (
	"math"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

const (
	mib = 1 << 20
	gb  = 1e9
)

// Sampler reads a snapshot of host metrics. Individual probe failures leave
// the corresponding fields zero.
type Sampler struct {
	diskPath string
}

func NewSampler() *Sampler {
	path := "/"
	if runtime.GOOS == "windows" {
		path = "C:\\"
	}
	return &Sampler{diskPath: path}
}

// Sample never blocks on CPU measurement; the first call after start
// reports the usage since boot.
func (s *Sampler) Sample() *model.SystemMetrics {
	m := &model.SystemMetrics{Goroutines: runtime.NumGoroutine()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = round1(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = round1(vm.UsedPercent)
		m.MemoryUsedMB = vm.Used / mib
		m.MemoryTotalMB = vm.Total / mib
	}
	if du, err := disk.Usage(s.diskPath); err == nil {
		m.DiskUsedGB = round1(float64(du.Used) / gb)
		m.DiskTotalGB = round1(float64(du.Total) / gb)
	}
	if avg, err := load.Avg(); err == nil {
		m.LoadAverage = round1(avg.Load1)
	}
	if up, err := host.Uptime(); err == nil {
		m.UptimeSec = up
	}
	return m
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
