package monitor

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostSampler reads usage from the real host.
type HostSampler struct{}

func (HostSampler) Process(pid int) (float64, uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}
	cpuPct, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, memInfo.RSS, nil
}

func (HostSampler) Host(path string) (HostStats, error) {
	var stats HostStats

	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return stats, err
	}
	if len(pcts) > 0 {
		stats.CPUPercent = pcts[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return stats, err
	}
	stats.MemoryUsedBytes = vm.Used
	stats.MemoryTotalBytes = vm.Total

	du, err := disk.Usage(path)
	if err != nil {
		return stats, err
	}
	stats.DiskUsedBytes = du.Used
	stats.DiskTotalBytes = du.Total
	return stats, nil
}
