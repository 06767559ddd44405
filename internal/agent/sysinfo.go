package agent

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/sxhxliang/frpx/internal/protocol"
)

// CollectSystemInfo returns a snapshot of current host resource usage.
// Values are percentages (0 to 100). Individual probe failures leave their
// field at zero rather than failing the whole snapshot; a partially filled
// report is still worth sending.
func CollectSystemInfo(ctx context.Context) *protocol.SystemInfo {
	info := &protocol.SystemInfo{}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		info.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		info.DiskPercent = du.UsedPercent
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	return info
}

// MachineID returns a stable identifier for this host, used as the default
// client id when none is configured. Falls back to the hostname when the
// platform has no machine id.
func MachineID(ctx context.Context) string {
	if id, err := host.HostIDWithContext(ctx); err == nil && id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "unknown"
}
