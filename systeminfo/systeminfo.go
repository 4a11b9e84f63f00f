package systeminfo

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// Seams for tests.
var (
	diskUsage = disk.UsageWithContext
	hostInfo  = host.InfoWithContext
)

type DiskSpace struct {
	Path        string  `json:"path"`
	TotalMB     uint64  `json:"total_mb"`
	FreeMB      uint64  `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
}

type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	UptimeSeconds   uint64 `json:"uptime_seconds,omitempty"`
}

type ProcessInfo struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	OpenFiles  int32   `json:"open_files,omitempty"`
	Threads    int32   `json:"threads,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	Goroutines int     `json:"goroutines"`
}

// Disk reports capacity of the filesystem holding path.
func Disk(ctx context.Context, path string) (DiskSpace, error) {
	usage, err := diskUsage(ctx, path)
	if err != nil {
		return DiskSpace{}, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return DiskSpace{
		Path:        path,
		TotalMB:     usage.Total / bytesPerMB,
		FreeMB:      usage.Free / bytesPerMB,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// FreeSpaceMB returns the space available on the filesystem holding path.
func FreeSpaceMB(ctx context.Context, path string) (uint64, error) {
	d, err := Disk(ctx, path)
	if err != nil {
		return 0, err
	}
	return d.FreeMB, nil
}

// Host gathers host facts. A failing probe still yields the hostname.
func Host(ctx context.Context) (*HostInfo, error) {
	info := &HostInfo{OS: runtime.GOOS}
	if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}
	h, err := hostInfo(ctx)
	if err != nil {
		return info, fmt.Errorf("host info: %w", err)
	}
	if h.Hostname != "" {
		info.Hostname = h.Hostname
	}
	info.Platform = h.Platform
	info.PlatformVersion = h.PlatformVersion
	info.KernelVersion = h.KernelVersion
	info.UptimeSeconds = h.Uptime
	return info, nil
}

// Self samples resource usage of the running process. Fields the platform
// cannot report are left zero.
func Self(ctx context.Context) ProcessInfo {
	pi := ProcessInfo{PID: int32(os.Getpid()), Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcessWithContext(ctx, pi.PID)
	if err != nil {
		return pi
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		pi.RSSBytes = mem.RSS
	}
	if n, err := p.NumFDsWithContext(ctx); err == nil {
		pi.OpenFiles = n
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		pi.Threads = n
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		pi.CPUPercent = cpu
	}
	return pi
}
