package proctable

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// NativeLister walks the process table directly instead of parsing ps
// output. Processes that vanish mid-walk are skipped.
type NativeLister struct{}

// ListMatchingPIDs implements Lister, matching fragment against each
// process's command line, or its name when the command line is unreadable.
func (NativeLister) ListMatchingPIDs(ctx context.Context, fragment string) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListFailed, err)
	}

	self := os.Getpid()
	var pids []int
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self {
			continue
		}
		line, err := p.CmdlineWithContext(ctx)
		if err != nil || line == "" {
			if line, err = p.NameWithContext(ctx); err != nil {
				continue
			}
		}
		if strings.Contains(line, fragment) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// Stats is a resource snapshot of one process.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
	Status     string  `json:"status,omitempty"`
}

// Inspect collects resource usage for pid. Individual counters that cannot
// be read are left zero.
func Inspect(ctx context.Context, pid int) (Stats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // PIDs fit in int32 on supported platforms
	if err != nil {
		return Stats{}, fmt.Errorf("inspecting pid %d: %w", pid, err)
	}

	stats := Stats{PID: pid}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = n
	}
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
		stats.Status = st[0]
	}
	return stats, nil
}

// Alive reports whether a process with pid exists. EPERM means it exists
// but belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
