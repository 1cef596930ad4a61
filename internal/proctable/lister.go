package proctable

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/stsupervisor/internal/shell"
)

// Listing commands. Both print the PID in the second column.
const (
	// DefaultListCommand works with procps and busybox ps.
	DefaultListCommand = "ps -A -o user=,pid=,args="

	// ToyboxListCommand is the plain listing on toybox-based hosts
	// (USER PID PPID VSZ RSS WCHAN ADDR S NAME).
	ToyboxListCommand = "ps -A"
)

// pidField is the zero-based column holding the PID.
const pidField = 1

// ErrListFailed is returned when the process table could not be read.
var ErrListFailed = errors.New("process listing failed")

// Lister finds the PIDs of processes whose listing matches a fragment.
type Lister interface {
	ListMatchingPIDs(ctx context.Context, fragment string) ([]int, error)
}

// ShellRunner runs command text through a shell.
type ShellRunner interface {
	Run(ctx context.Context, text string) shell.Result
}

// ShellLister lists processes by running a ps command through a shell and
// filtering its output.
type ShellLister struct {
	runner  ShellRunner
	command string
}

// NewShellLister creates a ShellLister. An empty command selects
// DefaultListCommand.
func NewShellLister(runner ShellRunner, command string) *ShellLister {
	if command == "" {
		command = DefaultListCommand
	}
	return &ShellLister{runner: runner, command: command}
}

// ListMatchingPIDs implements Lister. Lines that contain fragment but do not
// carry an integer in the PID column are skipped.
func (l *ShellLister) ListMatchingPIDs(ctx context.Context, fragment string) ([]int, error) {
	res := l.runner.Run(ctx, l.command)
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: %q exited %d: %s",
			ErrListFailed, l.command, res.ExitCode, strings.Join(res.Lines, "; "))
	}
	return MatchPIDs(res.Lines, fragment), nil
}

// MatchPIDs filters listing lines by fragment and extracts their PIDs.
func MatchPIDs(lines []string, fragment string) []int {
	var pids []int
	for _, line := range lines {
		if !strings.Contains(line, fragment) {
			continue
		}
		if pid, ok := ParsePSLine(line); ok {
			pids = append(pids, pid)
		}
	}
	return pids
}

// ParsePSLine extracts the PID from the second whitespace-separated column.
func ParsePSLine(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) <= pidField {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[pidField])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
