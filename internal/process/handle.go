package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// signalExitBase is added to the signal number for signal-terminated
// children, matching shell convention.
const signalExitBase = 128

// maxLineBytes bounds a single daemon output line.
const maxLineBytes = 1024 * 1024

// RunResult is the outcome of one daemon run.
type RunResult struct {
	// ExitCode is the observed exit status; 0 if none was observed.
	ExitCode int `json:"exit_code"`

	// Lines is the ordered output plus any error entries.
	Lines []string `json:"lines"`

	// Err is nil for a run that exited on its own, whatever its code.
	Err error `json:"-"`

	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the run lasted.
func (r RunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Handle tracks one live child process.
type Handle struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	release func()
	logger  Logger

	mu     sync.Mutex
	lines  []string
	result RunResult

	done chan struct{}
}

// PID returns the child's process ID.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the child was spawned.
func (h *Handle) StartedAt() time.Time { return h.started }

// Done is closed once the child has been reaped and its output drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Lines returns a snapshot of the output read so far.
func (h *Handle) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.lines))
	copy(out, h.lines)
	return out
}

// Signal delivers sig to the child only.
func (h *Handle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// Interrupt delivers SIGINT to the child's whole process group.
func (h *Handle) Interrupt() error {
	err := unix.Kill(-h.pid, unix.SIGINT)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// Wait blocks until the child has exited or ctx is done. On cancellation
// the returned result carries ErrInterruptedWait and the output so far, and
// the multicast capability is released. The child is left running and
// still reaped in the background.
func (h *Handle) Wait(ctx context.Context) RunResult {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result
	case <-ctx.Done():
	}

	err := fmt.Errorf("%w: %w", ErrInterruptedWait, ctx.Err())
	h.logger.Warn("stopped waiting for daemon", "pid", h.pid, "error", err)
	h.release()

	lines := h.Lines()
	lines = append(lines, fmt.Sprintf("daemon run failed: %v", err))
	return RunResult{
		ExitCode:   0,
		Lines:      lines,
		Err:        err,
		PID:        h.pid,
		StartedAt:  h.started,
		FinishedAt: time.Now(),
	}
}

func (h *Handle) appendLine(line string) {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.mu.Unlock()
}

// reap drains output and waits for the child, then publishes the result.
func (h *Handle) reap(pr *os.File, emit func(string), drain time.Duration) {
	defer close(h.done)
	defer h.release()

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			h.appendLine(line)
			emit(line)
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
			msg := fmt.Sprintf("failed to read daemon output: %v", err)
			h.logger.Warn("failed to read daemon output", "pid", h.pid, "error", err)
			h.appendLine(msg)
			emit(msg)
		}
	}()

	waitErr := h.cmd.Wait()

	select {
	case <-scanned:
	case <-time.After(drain):
		h.logger.Debug("output still open after exit, closing", "pid", h.pid)
	}
	pr.Close()
	<-scanned

	res := RunResult{
		PID:        h.pid,
		StartedAt:  h.started,
		FinishedAt: time.Now(),
	}

	if code, ok := exitCode(h.cmd.ProcessState); ok {
		res.ExitCode = code
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.Err = fmt.Errorf("%w: %w", ErrProcessIO, waitErr)
		msg := fmt.Sprintf("daemon run failed: %v", waitErr)
		h.logger.Error("daemon run failed", "pid", h.pid, "error", waitErr)
		h.appendLine(msg)
		emit(msg)
	}

	h.mu.Lock()
	res.Lines = append([]string(nil), h.lines...)
	h.result = res
	h.mu.Unlock()

	h.logger.Info("daemon exited", "pid", h.pid, "exit_code", res.ExitCode, "duration", res.Duration())
}

func exitCode(ps *os.ProcessState) (int, bool) {
	if ps == nil {
		return 0, false
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return signalExitBase + int(ws.Signal()), true
	}
	return ps.ExitCode(), true
}
