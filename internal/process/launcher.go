package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/stsupervisor/internal/environment"
)

// defaultDrainTimeout bounds how long output is drained after the daemon has
// exited. Grandchildren that inherited the pipe would otherwise hold it open.
const defaultDrainTimeout = 2 * time.Second

// LineSink receives daemon output lines as they are read.
type LineSink interface {
	Line(line string)
}

// LineSinkFunc adapts a function to LineSink.
type LineSinkFunc func(line string)

// Line implements LineSink.
func (f LineSinkFunc) Line(line string) { f(line) }

// Config configures a Launcher.
type Config struct {
	// Sink receives every output line. Optional.
	Sink LineSink

	// Multicast is held for the lifetime of each child. Defaults to a no-op.
	Multicast MulticastLock

	// WorkDir is the child's working directory. Empty inherits ours.
	WorkDir string

	// DrainTimeout bounds output draining after exit.
	DrainTimeout time.Duration
}

// Logger defines the logging interface for the launcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Launcher starts daemon processes.
type Launcher struct {
	cfg    Config
	logger Logger

	sinkMu sync.RWMutex
	sinks  []LineSink
}

// NewLauncher creates a Launcher, applying defaults for zero values.
func NewLauncher(cfg Config) *Launcher {
	if cfg.Multicast == nil {
		cfg.Multicast = nopMulticastLock{}
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	l := &Launcher{cfg: cfg, logger: noopLogger{}}
	if cfg.Sink != nil {
		l.sinks = append(l.sinks, cfg.Sink)
	}
	return l
}

// SetLogger sets the logger for the launcher.
func (l *Launcher) SetLogger(logger Logger) {
	l.logger = logger
}

// AddSink registers an additional output sink.
func (l *Launcher) AddSink(sink LineSink) {
	l.sinkMu.Lock()
	l.sinks = append(l.sinks, sink)
	l.sinkMu.Unlock()
}

func (l *Launcher) emit(line string) {
	l.sinkMu.RLock()
	defer l.sinkMu.RUnlock()
	for _, s := range l.sinks {
		s.Line(line)
	}
}

// CheckBinary verifies that binary exists and is a regular file.
func CheckBinary(binary string) error {
	info, err := os.Stat(binary)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
		}
		return fmt.Errorf("%w: %s: %w", ErrSpawnFailed, binary, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrBinaryNotFound, binary)
	}
	return nil
}

// Spawn starts binary with args and exactly env, and returns without
// waiting. ctx only bounds the spawn itself; the child outlives it.
func (l *Launcher) Spawn(ctx context.Context, binary string, args []string, env map[string]string) (*Handle, error) {
	if err := CheckBinary(binary); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	release := func() {}
	if err := l.cfg.Multicast.Acquire(); err != nil {
		l.logger.Warn("multicast capability unavailable", "error", err)
	} else {
		// Both an interrupted Wait and the reaper release; only the first counts.
		release = sync.OnceFunc(l.cfg.Multicast.Release)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: creating output pipe: %w", ErrSpawnFailed, err)
	}

	cmd := exec.Command(binary, args...) //nolint:gosec // Binary is resolved from configuration and checked above
	// ToList is non-nil even when empty: a nil Env would inherit ours.
	cmd.Env = environment.ToList(env)
	cmd.Dir = l.cfg.WorkDir
	cmd.Stdout = pw
	cmd.Stderr = pw
	// Own process group: an interrupt must reach the daemon's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	l.logger.Info("starting daemon", "binary", binary, "args", args)

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		release()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
		}
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	pw.Close()

	h := &Handle{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
		release: release,
		logger:  l.logger,
	}
	go h.reap(pr, l.emit, l.cfg.DrainTimeout)

	l.logger.Info("daemon started", "pid", h.pid)
	return h, nil
}

// Launch runs binary to completion and returns its log and exit code.
// Failures are reported in the result, never by panicking or blocking past
// ctx: a missing binary yields Err wrapping ErrBinaryNotFound and a
// diagnostic line; a cancelled ctx yields ErrInterruptedWait.
//
// Nobody else holds the handle of a launched daemon, so an interrupted
// Launch also interrupts the daemon's process group before returning.
func (l *Launcher) Launch(ctx context.Context, binary string, args []string, env map[string]string) RunResult {
	h, err := l.Spawn(ctx, binary, args, env)
	if err != nil {
		l.logger.Error("daemon launch failed", "binary", binary, "error", err)
		now := time.Now()
		return RunResult{
			ExitCode:   FailureExitCode,
			Lines:      []string{fmt.Sprintf("Failed to run daemon: %v", err)},
			Err:        err,
			StartedAt:  now,
			FinishedAt: now,
		}
	}
	res := h.Wait(ctx)
	if errors.Is(res.Err, ErrInterruptedWait) {
		if err := h.Interrupt(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			l.logger.Warn("interrupting abandoned daemon failed", "pid", h.PID(), "error", err)
		}
	}
	return res
}

// FailureExitCode is reported when the daemon could not be started at all.
const FailureExitCode = 255
