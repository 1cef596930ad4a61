package proctable

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Termination defaults: 200 polls at 50ms gives the daemon about ten
// seconds to shut down.
const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultMaxAttempts  = 200
)

// ErrTimeout is returned when matching processes survive every attempt.
var ErrTimeout = errors.New("timed out waiting for daemon to exit")

// Logger defines the logging interface for the terminator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// TerminatorConfig configures a Terminator.
type TerminatorConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// Terminator interrupts matching processes until none are left.
type Terminator struct {
	lister Lister
	runner ShellRunner
	cfg    TerminatorConfig
	logger Logger
}

// NewTerminator creates a Terminator. Signals are delivered with the shell's
// kill builtin so they carry the same privileges as the listing.
func NewTerminator(lister Lister, runner ShellRunner, cfg TerminatorConfig) *Terminator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Terminator{lister: lister, runner: runner, cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the terminator.
func (t *Terminator) SetLogger(logger Logger) {
	t.logger = logger
}

// Lister returns the lister the terminator polls.
func (t *Terminator) Lister() Lister {
	return t.lister
}

// TerminateGracefully sends SIGINT to every process matching fragment and
// polls until none remain. It returns nil as soon as a listing comes back
// empty, ErrTimeout after MaxAttempts polls, or ctx's error.
func (t *Terminator) TerminateGracefully(ctx context.Context, fragment string) error {
	var remaining []int
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		pids, err := t.lister.ListMatchingPIDs(ctx, fragment)
		switch {
		case err != nil:
			t.logger.Warn("listing processes failed", "attempt", attempt, "error", err)
		case len(pids) == 0:
			if attempt > 1 {
				t.logger.Info("daemon processes gone", "fragment", fragment, "attempts", attempt)
			}
			return nil
		default:
			remaining = pids
			for _, pid := range pids {
				t.logger.Debug("interrupting process", "pid", pid, "attempt", attempt)
				res := t.runner.Run(ctx, fmt.Sprintf("kill -s INT %d", pid))
				if res.ExitCode != 0 {
					// Usually a race with a process that just exited.
					t.logger.Debug("kill failed", "pid", pid, "exit_code", res.ExitCode)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.PollInterval):
		}
	}

	return fmt.Errorf("%w: %d attempts, pids %v still present", ErrTimeout, t.cfg.MaxAttempts, remaining)
}
