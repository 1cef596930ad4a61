package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// FailureExitCode is reported when the shell could not be spawned, fed or
// awaited.
const FailureExitCode = 255

// DefaultShell is the interpreter used when Config.Shell is empty.
const DefaultShell = "sh"

// Result is the outcome of one shell invocation.
type Result struct {
	ExitCode int      `json:"exit_code"`
	Lines    []string `json:"lines"`
}

// Succeeded reports whether the command exited with status zero.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Config configures an Executor.
type Config struct {
	// Shell is the interpreter binary. Defaults to "sh" looked up on PATH.
	Shell string

	// Env, when non-nil, replaces the inherited environment of the shell.
	Env []string
}

// Logger defines the logging interface for the executor.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Executor runs command text through a shell. It is safe for concurrent use.
type Executor struct {
	cfg    Config
	logger Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	return &Executor{cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the executor.
func (e *Executor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	e.logger = logger
}

// Run writes text to a fresh shell's stdin, closes it, collects stdout line
// by line and waits for the shell to exit. Cancelling ctx kills the shell.
func (e *Executor) Run(ctx context.Context, text string) Result {
	res, err := e.run(ctx, text)
	if err != nil {
		e.logger.Warn("shell command failed", "error", err)
		return Result{
			ExitCode: FailureExitCode,
			Lines:    []string{fmt.Sprintf("Failed to execute shell command: %v", err)},
		}
	}
	e.logger.Debug("shell command finished", "exit_code", res.ExitCode, "lines", len(res.Lines))
	return res
}

func (e *Executor) run(ctx context.Context, text string) (Result, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Shell) //nolint:gosec // Shell path comes from configuration
	cmd.Env = e.cfg.Env
	// Own process group, so cancellation also reaps whatever the script
	// started and the stdout pipe reaches EOF.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", e.cfg.Shell, err)
	}

	// Feed the script concurrently so a chatty command cannot deadlock us
	// against a full stdout pipe.
	writeErr := make(chan error, 1)
	go func() {
		_, werr := io.WriteString(stdin, strings.TrimRight(text, "\n")+"\n")
		if cerr := stdin.Close(); werr == nil {
			werr = cerr
		}
		writeErr <- werr
	}()

	var lines []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	readErr := scanner.Err()

	waitErr := cmd.Wait()
	// A shell that exits before consuming the whole script closes its stdin
	// early; that is the script's business, not a transport failure.
	if werr := <-writeErr; werr != nil && !errors.Is(werr, syscall.EPIPE) && !errors.Is(werr, os.ErrClosed) {
		return Result{}, fmt.Errorf("writing command: %w", werr)
	}
	if readErr != nil {
		return Result{}, fmt.Errorf("reading output: %w", readErr)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && ctx.Err() == nil && exitErr.ExitCode() >= 0 {
			return Result{ExitCode: exitErr.ExitCode(), Lines: lines}, nil
		}
		return Result{}, fmt.Errorf("waiting for shell: %w", waitErr)
	}

	return Result{ExitCode: 0, Lines: lines}, nil
}
