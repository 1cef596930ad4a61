package caller

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/nerrad567/stsupervisor/internal/audit"
	"github.com/nerrad567/stsupervisor/internal/environment"
	"github.com/nerrad567/stsupervisor/internal/history"
	"github.com/nerrad567/stsupervisor/internal/process"
	"github.com/nerrad567/stsupervisor/internal/proctable"
	"github.com/nerrad567/stsupervisor/internal/scheduler"
	"github.com/nerrad567/stsupervisor/internal/shell"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

// Default arguments every supervised run starts with.
const (
	argNoBrowser = "--no-browser"
	argAPIKey    = "--gui-apikey="
)

// ShellRunner runs command text through a shell.
type ShellRunner interface {
	Run(ctx context.Context, text string) shell.Result
}

// DaemonLauncher runs the daemon binary to completion.
type DaemonLauncher interface {
	Launch(ctx context.Context, binary string, args []string, env map[string]string) process.RunResult
}

// Supervisor is the part of supervisor.Supervisor the service controls.
type Supervisor interface {
	Stop(ctx context.Context) error
	Kill(ctx context.Context) error
	Status() supervisor.Status
}

// Scheduler runs supervised work in the background.
type Scheduler interface {
	Enqueue(req supervisor.StartRequest, policy scheduler.ConflictPolicy) *scheduler.Ticket
	Cancel(ctx context.Context) error
	Running() bool
	WorkID() string
}

// PIDLister finds daemon processes in the process table.
type PIDLister interface {
	ListMatchingPIDs(ctx context.Context, fragment string) ([]int, error)
}

// InspectFunc reports resource usage of one process.
type InspectFunc func(ctx context.Context, pid int) (proctable.Stats, error)

// HistoryStore reads finished runs.
type HistoryStore interface {
	Get(ctx context.Context, id string) (*history.Run, error)
	List(ctx context.Context, filter history.Filter) (*history.ListResult, error)
}

// Auditor records the outcome of control commands.
type Auditor interface {
	Record(ctx context.Context, action string, ok bool, message string, details map[string]any)
}

// Logger defines the logging interface for the service.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures a Service.
type Config struct {
	// Binary is the absolute daemon path.
	Binary string

	// Fragment identifies the daemon in process listings. Defaults to the
	// base name of Binary.
	Fragment string

	// GUIAPIKey is passed to supervised runs as --gui-apikey.
	GUIAPIKey string

	// Flags are extra daemon flags for supervised runs.
	Flags map[string]any

	// BaseEnv is the partial environment direct launches start from.
	BaseEnv map[string]string

	// Host describes where host facts for direct launches come from.
	Host environment.Discovery

	// Policy decides what a start request does while work is in flight.
	Policy scheduler.ConflictPolicy
}

// Deps are the components a Service drives. History, Lister, Inspect and
// Audit may be nil.
type Deps struct {
	Shell      ShellRunner
	Launcher   DaemonLauncher
	Supervisor Supervisor
	Scheduler  Scheduler
	Lister     PIDLister
	Inspect    InspectFunc
	History    HistoryStore
	Audit      Auditor
}

// CommandResult is the outcome of a shell or direct daemon command.
type CommandResult struct {
	ExitCode int      `json:"exit_code"`
	Logs     []string `json:"logs"`
	Command  string   `json:"command"`
}

// Ack acknowledges a control request.
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`

	// Code classifies a failure; empty when OK.
	Code string `json:"code,omitempty"`
}

// Failure codes carried by a failed Ack.
const (
	CodeTimeout  = "timeout"
	CodeConflict = "conflict"
	CodeFailed   = "failed"
)

// failure builds a failed Ack for err, classified by its cause.
func failure(action string, err error) Ack {
	code := CodeFailed
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.Is(err, supervisor.ErrStopping), errors.Is(err, supervisor.ErrOrphansSurvived):
		code = CodeConflict
	}
	return Ack{Message: fmt.Sprintf("%s: %v", action, err), Code: code}
}

// Status combines the supervisor snapshot with the scheduler view.
type Status struct {
	supervisor.Status
	WorkID      string `json:"work_id"`
	WorkRunning bool   `json:"work_running"`

	// Process is the supervised daemon's resource usage, when it is alive.
	Process *proctable.Stats `json:"process,omitempty"`
}

// Service is the caller-facing surface shared by the HTTP API, the MQTT
// bridge and the CLI. Every operation resolves to a value; failures are
// carried in the result.
type Service struct {
	cfg    Config
	deps   Deps
	logger Logger

	mu         sync.RWMutex
	onWorkDone []func(scheduler.Result)
}

// New creates a Service.
func New(cfg Config, deps Deps) *Service {
	if cfg.Fragment == "" {
		cfg.Fragment = fragmentOf(cfg.Binary)
	}
	if cfg.Policy == "" {
		cfg.Policy = scheduler.PolicyKeep
	}
	return &Service{cfg: cfg, deps: deps, logger: noopLogger{}}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// OnWorkDone registers fn to receive the result of every work unit started
// through StartSupervisedDaemon.
func (s *Service) OnWorkDone(fn func(scheduler.Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWorkDone = append(s.onWorkDone, fn)
}

// RunShellCommand runs text through the shell.
func (s *Service) RunShellCommand(ctx context.Context, text string) CommandResult {
	res := s.deps.Shell.Run(ctx, text)
	s.audit(ctx, audit.ActionShell, res.ExitCode == 0, fmt.Sprintf("exit code %d", res.ExitCode),
		map[string]any{"command": text})
	return CommandResult{ExitCode: res.ExitCode, Logs: nonNil(res.Lines), Command: text}
}

// RunDaemonCommand runs the daemon once with args, outside supervision,
// and waits for it. env is layered over the base environment.
func (s *Service) RunDaemonCommand(ctx context.Context, args []string, env map[string]string) CommandResult {
	facts := environment.Discover(ctx, s.cfg.Host)
	full := environment.Build(environment.Merge(s.cfg.BaseEnv, env), facts)

	res := s.deps.Launcher.Launch(ctx, s.cfg.Binary, args, full)
	if res.Err != nil {
		s.logger.Warn("daemon command failed", "error", res.Err, "exit_code", res.ExitCode)
	}
	s.audit(ctx, audit.ActionRun, res.Err == nil, fmt.Sprintf("exit code %d", res.ExitCode),
		map[string]any{"args": args})
	return CommandResult{
		ExitCode: res.ExitCode,
		Logs:     nonNil(res.Lines),
		Command:  commandLine(s.cfg.Binary, args),
	}
}

// DaemonArgs returns the arguments of a supervised run.
func (s *Service) DaemonArgs() []string {
	args := []string{argNoBrowser, argAPIKey + s.cfg.GUIAPIKey}
	return append(args, process.FlagsToArgs(s.cfg.Flags)...)
}

// StartSupervisedDaemon schedules a supervised run with env layered over the
// supervisor's base environment. It returns once the work is queued.
func (s *Service) StartSupervisedDaemon(ctx context.Context, env map[string]string) Ack {
	joined := s.deps.Scheduler.Running() && s.cfg.Policy == scheduler.PolicyKeep

	req := supervisor.StartRequest{Args: s.DaemonArgs(), Env: env}
	ticket := s.deps.Scheduler.Enqueue(req, s.cfg.Policy)
	go s.awaitWork(ticket)

	msg := "daemon work scheduled"
	switch {
	case joined:
		msg = "daemon work already in flight"
	case s.cfg.Policy == scheduler.PolicyReplace:
		msg = "daemon work scheduled, replacing in-flight work"
	}
	s.logger.Info("start requested", "work", s.deps.Scheduler.WorkID(), "policy", s.cfg.Policy, "joined", joined)
	s.audit(ctx, audit.ActionStart, true, msg, envKeys(env))
	return Ack{OK: true, Message: msg}
}

func (s *Service) awaitWork(t *scheduler.Ticket) {
	<-t.Done()
	res, err := t.Wait(context.Background())
	if err != nil {
		s.logger.Warn("daemon work ended with error", "outcome", res.Outcome, "attempts", res.Attempts, "error", err)
	} else {
		s.logger.Info("daemon work ended", "outcome", res.Outcome, "attempts", res.Attempts)
	}

	s.mu.RLock()
	fns := s.onWorkDone
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(res)
	}
}

// StopSupervisedDaemon cancels scheduled work and stops the daemon.
func (s *Service) StopSupervisedDaemon(ctx context.Context) Ack {
	ack := s.stop(ctx)
	s.audit(ctx, audit.ActionStop, ack.OK, ack.Message, nil)
	return ack
}

func (s *Service) stop(ctx context.Context) Ack {
	if err := s.deps.Scheduler.Cancel(ctx); err != nil {
		s.logger.Error("cancelling daemon work failed", "error", err)
		return failure("cancelling daemon work", err)
	}
	if err := s.deps.Supervisor.Stop(ctx); err != nil {
		s.logger.Error("stopping daemon failed", "error", err)
		return failure("stopping daemon", err)
	}
	return Ack{OK: true, Message: "daemon stopped"}
}

// KillDaemon cancels scheduled work and interrupts every daemon process in
// the table, supervised or not.
func (s *Service) KillDaemon(ctx context.Context) Ack {
	ack := s.kill(ctx)
	s.audit(ctx, audit.ActionKill, ack.OK, ack.Message, nil)
	return ack
}

func (s *Service) kill(ctx context.Context) Ack {
	if err := s.deps.Scheduler.Cancel(ctx); err != nil {
		s.logger.Warn("cancelling daemon work failed", "error", err)
	}
	if err := s.deps.Supervisor.Kill(ctx); err != nil {
		s.logger.Error("killing daemon failed", "error", err)
		return failure("killing daemon", err)
	}
	return Ack{OK: true, Message: "no daemon processes left"}
}

// Status returns the current supervisor and scheduler state, plus the
// daemon's resource usage while its process is alive.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Status:      s.deps.Supervisor.Status(),
		WorkID:      s.deps.Scheduler.WorkID(),
		WorkRunning: s.deps.Scheduler.Running(),
	}
	if st.PID == 0 || s.deps.Inspect == nil || !proctable.Alive(st.PID) {
		return st
	}
	// The daemon may exit between the liveness check and the inspection.
	if stats, err := s.deps.Inspect(ctx, st.PID); err == nil {
		st.Process = &stats
	}
	return st
}

// ListPIDs returns the PIDs of every daemon process in the table.
func (s *Service) ListPIDs(ctx context.Context) ([]int, error) {
	if s.deps.Lister == nil {
		return nil, ErrUnavailable
	}
	pids, err := s.deps.Lister.ListMatchingPIDs(ctx, s.cfg.Fragment)
	if err != nil {
		return nil, fmt.Errorf("listing daemon processes: %w", err)
	}
	if pids == nil {
		pids = []int{}
	}
	return pids, nil
}

// History returns up to limit of the most recent runs.
func (s *Service) History(ctx context.Context, limit int) (*history.ListResult, error) {
	if s.deps.History == nil {
		return nil, ErrUnavailable
	}
	return s.deps.History.List(ctx, history.Filter{Limit: limit})
}

// Run returns one finished run by ID.
func (s *Service) Run(ctx context.Context, id string) (*history.Run, error) {
	if s.deps.History == nil {
		return nil, ErrUnavailable
	}
	return s.deps.History.Get(ctx, id)
}

func (s *Service) audit(ctx context.Context, action string, ok bool, message string, details map[string]any) {
	if s.deps.Audit != nil {
		s.deps.Audit.Record(ctx, action, ok, message, details)
	}
}

// envKeys lists the overridden variable names. Values are not recorded.
func envKeys(env map[string]string) map[string]any {
	if len(env) == 0 {
		return nil
	}
	return map[string]any{"env": slices.Sorted(maps.Keys(env))}
}

func commandLine(binary string, args []string) string {
	if len(args) == 0 {
		return binary
	}
	return binary + " " + strings.Join(args, " ")
}

func fragmentOf(binary string) string {
	if i := strings.LastIndexByte(binary, '/'); i >= 0 {
		return binary[i+1:]
	}
	return binary
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}
