package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/stsupervisor/internal/environment"
	"github.com/nerrad567/stsupervisor/internal/process"
	"github.com/nerrad567/stsupervisor/internal/proctable"
)

// defaultStopGracePeriod is how long the direct interrupt is given before
// falling back to the process table.
const defaultStopGracePeriod = 5 * time.Second

// Launcher spawns daemon processes.
type Launcher interface {
	Spawn(ctx context.Context, binary string, args []string, env map[string]string) (*process.Handle, error)
}

// Terminator interrupts every process matching a fragment until none are left.
type Terminator interface {
	TerminateGracefully(ctx context.Context, fragment string) error
}

// Config configures a Supervisor.
type Config struct {
	// Binary is the absolute path of the daemon.
	Binary string

	// Fragment identifies the daemon in process listings. Defaults to the
	// base name of Binary.
	Fragment string

	// BaseEnv is the partial environment every run starts from. Request
	// variables are layered on top, host defaults underneath.
	BaseEnv map[string]string

	// Host describes where host facts come from.
	Host environment.Discovery

	// StopGracePeriod bounds the direct-interrupt fast path of Stop.
	StopGracePeriod time.Duration

	// ReapOrphans terminates daemons found in the process table before each
	// start, so a daemon left by an earlier supervisor never runs twice.
	ReapOrphans bool
}

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StartRequest carries the per-run arguments and environment.
type StartRequest struct {
	Args []string
	Env  map[string]string
}

// run is one start attempt and, if spawned, its process.
type run struct {
	id            string
	args          []string
	handle        *process.Handle
	spawned       chan struct{}
	done          chan struct{}
	record        RunRecord
	stopRequested bool

	// stopAbandoned is set when the Stop that requested the stop gave up
	// before the run ended. The run then settles its own final state.
	stopAbandoned bool
}

// Supervisor owns at most one daemon process and its lifecycle state.
type Supervisor struct {
	cfg        Config
	launcher   Launcher
	terminator Terminator
	lister     proctable.Lister
	logger     Logger
	events     *dispatcher

	mu       sync.Mutex
	state    State
	current  *run
	handle   *process.Handle // set only while Starting or Running
	lastErr  error
	runCount int
}

// New creates a Supervisor in StateIdle. lister may be nil when ReapOrphans
// is off.
func New(cfg Config, launcher Launcher, terminator Terminator, lister proctable.Lister) *Supervisor {
	if cfg.Fragment == "" {
		cfg.Fragment = filepath.Base(cfg.Binary)
	}
	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = defaultStopGracePeriod
	}
	return &Supervisor{
		cfg:        cfg,
		launcher:   launcher,
		terminator: terminator,
		lister:     lister,
		logger:     noopLogger{},
		events:     newDispatcher(),
		state:      StateIdle,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// AddObserver registers o for transitions and finished runs.
func (s *Supervisor) AddObserver(o Observer) {
	s.events.add(o)
}

// Fragment returns the process-listing fragment of the daemon.
func (s *Supervisor) Fragment() string {
	return s.cfg.Fragment
}

// Close flushes pending observer events. The daemon is not touched.
func (s *Supervisor) Close() {
	s.events.close()
}

// setState must be called with s.mu held.
func (s *Supervisor) setState(to State, runID string, err error) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	t := Transition{From: from, To: to, RunID: runID, At: time.Now(), Err: err}
	s.events.push(event{transition: &t})
	s.logger.Info("daemon state changed", "from", from, "to", to, "run_id", runID)
}

// Start runs the daemon and blocks until that run ends. If a run is already
// starting or running, Start joins it and returns its record instead of
// spawning a second daemon.
//
// A missing binary ends the run in StateFailed with a non-recoverable error.
// A run that exits 0 (or is stopped) ends in StateStopped; any other ending
// is StateFailed and recoverable.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (RunRecord, error) {
	s.mu.Lock()
	switch {
	case s.state.Active():
		r := s.current
		s.mu.Unlock()
		s.logger.Debug("start joined in-flight run", "run_id", r.id)
		return s.await(ctx, r)
	case s.state == StateStopping:
		s.mu.Unlock()
		return RunRecord{}, ErrStopping
	}

	r := &run{
		id:      uuid.NewString(),
		args:    append([]string(nil), req.Args...),
		spawned: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.current = r
	s.lastErr = nil
	s.setState(StateStarting, r.id, nil)
	s.mu.Unlock()

	h, err := s.spawn(ctx, req)

	s.mu.Lock()
	if err != nil {
		s.finishLocked(r, RunRecord{
			ID:    r.id,
			Args:  r.args,
			State: StateFailed,
			Result: process.RunResult{
				ExitCode:   process.FailureExitCode,
				Lines:      []string{fmt.Sprintf("Failed to run daemon: %v", err)},
				Err:        err,
				StartedAt:  time.Now(),
				FinishedAt: time.Now(),
			},
			Err: err,
		})
		close(r.spawned)
		s.mu.Unlock()
		return r.record, err
	}
	r.handle = h
	if !r.stopRequested {
		s.handle = h
		s.setState(StateRunning, r.id, nil)
	}
	orphaned := r.stopAbandoned
	close(r.spawned)
	s.mu.Unlock()

	if orphaned {
		s.logger.Info("interrupting daemon spawned after stop gave up", "pid", h.PID())
		if err := h.Interrupt(); err != nil {
			s.logger.Debug("interrupt failed", "pid", h.PID(), "error", err)
		}
	}

	res := h.Wait(ctx)

	s.mu.Lock()
	rec := RunRecord{ID: r.id, Args: r.args, Result: res, StopRequested: r.stopRequested}
	switch {
	case r.stopRequested:
		rec.State = StateStopped
	case res.Err != nil:
		rec.State = StateFailed
		rec.Err = res.Err
	case res.ExitCode == 0:
		rec.State = StateStopped
	default:
		rec.State = StateFailed
		rec.Err = fmt.Errorf("%w: %d", ErrExited, res.ExitCode)
	}
	s.finishLocked(r, rec)
	s.mu.Unlock()

	return rec, rec.Err
}

// spawn builds the environment, clears leftovers and starts the process.
func (s *Supervisor) spawn(ctx context.Context, req StartRequest) (*process.Handle, error) {
	facts := environment.Discover(ctx, s.cfg.Host)
	env := environment.Build(environment.Merge(s.cfg.BaseEnv, req.Env), facts)

	if err := process.CheckBinary(s.cfg.Binary); err != nil {
		return nil, err
	}

	if s.cfg.ReapOrphans && s.lister != nil {
		pids, err := s.lister.ListMatchingPIDs(ctx, s.cfg.Fragment)
		if err != nil {
			s.logger.Warn("checking for leftover daemons failed", "error", err)
		} else if len(pids) > 0 {
			s.logger.Warn("terminating leftover daemons", "pids", pids)
			if err := s.terminator.TerminateGracefully(ctx, s.cfg.Fragment); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrOrphansSurvived, err)
			}
		}
	}

	return s.launcher.Spawn(ctx, s.cfg.Binary, req.Args, env)
}

// finishLocked publishes rec as r's outcome. State only follows the run if
// r is still current and no Stop is still working on it; that Stop settles
// the final state itself.
func (s *Supervisor) finishLocked(r *run, rec RunRecord) {
	r.record = rec
	s.runCount++
	if s.current == r && (!r.stopRequested || r.stopAbandoned) {
		s.current = nil
		s.handle = nil
		s.lastErr = rec.Err
		s.setState(rec.State, r.id, rec.Err)
	}
	s.events.push(event{run: &rec})
	close(r.done)

	if rec.Err != nil {
		s.logger.Warn("daemon run ended", "run_id", r.id, "state", rec.State, "error", rec.Err)
	} else {
		s.logger.Info("daemon run ended", "run_id", r.id, "state", rec.State, "exit_code", rec.Result.ExitCode)
	}
}

func (s *Supervisor) await(ctx context.Context, r *run) (RunRecord, error) {
	select {
	case <-r.done:
		return r.record, r.record.Err
	case <-ctx.Done():
		return RunRecord{}, fmt.Errorf("%w: %w", process.ErrInterruptedWait, ctx.Err())
	}
}

// Stop ends the current run. It first interrupts the daemon's process group
// directly and waits up to StopGracePeriod; if that does not work it falls
// back to interrupting every matching process in the process table. Stop is
// a no-op when nothing is running.
//
// If ctx ends first, Stop returns its error and the run is left to settle
// in StateStopped (or StateFailed) when it exits. A later Stop picks the
// stop up again.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	r := s.current
	if s.state == StateStopping && !r.stopAbandoned {
		s.mu.Unlock()
		return s.waitRun(ctx, r)
	}
	r.stopRequested = true
	r.stopAbandoned = false
	s.handle = nil
	s.setState(StateStopping, r.id, nil)
	s.mu.Unlock()

	select {
	case <-r.spawned:
	case <-ctx.Done():
		s.abandonStop(r, true)
		return ctx.Err()
	}

	s.mu.Lock()
	h := r.handle
	s.mu.Unlock()

	if h == nil {
		// Spawn failed; Start has already recorded the outcome.
		s.settle(r, StateFailed, r.record.Err)
		return nil
	}

	if s.interrupt(ctx, h) {
		if err := s.waitRun(ctx, r); err != nil {
			s.abandonStop(r, false)
			return err
		}
		s.settle(r, StateStopped, nil)
		return nil
	}

	if err := ctx.Err(); err != nil {
		s.abandonStop(r, false)
		return err
	}

	s.logger.Warn("direct interrupt did not stop daemon, scanning process table",
		"pid", h.PID(), "grace", s.cfg.StopGracePeriod)
	if err := s.terminator.TerminateGracefully(ctx, s.cfg.Fragment); err != nil {
		s.settle(r, StateFailed, err)
		return err
	}
	if err := s.waitRun(ctx, r); err != nil {
		s.abandonStop(r, false)
		return err
	}
	s.settle(r, StateStopped, nil)
	return nil
}

// abandonStop hands the final transition of r back to the run when a Stop
// gives up. A run that already ended is settled here. interrupt is set
// when the Stop gave up before it could signal the daemon.
func (s *Supervisor) abandonStop(r *run, interrupt bool) {
	s.mu.Lock()
	if s.current != r {
		s.mu.Unlock()
		return
	}
	select {
	case <-r.done:
		s.current = nil
		s.lastErr = r.record.Err
		s.setState(r.record.State, r.id, r.record.Err)
		s.mu.Unlock()
		return
	default:
	}
	r.stopAbandoned = true
	h := r.handle
	s.mu.Unlock()

	s.logger.Warn("stop gave up before the daemon exited", "run_id", r.id)
	if interrupt && h != nil {
		if err := h.Interrupt(); err != nil {
			s.logger.Debug("interrupt failed", "pid", h.PID(), "error", err)
		}
	}
}

// interrupt is the fast path: signal the process group we spawned and wait
// for it to be reaped.
func (s *Supervisor) interrupt(ctx context.Context, h *process.Handle) bool {
	s.logger.Info("interrupting daemon", "pid", h.PID())
	if err := h.Interrupt(); err != nil {
		s.logger.Debug("interrupt failed", "pid", h.PID(), "error", err)
	}

	timer := time.NewTimer(s.cfg.StopGracePeriod)
	defer timer.Stop()
	select {
	case <-h.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) waitRun(ctx context.Context, r *run) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle records the final state of a stopped run if it is still current.
func (s *Supervisor) settle(r *run, to State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != r {
		return
	}
	s.current = nil
	s.lastErr = err
	s.setState(to, r.id, err)
}

// Kill stops the supervised run, if any, and then interrupts every matching
// process in the table, including daemons this supervisor never started.
func (s *Supervisor) Kill(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.terminator.TerminateGracefully(ctx, s.cfg.Fragment)
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for reporting.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, RunCount: s.runCount}
	if s.current != nil {
		st.RunID = s.current.id
	}
	if s.handle != nil {
		st.PID = s.handle.PID()
		st.StartedAt = s.handle.StartedAt()
		st.Uptime = time.Since(st.StartedAt)
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
