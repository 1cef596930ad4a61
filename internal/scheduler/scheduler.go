package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/stsupervisor/internal/process"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

// DefaultWorkID is the single-flight key of the daemon work unit.
const DefaultWorkID = "SyncthingWorker"

// Backoff defaults.
const (
	defaultInitialDelay    = 5 * time.Second
	defaultMaxDelay        = 5 * time.Minute
	defaultStableThreshold = 2 * time.Minute
	cancelPollInterval     = 100 * time.Millisecond
)

// Outcome classifies how a work unit ended.
type Outcome string

const (
	// OutcomeSuccess: the daemon exited cleanly.
	OutcomeSuccess Outcome = "success"

	// OutcomeRetry: the daemon failed in a way a later attempt may fix.
	// As a final outcome it means the retry budget ran out.
	OutcomeRetry Outcome = "retry"

	// OutcomePermanentFailure: retrying cannot help (missing binary).
	OutcomePermanentFailure Outcome = "permanent_failure"

	// OutcomeCancelled: the work was cancelled or replaced.
	OutcomeCancelled Outcome = "cancelled"
)

// ConflictPolicy decides what a new request does while work is in flight.
type ConflictPolicy string

const (
	// PolicyKeep merges the new request into the in-flight work.
	PolicyKeep ConflictPolicy = "keep"

	// PolicyReplace stops the in-flight work and starts the new request.
	PolicyReplace ConflictPolicy = "replace"
)

// ErrRetriesExhausted is reported when MaxAttempts consecutive failures
// occurred.
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// ParsePolicy converts a configuration string to a ConflictPolicy.
func ParsePolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case PolicyKeep, "":
		return PolicyKeep, nil
	case PolicyReplace:
		return PolicyReplace, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Config configures a Scheduler.
type Config struct {
	// WorkID names the work unit. Defaults to DefaultWorkID.
	WorkID string

	// InitialDelay is the first retry delay; it doubles per failure.
	InitialDelay time.Duration

	// MaxDelay caps the retry delay.
	MaxDelay time.Duration

	// MaxAttempts bounds consecutive failed runs. 0 means unlimited.
	MaxAttempts int

	// StableThreshold: a run that lasted at least this long resets the
	// failure count.
	StableThreshold time.Duration

	// RestartOnCleanExit re-runs the daemon after a clean exit too.
	RestartOnCleanExit bool
}

// Supervisor is the part of supervisor.Supervisor the scheduler drives.
type Supervisor interface {
	Start(ctx context.Context, req supervisor.StartRequest) (supervisor.RunRecord, error)
	Stop(ctx context.Context) error
}

// Logger defines the logging interface for the scheduler.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Result is the final outcome of one work unit.
type Result struct {
	Outcome  Outcome              `json:"outcome"`
	Attempts int                  `json:"attempts"`
	Last     supervisor.RunRecord `json:"last"`
	Err      error                `json:"-"`
}

// work is one scheduled unit: a sequence of daemon runs with retries.
type work struct {
	key      string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	finished bool
	result   Result
}

// Scheduler runs the supervised daemon as single-flight background work.
type Scheduler struct {
	cfg    Config
	sup    Supervisor
	logger Logger

	flight    singleflight.Group
	replaceMu sync.Mutex

	mu      sync.Mutex
	gen     uint64
	current *work
}

// New creates a Scheduler, applying defaults for zero values.
func New(cfg Config, sup Supervisor) *Scheduler {
	if cfg.WorkID == "" {
		cfg.WorkID = DefaultWorkID
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = defaultStableThreshold
	}
	return &Scheduler{cfg: cfg, sup: sup, logger: noopLogger{}}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// WorkID returns the work identifier.
func (s *Scheduler) WorkID() string {
	return s.cfg.WorkID
}

// Running reports whether work is in flight.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Run schedules req and blocks until the work unit it ends up part of
// finishes. Under PolicyKeep a request arriving while work is in flight
// joins it and returns that work's result. Under PolicyReplace the in-flight
// work is cancelled and its daemon stopped before req starts.
func (s *Scheduler) Run(ctx context.Context, req supervisor.StartRequest, policy ConflictPolicy) (Result, error) {
	if policy == PolicyReplace {
		s.replaceMu.Lock()
		if err := s.cancelCurrent(ctx); err != nil {
			s.replaceMu.Unlock()
			return Result{}, err
		}
	}

	s.mu.Lock()
	w := s.current
	if w == nil {
		w = s.newWorkLocked()
		s.current = w
	}
	s.mu.Unlock()

	if policy == PolicyReplace {
		s.replaceMu.Unlock()
	}

	ch := s.flight.DoChan(w.key, func() (any, error) {
		return s.execute(w, req), nil
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Scheduler) newWorkLocked() *work {
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	return &work{
		key:    fmt.Sprintf("%s#%d", s.cfg.WorkID, s.gen),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Ticket tracks work scheduled with Enqueue.
type Ticket struct {
	done   chan struct{}
	result Result
}

// Done is closed when the work has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the work finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Enqueue schedules req without blocking.
func (s *Scheduler) Enqueue(req supervisor.StartRequest, policy ConflictPolicy) *Ticket {
	t := &Ticket{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		res, err := s.Run(context.Background(), req, policy)
		if err != nil && res.Err == nil {
			res.Err = err
		}
		t.result = res
	}()
	return t
}

// Cancel stops in-flight work and its daemon and aborts pending retries.
func (s *Scheduler) Cancel(ctx context.Context) error {
	return s.cancelCurrent(ctx)
}

func (s *Scheduler) cancelCurrent(ctx context.Context) error {
	s.mu.Lock()
	w := s.current
	s.mu.Unlock()
	if w == nil {
		return nil
	}

	s.logger.Info("cancelling daemon work", "work", w.key)
	w.cancel()

	// Stop is repeated until the work is gone: a run that was just about to
	// start when the work was cancelled must not survive it.
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		if err := s.sup.Stop(ctx); err != nil {
			return fmt.Errorf("stopping daemon: %w", err)
		}
		select {
		case <-w.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// execute runs w to completion. A late joiner that reaches singleflight
// after w finished gets the recorded result instead of a new run.
func (s *Scheduler) execute(w *work, req supervisor.StartRequest) Result {
	s.mu.Lock()
	if w.finished {
		res := w.result
		s.mu.Unlock()
		return res
	}
	s.mu.Unlock()

	res := s.loop(w, req)

	s.mu.Lock()
	w.finished = true
	w.result = res
	if s.current == w {
		s.current = nil
	}
	s.mu.Unlock()
	w.cancel()
	close(w.done)

	s.logger.Info("daemon work finished", "work", w.key, "outcome", res.Outcome, "attempts", res.Attempts)
	return res
}

func (s *Scheduler) loop(w *work, req supervisor.StartRequest) Result {
	var res Result
	failures := 0
	for attempt := 1; ; attempt++ {
		if w.ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			return res
		}

		// The run is ended through Stop, never by cancelling its context:
		// an abandoned wait would leave the daemon untracked.
		rec, err := s.sup.Start(context.Background(), req)
		res = Result{Outcome: classify(rec, err), Attempts: attempt, Last: rec, Err: err}

		if w.ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			return res
		}

		switch res.Outcome {
		case OutcomePermanentFailure:
			s.logger.Error("daemon cannot be started", "error", err)
			return res
		case OutcomeSuccess:
			if !s.cfg.RestartOnCleanExit {
				return res
			}
			failures = 0
		default:
			if rec.Result.Duration() >= s.cfg.StableThreshold {
				failures = 0
			}
			failures++
			if s.cfg.MaxAttempts > 0 && failures >= s.cfg.MaxAttempts {
				res.Err = fmt.Errorf("%w after %d failures: %w", ErrRetriesExhausted, failures, err)
				s.logger.Error("giving up on daemon", "failures", failures, "error", err)
				return res
			}
		}

		delay := s.calculateBackoffDelay(failures)
		s.logger.Warn("restarting daemon", "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			res.Outcome = OutcomeCancelled
			return res
		case <-timer.C:
		}
	}
}

// classify maps a finished run to a work outcome.
func classify(rec supervisor.RunRecord, err error) Outcome {
	switch {
	case err == nil && rec.State == supervisor.StateStopped:
		return OutcomeSuccess
	case process.IsRecoverable(err):
		return OutcomeRetry
	default:
		return OutcomePermanentFailure
	}
}

// calculateBackoffDelay returns InitialDelay doubled per consecutive
// failure, capped at MaxDelay. failure 0 (clean restart) uses InitialDelay.
func (s *Scheduler) calculateBackoffDelay(failures int) time.Duration {
	delay := s.cfg.InitialDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	if delay > s.cfg.MaxDelay {
		return s.cfg.MaxDelay
	}
	return delay
}
