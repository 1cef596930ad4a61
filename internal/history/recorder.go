package history

import (
	"context"
	"time"

	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

const writeTimeout = 5 * time.Second

// Logger defines the logging interface for the recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Recorder is a supervisor.Observer that stores every finished run and keeps
// the table at Keep rows.
type Recorder struct {
	repo   Repository
	keep   int
	tail   int
	logger Logger
}

// NewRecorder creates a Recorder. keep <= 0 keeps every run.
func NewRecorder(repo Repository, keep int) *Recorder {
	return &Recorder{repo: repo, keep: keep, tail: DefaultTailLines, logger: noopLogger{}}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// OnTransition implements supervisor.Observer.
func (r *Recorder) OnTransition(supervisor.Transition) {}

// OnRunFinished implements supervisor.Observer. Failures are logged; the
// supervisor never waits on history.
func (r *Recorder) OnRunFinished(rec supervisor.RunRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	run := FromRecord(rec, r.tail)
	if err := r.repo.Create(ctx, &run); err != nil {
		r.logger.Warn("failed to record daemon run", "run_id", rec.ID, "error", err)
		return
	}

	n, err := r.repo.Prune(ctx, r.keep)
	if err != nil {
		r.logger.Warn("failed to prune run history", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("pruned run history", "deleted", n)
	}
}
