package supervisor

import (
	"errors"
	"time"

	"github.com/nerrad567/stsupervisor/internal/process"
)

// State is the lifecycle state of the supervised daemon.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Active reports whether a daemon run is in flight.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning
}

// Terminal reports whether a new run may be started from s.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateStopped || s == StateFailed
}

// Errors reported by the supervisor.
var (
	// ErrStopping is returned by Start while a stop is still in progress.
	ErrStopping = errors.New("daemon is stopping")

	// ErrExited marks a run that ended on its own with a non-zero code.
	ErrExited = errors.New("daemon exited with non-zero status")

	// ErrOrphansSurvived is returned when daemons left over from an earlier
	// supervisor could not be terminated before a new start.
	ErrOrphansSurvived = errors.New("leftover daemon processes survived termination")
)

// Transition describes one state change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	RunID string    `json:"run_id,omitempty"`
	At    time.Time `json:"at"`
	Err   error     `json:"-"`
}

// RunRecord is the outcome of one supervised run.
type RunRecord struct {
	ID     string            `json:"id"`
	Args   []string          `json:"args"`
	State  State             `json:"state"`
	Result process.RunResult `json:"result"`

	// Err is why the run ended in StateFailed. Nil for StateStopped.
	Err error `json:"-"`

	// StopRequested is true when the run was ended by Stop or Kill.
	StopRequested bool `json:"stop_requested"`
}

// Recoverable reports whether starting again could succeed.
func (r RunRecord) Recoverable() bool {
	return process.IsRecoverable(r.Err)
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State     State         `json:"state"`
	PID       int           `json:"pid,omitempty"`
	RunID     string        `json:"run_id,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	RunCount  int           `json:"run_count"`
	LastError string        `json:"last_error,omitempty"`
}
