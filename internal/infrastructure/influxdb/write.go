package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementState = "daemon_state"
	MeasurementRun   = "daemon_run"
)

// RunPoint is the summary of one finished daemon run.
type RunPoint struct {
	RunID         string
	State         string
	ExitCode      int
	Duration      time.Duration
	OutputLines   int
	StopRequested bool
	FinishedAt    time.Time
}

// WriteStateChange records a supervisor state transition, tagged with the
// new state.
func (c *Client) WriteStateChange(from, to, runID string, at time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]any{"from": from}
	if runID != "" {
		fields["run_id"] = runID
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementState, map[string]string{"state": to}, fields, at))
}

// WriteRun records a finished run. State is a tag; the rest are fields.
func (c *Client) WriteRun(p RunPoint) {
	if !c.IsConnected() {
		return
	}

	at := p.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementRun,
		map[string]string{"state": p.State},
		map[string]any{
			"run_id":           p.RunID,
			"exit_code":        p.ExitCode,
			"duration_seconds": p.Duration.Seconds(),
			"output_lines":     p.OutputLines,
			"stop_requested":   p.StopRequested,
		},
		at,
	))
}
