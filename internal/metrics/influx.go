package metrics

import (
	"time"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/influxdb"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

// PointWriter is the part of influxdb.Client the observer writes to.
type PointWriter interface {
	WriteStateChange(from, to, runID string, at time.Time)
	WriteRun(p influxdb.RunPoint)
}

// Influx is a supervisor.Observer that mirrors transitions and finished runs
// into InfluxDB.
type Influx struct {
	w PointWriter
}

// NewInflux creates an Influx observer writing to w.
func NewInflux(w PointWriter) *Influx {
	return &Influx{w: w}
}

// OnTransition implements supervisor.Observer.
func (i *Influx) OnTransition(t supervisor.Transition) {
	i.w.WriteStateChange(string(t.From), string(t.To), t.RunID, t.At)
}

// OnRunFinished implements supervisor.Observer.
func (i *Influx) OnRunFinished(rec supervisor.RunRecord) {
	i.w.WriteRun(influxdb.RunPoint{
		RunID:         rec.ID,
		State:         string(rec.State),
		ExitCode:      rec.Result.ExitCode,
		Duration:      rec.Result.Duration(),
		OutputLines:   len(rec.Result.Lines),
		StopRequested: rec.StopRequested,
		FinishedAt:    rec.Result.FinishedAt,
	})
}
