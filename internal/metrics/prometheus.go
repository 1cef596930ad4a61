// Package metrics exports supervisor activity to Prometheus and InfluxDB.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/stsupervisor/internal/scheduler"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

const namespace = "stsupervisor"

var allStates = []supervisor.State{
	supervisor.StateIdle,
	supervisor.StateStarting,
	supervisor.StateRunning,
	supervisor.StateStopping,
	supervisor.StateStopped,
	supervisor.StateFailed,
}

// Prometheus holds the supervisor collectors on a private registry. It is a
// supervisor.Observer and a process.LineSink.
type Prometheus struct {
	registry *prometheus.Registry

	state        *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	runs         *prometheus.CounterVec
	exitCodes    *prometheus.CounterVec
	runDuration  prometheus.Histogram
	outputLines  prometheus.Counter
	workOutcomes *prometheus.CounterVec
}

// NewPrometheus creates and registers the collectors, plus the Go runtime
// and process collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daemon_state",
			Help:      "1 for the supervisor's current lifecycle state, 0 otherwise",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total supervisor state transitions by source and target state",
		}, []string{"from", "to"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total finished daemon runs by final state",
		}, []string{"state"}),
		exitCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_exit_codes_total",
			Help:      "Total finished daemon runs by exit code",
		}, []string{"code"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "How long daemon runs stayed up",
			Buckets:   []float64{1, 5, 30, 60, 300, 1800, 3600, 6 * 3600, 24 * 3600},
		}),
		outputLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daemon_output_lines_total",
			Help:      "Total lines of daemon output",
		}),
		workOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_outcomes_total",
			Help:      "Total finished scheduler work units by outcome",
		}, []string{"outcome"}),
	}

	p.registry.MustRegister(
		p.state, p.transitions, p.runs, p.exitCodes, p.runDuration, p.outputLines, p.workOutcomes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.setState(supervisor.StateIdle)
	return p
}

// Registry returns the private registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) setState(current supervisor.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		p.state.WithLabelValues(string(s)).Set(v)
	}
}

// OnTransition implements supervisor.Observer.
func (p *Prometheus) OnTransition(t supervisor.Transition) {
	p.transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	p.setState(t.To)
}

// OnRunFinished implements supervisor.Observer.
func (p *Prometheus) OnRunFinished(rec supervisor.RunRecord) {
	p.runs.WithLabelValues(string(rec.State)).Inc()
	p.exitCodes.WithLabelValues(strconv.Itoa(rec.Result.ExitCode)).Inc()
	if d := rec.Result.Duration(); d > 0 {
		p.runDuration.Observe(d.Seconds())
	}
}

// Line implements process.LineSink.
func (p *Prometheus) Line(string) {
	p.outputLines.Inc()
}

// RecordWorkResult counts a finished scheduler work unit.
func (p *Prometheus) RecordWorkResult(res scheduler.Result) {
	p.workOutcomes.WithLabelValues(string(res.Outcome)).Inc()
}
