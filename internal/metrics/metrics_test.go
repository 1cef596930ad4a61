package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/influxdb"
	"github.com/nerrad567/stsupervisor/internal/process"
	"github.com/nerrad567/stsupervisor/internal/scheduler"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

func finishedRun(state supervisor.State, code int, d time.Duration) supervisor.RunRecord {
	end := time.Now()
	return supervisor.RunRecord{
		ID:    "run-1",
		State: state,
		Result: process.RunResult{
			ExitCode:   code,
			Lines:      []string{"a", "b", "c"},
			StartedAt:  end.Add(-d),
			FinishedAt: end,
		},
	}
}

func TestPrometheus_StateGauge(t *testing.T) {
	p := NewPrometheus()

	if got := testutil.ToFloat64(p.state.WithLabelValues("idle")); got != 1 {
		t.Errorf("idle gauge = %v, want 1 initially", got)
	}

	p.OnTransition(supervisor.Transition{From: supervisor.StateIdle, To: supervisor.StateStarting})
	p.OnTransition(supervisor.Transition{From: supervisor.StateStarting, To: supervisor.StateRunning})

	tests := []struct {
		state string
		want  float64
	}{
		{"idle", 0},
		{"starting", 0},
		{"running", 1},
		{"failed", 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(p.state.WithLabelValues(tt.state)); got != tt.want {
			t.Errorf("daemon_state{state=%q} = %v, want %v", tt.state, got, tt.want)
		}
	}

	if got := testutil.ToFloat64(p.transitions.WithLabelValues("starting", "running")); got != 1 {
		t.Errorf("transitions{starting,running} = %v, want 1", got)
	}
}

func TestPrometheus_RunsAndOutput(t *testing.T) {
	p := NewPrometheus()

	p.OnRunFinished(finishedRun(supervisor.StateFailed, 3, 10*time.Second))
	p.OnRunFinished(finishedRun(supervisor.StateStopped, 0, time.Minute))
	p.OnRunFinished(finishedRun(supervisor.StateFailed, 3, 0))
	for range 4 {
		p.Line("INFO: x")
	}
	p.RecordWorkResult(scheduler.Result{Outcome: scheduler.OutcomeRetry})

	if got := testutil.ToFloat64(p.runs.WithLabelValues("failed")); got != 2 {
		t.Errorf("runs_total{failed} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.exitCodes.WithLabelValues("3")); got != 2 {
		t.Errorf("run_exit_codes_total{3} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.outputLines); got != 4 {
		t.Errorf("daemon_output_lines_total = %v, want 4", got)
	}
	if got := testutil.ToFloat64(p.workOutcomes.WithLabelValues("retry")); got != 1 {
		t.Errorf("work_outcomes_total{retry} = %v, want 1", got)
	}
	// Zero-length runs are not observed.
	if got := histogramCount(t, p, "stsupervisor_run_duration_seconds"); got != 2 {
		t.Errorf("run_duration_seconds count = %d, want 2", got)
	}
}

func histogramCount(t *testing.T, p *Prometheus, name string) uint64 {
	t.Helper()
	families, err := p.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var mf *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == name {
			mf = f
		}
	}
	if mf == nil || len(mf.GetMetric()) != 1 {
		t.Fatalf("metric family %s not gathered", name)
	}
	return mf.GetMetric()[0].GetHistogram().GetSampleCount()
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus()
	p.OnRunFinished(finishedRun(supervisor.StateStopped, 0, time.Second))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`stsupervisor_runs_total{state="stopped"} 1`,
		"stsupervisor_daemon_state",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	states []string
	runs   []influxdb.RunPoint
}

func (f *fakeWriter) WriteStateChange(from, to, runID string, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, from+">"+to+"@"+runID)
}

func (f *fakeWriter) WriteRun(p influxdb.RunPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, p)
}

func TestInflux_Observer(t *testing.T) {
	w := &fakeWriter{}
	obs := NewInflux(w)

	obs.OnTransition(supervisor.Transition{From: supervisor.StateRunning, To: supervisor.StateStopping, RunID: "run-1"})
	rec := finishedRun(supervisor.StateStopped, 0, 30*time.Second)
	rec.StopRequested = true
	obs.OnRunFinished(rec)

	if len(w.states) != 1 || w.states[0] != "running>stopping@run-1" {
		t.Errorf("states = %v", w.states)
	}
	if len(w.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(w.runs))
	}
	got := w.runs[0]
	if got.RunID != "run-1" || got.State != "stopped" || got.OutputLines != 3 || !got.StopRequested {
		t.Errorf("run point = %+v", got)
	}
	if got.Duration != 30*time.Second {
		t.Errorf("Duration = %v, want 30s", got.Duration)
	}
}
