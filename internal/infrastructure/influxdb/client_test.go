package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and collects line-protocol bodies posted to
// /api/v2/write.
type fakeInflux struct {
	*httptest.Server
	unhealthy bool
	failWrite bool

	mu     sync.Mutex
	writes []string
	query  string
	got    chan struct{}
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{got: make(chan struct{}, 16)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInflux) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/ping":
		if f.unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writes = append(f.writes, string(body))
		f.query = r.URL.RawQuery
		f.mu.Unlock()
		f.got <- struct{}{}
		if f.failWrite {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"bad point"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) waitWrite(t *testing.T) string {
	t.Helper()
	select {
	case <-f.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no write received")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.writes, "\n")
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "stsupervisor",
		Bucket:        "daemon",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	if _, err := influxdb.Connect(t.Context(), cfg, nil); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := influxdb.Connect(t.Context(), testConfig(url), nil); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Cancelled(t *testing.T) {
	f := newFakeInflux(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := influxdb.Connect(ctx, testConfig(f.URL), nil); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	f := newFakeInflux(t)
	f.unhealthy = true

	if _, err := influxdb.Connect(t.Context(), testConfig(f.URL), nil); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_WriteRun(t *testing.T) {
	f := newFakeInflux(t)

	client, err := influxdb.Connect(t.Context(), testConfig(f.URL), map[string]string{"work_id": "SyncthingWorker"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect()")
	}

	client.WriteRun(influxdb.RunPoint{
		RunID:       "run-1",
		State:       "failed",
		ExitCode:    3,
		Duration:    90 * time.Second,
		OutputLines: 12,
		FinishedAt:  time.Unix(1700000000, 0),
	})
	client.Flush()

	body := f.waitWrite(t)
	for _, want := range []string{
		"daemon_run,",
		"state=failed",
		"work_id=SyncthingWorker",
		"exit_code=3i",
		"duration_seconds=90",
		`run_id="run-1"`,
		"1700000000000000000",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("write body %q missing %q", body, want)
		}
	}

	f.mu.Lock()
	query := f.query
	f.mu.Unlock()
	if !strings.Contains(query, "bucket=daemon") || !strings.Contains(query, "org=stsupervisor") {
		t.Errorf("write query = %q", query)
	}
}

func TestClient_WriteStateChange(t *testing.T) {
	f := newFakeInflux(t)

	client, err := influxdb.Connect(t.Context(), testConfig(f.URL), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	client.WriteStateChange("starting", "running", "run-7", time.Now())
	client.Flush()

	body := f.waitWrite(t)
	if !strings.Contains(body, "daemon_state,state=running") || !strings.Contains(body, `from="starting"`) {
		t.Errorf("write body = %q", body)
	}
}

func TestClient_WriteErrorCallback(t *testing.T) {
	f := newFakeInflux(t)
	f.failWrite = true

	client, err := influxdb.Connect(t.Context(), testConfig(f.URL), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	errCh := make(chan error, 4)
	client.SetOnError(func(err error) { errCh <- err })

	client.WriteRun(influxdb.RunPoint{RunID: "run-1", State: "stopped"})
	client.Flush()

	select {
	case err := <-errCh:
		if !errors.Is(err, influxdb.ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write error callback not invoked")
	}
	if got := client.Failures(); got == 0 {
		t.Errorf("Failures() = %d, want > 0", got)
	}
}

func TestClient_AfterClose(t *testing.T) {
	f := newFakeInflux(t)

	client, err := influxdb.Connect(t.Context(), testConfig(f.URL), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(t.Context()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	// Writes, Flush and a second Close are no-ops.
	client.WriteRun(influxdb.RunPoint{State: "stopped"})
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
