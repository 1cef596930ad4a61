package api

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

const bytesPerMB = 1 << 20

// SystemMetrics is the response of GET /api/v1/system. It describes the
// supervisor process; the daemon's own figures are on /daemon/status and
// /metrics.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Supervisor    SupervisorInfo   `json:"supervisor"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// SupervisorInfo summarises the supervisor without the current run's
// details.
type SupervisorInfo struct {
	State       supervisor.State `json:"state"`
	RunCount    int              `json:"run_count"`
	WorkRunning bool             `json:"work_running"`
}

type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemorySysMB   float64 `json:"memory_sys_mb"`
	NumGC         uint32  `json:"num_gc"`
}

type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
	BacklogLines     int `json:"backlog_lines"`
}

type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DatabaseMetrics covers the SQLite file holding run history and the audit
// trail. SizeBytes excludes the WAL.
type DatabaseMetrics struct {
	Path            string `json:"path"`
	SizeBytes       int64  `json:"size_bytes"`
	OpenConnections int    `json:"open_connections"`
	WaitCount       int64  `json:"wait_count"`
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	st := s.ctl.Status(r.Context())
	out := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Supervisor: SupervisorInfo{
			State:       st.State,
			RunCount:    st.RunCount,
			WorkRunning: st.WorkRunning,
		},
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / bytesPerMB,
			MemorySysMB:   float64(mem.Sys) / bytesPerMB,
			NumGC:         mem.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			BacklogLines:     len(s.hub.Backlog()),
		},
	}

	if s.mqtt != nil {
		out.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	if s.db != nil {
		stats := s.db.Stats()
		out.Database = &DatabaseMetrics{
			Path:            s.db.Path(),
			OpenConnections: stats.OpenConnections,
			WaitCount:       stats.WaitCount,
		}
		if fi, err := os.Stat(s.db.Path()); err == nil {
			out.Database.SizeBytes = fi.Size()
		}
	}

	writeJSON(w, http.StatusOK, out)
}
