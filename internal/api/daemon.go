package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/stsupervisor/internal/caller"
	"github.com/nerrad567/stsupervisor/internal/history"
)

// maxRunsLimit caps ?limit on /runs.
const maxRunsLimit = 500

// shellRequest is the body of POST /shell.
type shellRequest struct {
	Command string `json:"command"`
}

// runRequest is the body of POST /daemon/run.
type runRequest struct {
	Args []string          `json:"args"`
	Env  map[string]string `json:"env"`
}

// startRequest is the body of POST /daemon/start.
type startRequest struct {
	Env map[string]string `json:"env"`
}

// decodeBody decodes a JSON body into v. An empty body is accepted when
// optional is set. It writes the error response itself and reports
// whether the handler may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
		return false
	}
	writeBadRequest(w, "invalid JSON body")
	return false
}

// writeAck answers a control request with the ack as body. A failed ack
// maps to 409 for a conflicting daemon state, 504 when the daemon did not
// stop in time and 500 otherwise.
func writeAck(w http.ResponseWriter, ack caller.Ack) {
	status := http.StatusOK
	if !ack.OK {
		switch ack.Code {
		case caller.CodeConflict:
			status = http.StatusConflict
		case caller.CodeTimeout:
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, ack)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status(r.Context()))
}

func (s *Server) handlePIDs(w http.ResponseWriter, r *http.Request) {
	pids, err := s.ctl.ListPIDs(r.Context())
	if err != nil {
		s.logger.Warn("listing daemon processes failed", "error", err)
		writeUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pids": pids})
}

// handleShell runs a shell command. The response is always 200; the
// command's own exit code is in the body.
func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	var req shellRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeBadRequest(w, "command is required")
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.RunShellCommand(r.Context(), req.Command))
}

// handleRunDaemon runs the daemon once, unsupervised, and returns its output.
func (s *Server) handleRunDaemon(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.RunDaemonCommand(r.Context(), req.Args, req.Env))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	ack := s.ctl.StartSupervisedDaemon(r.Context(), req.Env)
	if ack.OK {
		writeJSON(w, http.StatusAccepted, ack)
		return
	}
	writeAck(w, ack)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeAck(w, s.ctl.StopSupervisedDaemon(r.Context()))
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	writeAck(w, s.ctl.KillDaemon(r.Context()))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > maxRunsLimit {
			writeBadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.ctl.History(r.Context(), limit)
	if err != nil {
		s.writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ctl.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) writeHistoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeNotFound(w, "run not found")
	case errors.Is(err, caller.ErrUnavailable):
		writeUnavailable(w, "run history is not configured")
	default:
		s.logger.Error("reading run history failed", "error", err)
		writeInternalError(w, "failed to read run history")
	}
}
