package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/stsupervisor/internal/audit"
)

// AuditStore reads the control command trail.
type AuditStore interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// handleListAudit serves GET /audit?action=&source=&limit=&offset=.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit trail is not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{Action: q.Get("action"), Source: q.Get("source")}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("reading audit trail failed", "error", err)
		writeInternalError(w, "reading audit trail failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
