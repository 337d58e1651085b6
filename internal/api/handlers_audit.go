package api

import (
	"net/http"
	"time"

	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

// AuditLogHandler handles GET /v1/sys/audit-log
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.policy.Authorize(r.Context(), tokenFromCtx(r.Context()), models.CapSudo, "sys/audit-log"); err != nil {
		writeServiceError(w, r, err)
		return
	}

	filter := storage.AuditFilter{Path: r.URL.Query().Get("path")}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 100); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since (want RFC3339)")
			return
		}
		filter.Since = &t
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
