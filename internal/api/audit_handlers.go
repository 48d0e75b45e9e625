package api

import (
	"net/http"

	"grimm.is/tunnelboard/internal/audit"
	"grimm.is/tunnelboard/internal/logging"
)

// handleAuditQuery returns recent audit events.
// Query params: limit (default 100), action (e.g. "server.update").
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		WriteJSON(w, http.StatusOK, []audit.Event{})
		return
	}

	events, err := s.audit.Recent(r.URL.Query().Get("action"), queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to query audit log")
		return
	}
	WriteJSON(w, http.StatusOK, events)
}

// handleLogs returns recent application log entries.
// Query params: limit (default 100), level (minimum), source (component).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries := logging.GetAppLogBuffer().Filter(q.Get("source"), q.Get("level"), queryInt(r, "limit", 100))
	if entries == nil {
		entries = []logging.AppLogEntry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}
