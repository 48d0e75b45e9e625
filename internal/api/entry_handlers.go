package api

import (
	"fmt"
	"net/http"

	"grimm.is/tunnelboard/internal/audit"
	"grimm.is/tunnelboard/internal/lifecycle"
)

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.lc.Snapshot())
}

func (s *Server) handleCreateEntry(kind lifecycle.Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var spec lifecycle.Spec
		if !BindJSON(w, r, &spec) {
			return
		}

		idx, err := s.lc.Create(r.Context(), kind, spec)
		action := audit.EntryAction(string(kind), "create")
		if err != nil {
			s.recordAudit(r, action, "", err, nil)
			writeLifecycleError(w, err)
			return
		}
		s.recordAudit(r, action, resource(kind, idx), nil, map[string]any{"port": spec.Port, "enabled": spec.Enabled})
		SuccessWithData(w, map[string]any{"index": idx})
	})
}

func (s *Server) handlePatchEntry(kind lifecycle.Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx, ok := pathIndex(w, r)
		if !ok {
			return
		}
		var patch lifecycle.Patch
		if !BindJSON(w, r, &patch) {
			return
		}

		change, err := s.lc.Update(r.Context(), kind, idx, patch)
		action := audit.EntryAction(string(kind), "update")
		if err != nil {
			s.recordAudit(r, action, resource(kind, idx), err, nil)
			writeLifecycleError(w, err)
			return
		}
		s.recordAudit(r, action, resource(kind, idx), nil, map[string]any{
			"diff": audit.Diff(change.Old, change.New),
		})
		SuccessWithData(w, map[string]any{"index": change.Index})
	})
}

func (s *Server) handleDeleteEntry(kind lifecycle.Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx, ok := pathIndex(w, r)
		if !ok {
			return
		}

		err := s.lc.Delete(r.Context(), kind, idx)
		s.recordAudit(r, audit.EntryAction(string(kind), "delete"), resource(kind, idx), err, nil)
		if err != nil {
			writeLifecycleError(w, err)
			return
		}
		SuccessResponse(w)
	})
}

func resource(kind lifecycle.Kind, idx int) string {
	return fmt.Sprintf("%ss/%d", kind, idx)
}
