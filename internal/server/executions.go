package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

// listExecutions filters by ?task_id= and ?status= (comma-separated).
func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	f := maestro.ExecutionFilter{TaskID: r.URL.Query().Get("task_id")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			switch st := maestro.ExecutionStatus(strings.TrimSpace(part)); st {
			case maestro.ExecutionPending, maestro.ExecutionRunning, maestro.ExecutionCompleted, maestro.ExecutionFailed:
				f.Statuses = append(f.Statuses, st)
			default:
				s.writeError(w, &maestro.ValidationError{Field: "status", Reason: "unknown execution status " + part})
				return
			}
		}
	}
	list, err := s.store.ListExecutions(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// runningExecutions returns the executions whose child processes are
// alive in this server right now, which is narrower than rows in
// running status (orphans from a crash stay running until swept).
func (s *Server) runningExecutions(w http.ResponseWriter, r *http.Request) {
	ids := s.executor.RunningExecutions()
	out := make([]*maestro.Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.store.GetExecution(r.Context(), id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) listExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetExecution(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	logs, err := s.store.ListExecutionLogs(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// cancelExecution kills the child process if it is still running.
// Cancelling an execution that already finished reports cancelled=false.
func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled := s.executor.Cancel(id)
	if !cancelled {
		if _, err := s.store.GetExecution(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// --- Pool ---

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

type poolRequest struct {
	// null means unlimited, same as 0.
	MaxConcurrent *int `json:"max_concurrent" validate:"omitempty,gte=0"`
}

func (s *Server) putPool(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	max := 0
	if req.MaxConcurrent != nil {
		max = *req.MaxConcurrent
	}
	s.pool.SetMaxConcurrent(max)
	writeJSON(w, http.StatusOK, s.pool.Stats())
}
