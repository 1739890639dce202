package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

// triggerRouting starts a routing round for the task. While the server
// is draining this returns 503.
func (s *Server) triggerRouting(w http.ResponseWriter, r *http.Request) {
	routing, err := s.router.Trigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, routing)
}

func (s *Server) getTaskRouting(w http.ResponseWriter, r *http.Request) {
	routing, err := s.router.GetByTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routing)
}

func (s *Server) cancelRouting(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	routing, err := s.router.Cancel(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if routing == nil {
		s.writeError(w, &maestro.NotFoundError{Kind: "routing for task", ID: taskID})
		return
	}
	writeJSON(w, http.StatusOK, routing)
}

func (s *Server) deleteRouting(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listRoutings filters by ?task_id= and ?status= (comma-separated).
func (s *Server) listRoutings(w http.ResponseWriter, r *http.Request) {
	f := maestro.RoutingFilter{TaskID: r.URL.Query().Get("task_id")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			switch st := maestro.RoutingStatus(strings.TrimSpace(part)); st {
			case maestro.RoutingPending, maestro.RoutingRunning, maestro.RoutingCompleted, maestro.RoutingFailed:
				f.Statuses = append(f.Statuses, st)
			default:
				s.writeError(w, &maestro.ValidationError{Field: "status", Reason: "unknown routing status " + part})
				return
			}
		}
	}
	list, err := s.router.List(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getRouting(w http.ResponseWriter, r *http.Request) {
	routing, err := s.router.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routing)
}

func (s *Server) resumeRouting(w http.ResponseWriter, r *http.Request) {
	routing, err := s.router.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, routing)
}

// runRecovery sweeps orphaned executions and resumes every non-terminal
// routing, as on startup.
func (s *Server) runRecovery(w http.ResponseWriter, r *http.Request) {
	swept, err := s.recovery.SweepOrphans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resumed, err := s.recovery.RecoverAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"swept": swept, "resumed": resumed})
}
