package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

type workspaceRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	now := maestro.NowUnixMilli()
	ws := &maestro.Workspace{ID: maestro.NewID(), Name: req.Name, CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateWorkspace(r.Context(), ws); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkspaces(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspace(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) updateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ws, err := s.store.GetWorkspace(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	ws.Name = req.Name
	ws.UpdatedAt = maestro.NowUnixMilli()
	if err := s.store.UpdateWorkspace(r.Context(), ws); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// deleteWorkspace removes a workspace and everything under it. With
// tasks still in progress the delete is refused unless ?force=true, in
// which case each active routing is cancelled first.
func (s *Server) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	active, err := s.store.ListTasks(ctx, maestro.TaskFilter{WorkspaceID: id, Status: maestro.TaskInProgress})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if len(active) > 0 {
		if r.URL.Query().Get("force") != "true" {
			s.writeError(w, &maestro.ConflictError{
				Reason: fmt.Sprintf("workspace has %d in-progress task(s); retry with ?force=true to cancel them", len(active)),
			})
			return
		}
		for _, t := range active {
			if _, err := s.router.Cancel(ctx, t.ID); err != nil {
				s.writeError(w, err)
				return
			}
		}
	}

	if err := s.store.DeleteWorkspace(ctx, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Workspace settings ---

func (s *Server) listWorkspaceSettings(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkspaceSettings(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getWorkspaceSetting(w http.ResponseWriter, r *http.Request) {
	setting, err := s.store.GetWorkspaceSetting(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "key"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

// putWorkspaceSetting stores the raw request body as the setting value.
// The body must be valid JSON; the "instruction" key is what agents see
// as the workspace instruction.
func (s *Server) putWorkspaceSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, &maestro.ValidationError{Field: "value", Reason: "unreadable body"})
		return
	}
	if !json.Valid(body) {
		s.writeError(w, &maestro.ValidationError{Field: "value", Reason: "setting value must be valid JSON"})
		return
	}

	setting := &maestro.WorkspaceSetting{
		WorkspaceID: workspaceID,
		Key:         key,
		Value:       string(body),
		UpdatedAt:   maestro.NowUnixMilli(),
	}
	if err := s.store.SetWorkspaceSetting(ctx, setting); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (s *Server) deleteWorkspaceSetting(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWorkspaceSetting(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "key")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
