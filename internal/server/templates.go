package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

type templateRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Title       string `json:"title" validate:"required,max=500"`
	Description string `json:"description"`
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := chi.URLParam(r, "id")

	var req templateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	now := maestro.NowUnixMilli()
	t := &maestro.TaskTemplate{
		ID:          maestro.NewID(),
		WorkspaceID: workspaceID,
		Name:        req.Name,
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListTemplates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	t.Name = req.Name
	t.Title = req.Title
	t.Description = req.Description
	t.UpdatedAt = maestro.NowUnixMilli()
	if err := s.store.UpdateTemplate(r.Context(), t); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type instantiateRequest struct {
	Title       *string `json:"title" validate:"omitempty,max=500"`
	Description *string `json:"description"`
}

// instantiateTemplate creates a new task pre-filled from the template.
// The body may override title and description.
func (s *Server) instantiateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req instantiateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tpl, err := s.store.GetTemplate(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	title := tpl.Title
	if req.Title != nil && *req.Title != "" {
		title = *req.Title
	}
	description := tpl.Description
	if req.Description != nil {
		description = *req.Description
	}

	now := maestro.NowUnixMilli()
	t := &maestro.Task{
		ID:          maestro.NewID(),
		WorkspaceID: tpl.WorkspaceID,
		Title:       title,
		Description: description,
		Status:      maestro.TaskTodo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.bus.Emit(maestro.EventTaskCreated, maestro.TaskEvent{ID: t.ID, WorkspaceID: t.WorkspaceID, Status: t.Status})
	writeJSON(w, http.StatusCreated, t)
}
