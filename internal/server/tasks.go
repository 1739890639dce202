package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

type createTaskRequest struct {
	Title       string `json:"title" validate:"required,max=500"`
	Description string `json:"description"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := chi.URLParam(r, "id")

	var req createTaskRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	now := maestro.NowUnixMilli()
	t := &maestro.Task{
		ID:          maestro.NewID(),
		WorkspaceID: workspaceID,
		Title:       req.Title,
		Description: req.Description,
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

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f := maestro.TaskFilter{WorkspaceID: chi.URLParam(r, "id")}
	if status := r.URL.Query().Get("status"); status != "" {
		ts := maestro.TaskStatus(status)
		if !ts.Valid() {
			s.writeError(w, &maestro.ValidationError{Field: "status", Reason: "unknown task status " + status})
			return
		}
		f.Status = ts
	}
	list, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type patchTaskRequest struct {
	Title       *string `json:"title" validate:"omitempty,max=500"`
	Description *string `json:"description"`
	Status      *string `json:"status" validate:"omitempty,oneof=todo in_progress in_review done"`
}

// patchTask updates task fields. Status changes go through the allowed
// transition table; a disallowed move is a conflict.
func (s *Server) patchTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req patchTaskRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.store.GetTask(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if req.Title != nil {
		if *req.Title == "" {
			s.writeError(w, &maestro.ValidationError{Field: "title", Reason: "must not be empty"})
			return
		}
		t.Title = *req.Title
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Status != nil {
		to := maestro.TaskStatus(*req.Status)
		if to != t.Status {
			if !t.Status.CanTransitionTo(to) {
				s.writeError(w, &maestro.ConflictError{
					Reason: "task cannot move from " + string(t.Status) + " to " + string(to),
				})
				return
			}
			t.Status = to
		}
	}

	t.UpdatedAt = maestro.NowUnixMilli()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.bus.Emit(maestro.EventTaskUpdated, maestro.TaskEvent{ID: t.ID, WorkspaceID: t.WorkspaceID, Status: t.Status})
	writeJSON(w, http.StatusOK, t)
}

// deleteTask kills any running executions, drops the routing record, and
// removes the task with its comments, attachments, and history.
func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.router.Delete(ctx, id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Attachment blobs live outside the database; collect before the row
	// cascade removes the metadata.
	attachments, _ := s.store.ListAttachments(ctx, id)

	if err := s.store.DeleteTask(ctx, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	for _, a := range attachments {
		s.removeBlob(a.StoredName)
	}

	s.bus.Emit(maestro.EventTaskDeleted, maestro.TaskEvent{ID: t.ID, WorkspaceID: t.WorkspaceID})
	w.WriteHeader(http.StatusNoContent)
}

// --- Comments ---

type commentRequest struct {
	Author     string `json:"author" validate:"required,max=200"`
	AuthorType string `json:"author_type" validate:"omitempty,oneof=human agent system"`
	Content    string `json:"content" validate:"required"`
}

func (s *Server) createComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")

	var req commentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	authorType := maestro.AuthorHuman
	if req.AuthorType != "" {
		authorType = maestro.AuthorType(req.AuthorType)
	}
	c := &maestro.Comment{
		ID:         maestro.NewID(),
		TaskID:     taskID,
		Author:     req.Author,
		AuthorType: authorType,
		Content:    req.Content,
		CreatedAt:  maestro.NowUnixMilli(),
	}
	if err := s.store.CreateComment(ctx, c); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.bus.Emit(maestro.EventTaskCommentAdded, maestro.CommentEvent{
		TaskID:     taskID,
		CommentID:  c.ID,
		Author:     c.Author,
		AuthorType: c.AuthorType,
	})
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListComments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
