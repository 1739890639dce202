package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

type agentRequest struct {
	Name               string `json:"name" validate:"required,max=200"`
	CLIType            string `json:"cli_type" validate:"required,max=100"`
	RoleInstruction    string `json:"role_instruction"`
	WorkingInstruction string `json:"working_instruction"`
	TimeoutMinutes     int    `json:"timeout_minutes" validate:"gte=0"`
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := chi.URLParam(r, "id")

	var req agentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	now := maestro.NowUnixMilli()
	a := &maestro.Agent{
		ID:                 maestro.NewID(),
		WorkspaceID:        workspaceID,
		Name:               req.Name,
		CLIType:            req.CLIType,
		RoleInstruction:    req.RoleInstruction,
		WorkingInstruction: req.WorkingInstruction,
		TimeoutMinutes:     req.TimeoutMinutes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListAgents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	a, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	a.Name = req.Name
	a.CLIType = req.CLIType
	a.RoleInstruction = req.RoleInstruction
	a.WorkingInstruction = req.WorkingInstruction
	a.TimeoutMinutes = req.TimeoutMinutes
	a.UpdatedAt = maestro.NowUnixMilli()
	if err := s.store.UpdateAgent(r.Context(), a); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest struct {
	AgentIDs []string `json:"agent_ids" validate:"required,min=1,dive,required"`
}

// reorderAgents applies a full permutation of the workspace's agents.
// The store rejects partial or foreign ID lists.
func (s *Server) reorderAgents(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "id")
	var req reorderRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.ReorderAgents(r.Context(), workspaceID, req.AgentIDs); err != nil {
		s.writeStoreError(w, err)
		return
	}
	list, err := s.store.ListAgents(r.Context(), workspaceID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
