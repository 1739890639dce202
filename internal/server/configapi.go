package server

import (
	"encoding/json"
	"net/http"

	"github.com/nevindra/maestro"
	"github.com/nevindra/maestro/internal/config"
)

// configResponse exposes the data-dir config.json: the effective server
// section (read-only) and the agent CLI registry.
type configResponse struct {
	Server config.ServerSection       `json:"server"`
	CLIs   map[string]config.CLIEntry `json:"clis"`
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{Server: s.registry.Server(), CLIs: s.registry.CLIs()})
}

type putConfigRequest struct {
	Server json.RawMessage            `json:"server"` // accepted and ignored
	CLIs   map[string]config.CLIEntry `json:"clis" validate:"required,min=1"`
}

// putConfig replaces the CLI registry. The server section in the body,
// if present, is ignored; it changes only through the bootstrap config.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var req putConfigRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	for cliType, entry := range req.CLIs {
		if entry.Command == "" {
			s.writeError(w, &maestro.ValidationError{Field: "clis." + cliType + ".command", Reason: "must not be empty"})
			return
		}
	}
	if err := s.registry.SetCLIs(req.CLIs); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{Server: s.registry.Server(), CLIs: s.registry.CLIs()})
}
