// Package server is the HTTP surface over the maestro core: a chi-routed
// JSON API under /api plus line-delimited JSON event streams. It holds
// no state of its own; every handler is a thin translation between HTTP
// and the core services.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/nevindra/maestro"
	"github.com/nevindra/maestro/internal/config"
)

// Server serves the maestro API.
type Server struct {
	store    maestro.Store
	router   *maestro.Router
	executor *maestro.Executor
	pool     *maestro.Pool
	bus      *maestro.Bus
	recovery *maestro.Recovery
	registry *config.Registry

	attachmentDir string
	logger        *slog.Logger
	validate      *validator.Validate
	mux           *chi.Mux
}

// Deps carries everything the server needs at construction time.
type Deps struct {
	Store         maestro.Store
	Router        *maestro.Router
	Executor      *maestro.Executor
	Pool          *maestro.Pool
	Bus           *maestro.Bus
	Recovery      *maestro.Recovery
	Registry      *config.Registry
	AttachmentDir string
	Logger        *slog.Logger
}

// New builds the server and its route table.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		store:         d.Store,
		router:        d.Router,
		executor:      d.Executor,
		pool:          d.Pool,
		bus:           d.Bus,
		recovery:      d.Recovery,
		registry:      d.Registry,
		attachmentDir: d.AttachmentDir,
		logger:        logger,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
	s.mux = s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// The local UI consumes the API cross-origin.
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))

		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", s.listWorkspaces)
			r.Post("/", s.createWorkspace)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getWorkspace)
				r.Put("/", s.updateWorkspace)
				r.Delete("/", s.deleteWorkspace)

				r.Get("/settings", s.listWorkspaceSettings)
				r.Get("/settings/{key}", s.getWorkspaceSetting)
				r.Put("/settings/{key}", s.putWorkspaceSetting)
				r.Delete("/settings/{key}", s.deleteWorkspaceSetting)

				r.Get("/agents", s.listAgents)
				r.Post("/agents", s.createAgent)
				r.Put("/agents/order", s.reorderAgents)

				r.Get("/tasks", s.listTasks)
				r.Post("/tasks", s.createTask)

				r.Get("/templates", s.listTemplates)
				r.Post("/templates", s.createTemplate)
			})
		})

		r.Route("/agents/{id}", func(r chi.Router) {
			r.Get("/", s.getAgent)
			r.Put("/", s.updateAgent)
			r.Delete("/", s.deleteAgent)
		})

		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Patch("/", s.patchTask)
			r.Delete("/", s.deleteTask)

			r.Get("/comments", s.listComments)
			r.Post("/comments", s.createComment)

			r.Get("/attachments", s.listAttachments)
			r.Post("/attachments", s.uploadAttachment)

			r.Post("/routing", s.triggerRouting)
			r.Get("/routing", s.getTaskRouting)
			r.Post("/routing/cancel", s.cancelRouting)
			r.Delete("/routing", s.deleteRouting)
		})

		r.Route("/attachments/{id}", func(r chi.Router) {
			r.Get("/", s.downloadAttachment)
			r.Delete("/", s.deleteAttachment)
			r.Get("/preview", s.previewAttachment)
		})

		r.Route("/templates/{id}", func(r chi.Router) {
			r.Get("/", s.getTemplate)
			r.Put("/", s.updateTemplate)
			r.Delete("/", s.deleteTemplate)
			r.Post("/tasks", s.instantiateTemplate)
		})

		r.Get("/routings", s.listRoutings)
		r.Get("/routings/{id}", s.getRouting)
		r.Post("/routings/{id}/resume", s.resumeRouting)
		r.Post("/recovery", s.runRecovery)

		r.Get("/executions", s.listExecutions)
		r.Get("/executions/running", s.runningExecutions)
		r.Route("/executions/{id}", func(r chi.Router) {
			r.Get("/", s.getExecution)
			r.Get("/logs", s.listExecutionLogs)
			r.Get("/logs/stream", s.streamExecutionLogs)
			r.Post("/cancel", s.cancelExecution)
		})

		r.Get("/pool", s.getPool)
		r.Put("/pool", s.putPool)

		r.Get("/config", s.getConfig)
		r.Put("/config", s.putConfig)

		r.Get("/events", s.streamEvents)
	})

	return r
}
