// Package transport exposes the engine over REST and websockets. It is a
// thin layer: handlers decode the request, call one engine entry point and
// map the coded error onto an HTTP status.
package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stepflow-io/stepflow/pkg/engine"
)

// Options configures the HTTP server.
type Options struct {
	Engine *engine.Engine

	// AuthToken is the bearer token websocket clients present. Empty
	// disables websocket authentication.
	AuthToken string

	// EnableWebsockets mounts the /ws routes.
	EnableWebsockets bool

	CORSOrigins []string

	Logger zerolog.Logger
}

// Server is the REST and websocket front of the engine.
type Server struct {
	engine    *engine.Engine
	hub       *Hub
	authToken string
	logger    zerolog.Logger
	router    chi.Router
}

// NewServer builds the server and its router.
func NewServer(opts Options) *Server {
	s := &Server{
		engine:    opts.Engine,
		authToken: opts.AuthToken,
		logger:    opts.Logger.With().Str("component", "transport").Logger(),
	}
	if opts.EnableWebsockets {
		s.hub = NewHub(opts.Engine.Bus(), opts.AuthToken, opts.Logger)
	}
	s.setupRouter(opts.CORSOrigins)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter(origins []string) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-None-Match"},
		ExposedHeaders:   []string{"ETag", "Content-Range"},
		AllowCredentials: false,
	}))

	r.Route("/api/processes", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/", s.handleList)
		r.Get("/status-counts", s.handleStatusCounts)
		r.Put("/resume-all", s.handleResumeAll)

		r.Post("/{workflowKey}", s.handleStart)

		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/steps", s.handleSteps)
		r.Put("/{id}/resume", s.handleResume)
		r.Put("/{id}/abort", s.handleAbort)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/callback/{token}", s.handleCallback)
		r.Post("/{id}/callback/{token}/progress", s.handleCallbackProgress)
	})

	r.Route("/api/settings", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/status", s.handleGetSettings)
		r.Put("/status", s.handlePutSettings)
	})

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	if s.hub != nil {
		r.Get("/ws/{channel}", s.hub.ServeHTTP)
	}

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"global_status": status.GlobalStatus,
	})
}
