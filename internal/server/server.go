package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raysh454/deployproxy/internal/app"
	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
)

// Server is the HTTP + WebSocket surface of the proxy.
type Server struct {
	cfg          Config
	orchestrator *app.Orchestrator
	auth         *Authorizer
	router       chi.Router
	upgrader     websocket.Upgrader
	logger       logging.Logger

	// tailEvery bounds how long a log tail waits between reads.
	tailEvery time.Duration
}

// NewServer mounts every route over orch.
func NewServer(cfg Config, orch *app.Orchestrator) (*Server, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is nil")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = app.DefaultConfig().Namespace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("server")
	}

	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		auth:         NewAuthorizer(cfg.JWTSecret, cfg.AdditionalRoleIDs, logger),
		router:       chi.NewRouter(),
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: check Origin against the console's public url
				return true
			},
		},
		tailEvery: 500 * time.Millisecond,
	}
	s.routes()
	return s, nil
}

// Authorizer returns the token verifier used by the server.
func (s *Server) Authorizer() *Authorizer { return s.auth }

func (s *Server) routes() {
	r := s.router

	r.Use(s.recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route(s.cfg.Namespace, func(r chi.Router) {
		r.Use(s.auth.accountability)

		// CORS preflight
		r.Options("/*", s.optionsHandler("GET, POST, PUT, DELETE"))

		// The provider cannot present console credentials.
		r.Post("/hook/fire", s.handleHookFire)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.requireAccess)

			// Provider site
			r.Get("/site", s.handleSite)
			r.Get("/deploys", s.handleDeploys)
			r.Post("/builds", s.handleTriggerBuild)
			r.Post("/lock", s.handleLock)
			r.Post("/unlock", s.handleUnlock)
			r.Post("/publish/{deployID}", s.handlePublish)

			// Hook lifecycle
			r.Get("/hook", s.handleHookExists)
			r.Post("/hook", s.handleRegisterHook)
			r.Put("/hook", s.handleRegisterHook)

			// Local builds
			r.Get("/build/{site}", s.handleLocalBuild)
			r.Get("/status/{site}", s.handleLocalStatus)
			r.Get("/sites", s.handleListSites)
			r.Post("/sites", s.handleCreateSite)
			r.Put("/sites/{site}", s.handleUpdateSite)
			r.Delete("/sites/{site}", s.handleRemoveSite)

			r.Get("/activity/latest", s.handleLatestActivity)

			// Deploy watch jobs
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Delete("/jobs/{jobID}", s.handleCancelJob)

			// WebSockets
			r.Get("/ws/status/{site}", s.handleStatusWS)
			r.Get("/ws/jobs/{jobID}", s.handleJobWS)
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// recoverer turns a handler panic into the error envelope.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic",
					logging.Field{Key: "path", Value: r.URL.Path},
					logging.Field{Key: "panic", Value: rec})
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		if q.Has("access_token") {
			q.Set("access_token", "redacted")
		}
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.ContentLength > 0 {
		fields = append(fields, logging.Field{Key: "body_bytes", Value: r.ContentLength})
	}

	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming and long local builds
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeErr renders err with its caller-facing message only.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), errs.Message(err))
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Invalid("invalid JSON")
	}
	return nil
}
