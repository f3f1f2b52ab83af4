// Package api exposes the operator-facing HTTP surface: starting login
// sessions, polling them, feeding verification codes, and registering tokens
// directly.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/internal/config"
	"github.com/xkilldash9x/tokenbridge/internal/registry"
	"github.com/xkilldash9x/tokenbridge/pkg/capture"
	"github.com/xkilldash9x/tokenbridge/pkg/credstore"
	"github.com/xkilldash9x/tokenbridge/pkg/flow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server wires the HTTP handlers over the registry and credential store.
type Server struct {
	registry  *registry.Registry
	validator capture.Validator
	store     credstore.Store
	cfg       config.ServerConfig
	logger    *zap.Logger
}

// NewServer builds the API server.
func NewServer(reg *registry.Registry, validator capture.Validator,
	store credstore.Store, cfg config.ServerConfig, logger *zap.Logger) *Server {

	return &Server{
		registry:  reg,
		validator: validator,
		store:     store,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			// Starting a session spawns a Chrome process; keep clients
			// from stampeding.
			limit := s.cfg.StartRateLimit
			if limit <= 0 {
				limit = 10
			}
			r.Use(httprate.LimitByIP(limit, time.Minute))
			r.Post("/login-sessions", s.handleStart)
		})

		r.Route("/login-sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Get("/screenshot", s.handleScreenshot)
			r.Post("/2fa", s.handleSubmitCode)
			r.Post("/finish", s.handleFinish)
			r.Post("/cancel", s.handleCancel)
		})

		r.Post("/tokens", s.handleAddToken)
		r.Get("/credentials", s.handleListCredentials)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, credstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrCapacity):
		status = http.StatusServiceUnavailable
	case errors.Is(err, flow.ErrWrongState), errors.Is(err, flow.ErrSessionDone):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrNoToken):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
