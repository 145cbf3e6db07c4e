package api

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/auth"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/middleware"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/ratelimit"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/tracing"
)

// ServerOptions configures the HTTP server
type ServerOptions struct {
	Addr    string
	Handler *WarehouseHandler
	// Metrics is served at /metrics without authentication
	Metrics http.Handler
	// APIKey guards /api/v1; empty disables the check
	APIKey  string
	Limiter *ratelimit.Limiter
	Tracer  *tracing.Provider
	TLS     *cryptotls.Config
	Logger  *logging.Logger
}

// Server is the webhook and lookup HTTP server
type Server struct {
	httpServer *http.Server
	logger     *logging.Logger
}

// NewRouter assembles routes and middleware
func NewRouter(opts ServerOptions) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	if opts.Logger != nil {
		r.Use(middleware.AccessLog(opts.Logger))
	}
	if opts.Tracer != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Middleware(ratelimit.IPKeyFunc))
	}

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.RequireBearer(opts.APIKey))
	opts.Handler.RegisterRoutes(r, api)
	return r
}

// NewServer creates the server with the same timeouts as the API listener
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      NewRouter(opts),
			TLSConfig:    opts.TLS,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	var err error
	if s.httpServer.TLSConfig != nil {
		s.logger.Info("Starting HTTPS server", logging.Fields{"addr": s.httpServer.Addr})
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		s.logger.Info("Starting HTTP server", logging.Fields{"addr": s.httpServer.Addr})
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
