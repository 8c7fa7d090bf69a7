// Package api serves a read-mostly HTTP view of the provenance store and
// the processes driven by this node.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/roach88/workd/internal/daemon"
	"github.com/roach88/workd/internal/engine"
	"github.com/roach88/workd/internal/metrics"
	"github.com/roach88/workd/internal/persistence"
	"github.com/roach88/workd/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultListLimit = 100
)

// Deps are the components the server reports on. Engine and Daemon may be
// nil, in which case the endpoints that need them answer 503.
type Deps struct {
	Store     *store.Store
	Persister *persistence.Persister
	Engine    *engine.Engine
	Daemon    *daemon.Daemon
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Server wraps the chi router and its dependencies.
type Server struct {
	router    *chi.Mux
	store     *store.Store
	persister *persistence.Persister
	engine    *engine.Engine
	daemon    *daemon.Daemon
	metrics   *metrics.Collector
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		router:    chi.NewRouter(),
		store:     d.Store,
		persister: d.Persister,
		engine:    d.Engine,
		daemon:    d.Daemon,
		metrics:   d.Metrics,
		logger:    logger,
		addr:      addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", s.metricsHandler())

	s.router.Route("/v1/processes", func(r chi.Router) {
		r.Get("/", s.handleListProcesses)
		r.Get("/pending", s.handleListPending)
		r.Get("/running", s.handleListRunning)
		r.Get("/{pid}", s.handleGetProcess)
		r.Get("/{pid}/checkpoint", s.handleGetCheckpoint)
		r.Post("/{pid}/stop", s.handleStopProcess)
	})
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
