// Package server hosts the query service over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/health"
	"github.com/thebtf/recall/internal/index"
	"github.com/thebtf/recall/internal/query"
	"github.com/thebtf/recall/internal/warming"
)

const (
	// requestTimeout bounds each HTTP request.
	requestTimeout = 30 * time.Second

	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 10 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// Deps carries the server's collaborators. Indexer and Warmer are
// optional; without them the index routes report 501.
type Deps struct {
	Processor *query.Processor
	Health    *health.Service
	Monitor   *health.Monitor
	Cache     *cache.Store
	Config    *config.Manager
	Indexer   *index.Indexer
	Warmer    *warming.Warmer
}

// Server exposes the query pipeline, health surface, and config updates
// over HTTP.
type Server struct {
	processor *query.Processor
	health    *health.Service
	monitor   *health.Monitor
	cache     *cache.Store
	config    *config.Manager
	indexer   *index.Indexer
	warmer    *warming.Warmer

	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New wires the HTTP server and its routes.
func New(deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		processor: deps.Processor,
		health:    deps.Health,
		monitor:   deps.Monitor,
		cache:     deps.Cache,
		config:    deps.Config,
		indexer:   deps.Indexer,
		warmer:    deps.Warmer,
		router:    chi.NewRouter(),
		log:       log.With().Str("component", "server").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))
	s.router.Use(s.requestLogger)
}

func (s *Server) setupRoutes() {
	s.router.Post("/api/query", s.handleQuery)
	s.router.Delete("/api/query/{id}", s.handleCancelQuery)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/components", s.handleComponents)

	s.router.Get("/api/stats/cache", s.handleCacheStats)
	s.router.Get("/api/stats/performance", s.handlePerformance)
	s.router.Get("/api/trends", s.handleTrends)

	s.router.Patch("/api/config", s.handleConfigPatch)

	s.router.Post("/api/index", s.handleIndex)
	s.router.Post("/api/index/update", s.handleIndexUpdate)
}

// requestLogger logs one line per request with method, path, status, and
// duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

// Router exposes the handler tree, for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving; it returns once the listener stops.
func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.log.Info().Int("port", port).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
