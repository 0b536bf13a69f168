// Package server provides the HTTP API for the kioku memory daemon.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
)

// MemoryService is the set of operations the API exposes. *memory.Service implements it.
type MemoryService interface {
	Store(ctx context.Context, in *models.StoreInput) (*models.StoreResult, error)
	Recall(ctx context.Context, q *models.RecallQuery) (*models.RecallResponse, error)
	List(ctx context.Context, q *models.ListQuery) (*models.ListResponse, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context, scope string) (*models.StatsResponse, error)
	Health(ctx context.Context) (*models.HealthResponse, error)
	Compact(ctx context.Context) (*models.CompactionResult, error)
	Sync() models.SyncStatus
	RequestServed(endpoint string)
}

// Server is the HTTP server for the memory API.
type Server struct {
	memory MemoryService
	config *config.ServerConfig
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(memory MemoryService, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		memory: memory,
		config: cfg,
		logger: logger,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if d := s.config.RequestTimeout(); d > 0 {
		r.Use(middleware.Timeout(d))
	}
	r.Use(middleware.Compress(5))
	r.Use(s.diagnostics)

	r.Post("/store", s.handleStore)
	r.Post("/recall", s.handleRecall)
	r.Get("/list", s.handleList)
	r.Delete("/memory/{id}", s.handleDelete)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/sync", s.handleSync)
	r.Post("/compact", s.handleCompact)
	return r
}

// diagnostics reports each served request to the maintenance scheduler, keyed by
// route pattern so ids in paths do not fan out the counters.
func (s *Server) diagnostics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				endpoint = p
			}
		}
		s.memory.RequestServed(endpoint)
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
