// Package server exposes the concept index over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/conceptindex/internal/auth"
	"github.com/knoguchi/conceptindex/internal/repository"
	"github.com/knoguchi/conceptindex/internal/service"
	"github.com/knoguchi/conceptindex/internal/tasks"
	"github.com/knoguchi/conceptindex/internal/visualization"
)

// Version is reported by GET /version.
const Version = "0.0.3"

// DefaultMaxUploadBytes bounds uploaded data dictionaries and JSONL files.
const DefaultMaxUploadBytes = 32 << 20

// HTTPServer wraps the HTTP server
type HTTPServer struct {
	server *http.Server
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	MaxUploadBytes int64
}

// Services are the components the routes delegate to.
type Services struct {
	Mappings *service.MappingService
	Plot     *visualization.Plot
	Importer *tasks.Importer
	Runner   *tasks.Runner
	Guard    *auth.Guard
}

type handlers struct {
	Services
	logger         *slog.Logger
	maxUploadBytes int64
}

// NewHTTPServer creates a new HTTP server with all routes mounted
func NewHTTPServer(cfg HTTPServerConfig, svc Services) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := NewRouter(cfg, svc)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 10 * time.Minute, // dictionary matching can be slow
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{
		server: server,
		logger: logger,
	}
}

// NewRouter builds the chi router serving every route.
func NewRouter(cfg HTTPServerConfig, svc Services) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if svc.Guard == nil {
		svc.Guard = auth.NewGuard("", nil, logger)
	}
	if svc.Runner == nil {
		svc.Runner = tasks.NewRunner(tasks.WithLogger(logger))
	}
	h := &handlers{Services: svc, logger: logger, maxUploadBytes: cfg.MaxUploadBytes}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = DefaultMaxUploadBytes
	}

	router := chi.NewRouter()

	// Add middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/", redirectToDocs)
	router.Get("/v1", redirectToDocs)
	router.Get("/docs", docsHandler(router))
	router.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Version)
	})
	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler(svc.Mappings.Repository()))

	router.Get("/visualization", h.getVisualization)
	router.With(svc.Guard.RequireWriter).Patch("/visualization", h.refreshVisualization)

	router.Get("/models", h.listModels)

	router.Route("/terminologies", func(r chi.Router) {
		r.Get("/", h.listTerminologies)
		r.With(svc.Guard.RequireWriter).Put("/{id}", h.createTerminology)
	})

	router.Route("/concepts", func(r chi.Router) {
		r.Get("/", h.listConcepts)
		r.Get("/total-number", h.countConcepts)
		r.With(svc.Guard.RequireWriter).Put("/{id}", h.createConcept)
		r.With(svc.Guard.RequireWriter).Put("/{id}/mappings", h.createConceptWithMapping)
	})

	router.Route("/mappings", func(r chi.Router) {
		r.Get("/", h.listMappings)
		r.Get("/total-number", h.countMappings)
		r.With(svc.Guard.RequireWriter).Put("/", h.createMapping)
		r.Post("/", h.closestForText)
		r.Post("/dict", h.closestForDictionary)
		r.Get("/dict/ws", h.dictionaryWebSocket)
	})

	router.Route("/imports", func(r chi.Router) {
		r.Use(svc.Guard.RequireWriter)
		r.Put("/terminology", h.importTerminology)
		r.Put("/terminology/snomed", h.importSNOMED)
		r.Put("/jsonl", h.importJSONL)
	})

	return router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

func redirectToDocs(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				if origin == "" {
					origin = "*"
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler reports ready once the repository answers a ping.
func readinessCheckHandler(repo repository.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}
