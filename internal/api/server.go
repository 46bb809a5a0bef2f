// Package api exposes the dispatch gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/events"
	"github.com/promptgate/promptgate/internal/history"
	"github.com/promptgate/promptgate/internal/limiter"
	"github.com/promptgate/promptgate/internal/runner"
	"github.com/promptgate/promptgate/internal/session"
)

// Dispatcher runs one job through the retry loop. It is satisfied by
// *retry.Orchestrator; tests supply fakes.
type Dispatcher interface {
	Run(ctx context.Context, spec runner.Spec) (runner.Result, error)
}

// SessionStore is the persistence surface the handlers need.
type SessionStore interface {
	Prepare(sessionID string, secure bool) (string, error)
	Write(sessionDir, prompt, output string, stderr *string, exitCode *int) error
	List() ([]string, error)
	Detail(sessionID string, secure bool, tailLines int) (session.Detail, error)
}

// HistoryLedger records and queries finished dispatches. Nil-able: a gateway
// can run without history.
type HistoryLedger interface {
	Record(ctx context.Context, e history.Entry) error
	List(ctx context.Context, limit int) ([]history.Entry, error)
	GetByID(ctx context.Context, id string) (*history.Entry, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	limiter    *limiter.Limiter
	dispatcher Dispatcher
	store      SessionStore
	ledger     HistoryLedger
	hub        *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	version    string
}

// New creates a Server wired to the given collaborators.
func New(cfg *config.Config, lim *limiter.Limiter, disp Dispatcher, store SessionStore, ledger HistoryLedger, hub *events.Hub, logger *slog.Logger, version string) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		cfg:        cfg,
		limiter:    lim,
		dispatcher: disp,
		store:      store,
		ledger:     ledger,
		hub:        hub,
		logger:     logger,
		startedAt:  time.Now(),
		version:    version,
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.cfg.Listen(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.cfg.Exec.MaxTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.cfg.Listen())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleInfo)
	r.Get("/status", s.handleStatus)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{sessionID}", s.handleSessionDetail)
	r.Get("/events", s.handleEvents)

	// The bearer gate is a pass-through check, not an authorization model.
	r.Group(func(r chi.Router) {
		r.Use(s.bearerGate)
		r.Post("/completion", s.handleCompletion)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// recoverMiddleware converts panics into 500 responses carrying only the
// fault's message, never a stack trace.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic in request handler",
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
				)
				s.writeError(w, http.StatusInternalServerError, fmt.Sprint(rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
