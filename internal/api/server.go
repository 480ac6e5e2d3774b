// Package api provides the HTTP surface of the orchestrator: the agent
// callback endpoints and read-only views over runs, phases, escalations,
// and the ledger.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/logging"
)

// Orchestrator is the callback surface the handlers drive. Satisfied by
// *phase.Orchestrator.
type Orchestrator interface {
	OnWorkerCallback(ctx context.Context, runID string, phaseNumber int, workerID string, success bool, output, errMsg string) (*core.PhaseMergeResult, error)
	OnReviewCallback(ctx context.Context, runID string, phaseNumber int, decision core.ReviewDecision) error
	OnFixCallback(ctx context.Context, runID string, phaseNumber int, success bool, detail string) error
}

// LedgerReader reads back the per-run audit stream.
type LedgerReader interface {
	ReadAll(runID string) ([]core.LedgerEntry, error)
}

// Server serves the orchestrator HTTP API.
type Server struct {
	router      chi.Router
	orch        Orchestrator
	runs        core.RunStore
	phases      core.PhaseStore
	escalations core.EscalationStore
	ledger      LedgerReader
	bus         *events.Bus

	apiToken      string
	dashboardPath string
	logger        *logging.Logger
}

// ServerDeps carries the collaborators a server needs.
type ServerDeps struct {
	Orchestrator Orchestrator
	Runs         core.RunStore
	Phases       core.PhaseStore
	Escalations  core.EscalationStore
	Ledger       LedgerReader
	Bus          *events.Bus
	Logger       *logging.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithAuthToken sets the bearer token required on /api routes. An empty
// token disables authentication.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) {
		s.apiToken = token
	}
}

// WithDashboard serves static dashboard files from dir at the root path.
func WithDashboard(dir string) ServerOption {
	return func(s *Server) {
		s.dashboardPath = dir
	}
}

// NewServer creates the API server. The auth token and dashboard path
// default from SWARMOPS_API_TOKEN and DASHBOARD_PATH.
func NewServer(deps ServerDeps, opts ...ServerOption) *Server {
	s := &Server{
		orch:          deps.Orchestrator,
		runs:          deps.Runs,
		phases:        deps.Phases,
		escalations:   deps.Escalations,
		ledger:        deps.Ledger,
		bus:           deps.Bus,
		apiToken:      os.Getenv("SWARMOPS_API_TOKEN"),
		dashboardPath: os.Getenv("DASHBOARD_PATH"),
		logger:        deps.Logger,
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/orchestrator", func(r chi.Router) {
			r.Post("/worker-complete", s.handleWorkerComplete)
			r.Post("/review-result", s.handleReviewResult)
			r.Post("/fix-complete", s.handleFixComplete)
		})

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/runs/{runID}/phases", s.handleListPhases)
		r.Get("/phases/{runID}/{phaseNumber}", s.handleGetPhase)

		r.Get("/escalations", s.handleListEscalations)
		r.Post("/escalations/{escalationID}/resolve", s.handleResolveEscalation)

		r.Get("/ledger/{runID}", s.handleLedger)

		r.Get("/events", s.handleSSE)
	})

	if s.dashboardPath != "" {
		fs := http.FileServer(http.Dir(s.dashboardPath))
		r.Handle("/*", fs)
	}

	return r
}

// authMiddleware enforces the bearer token on /api routes. Disabled when
// no token is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.Error("encoding response failed", "error", err)
		}
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	return srv.ListenAndServe()
}
