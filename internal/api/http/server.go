// Package http serves grid progress, health and metrics for operators.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/dispatcher"
	"github.com/saltfish/spdispatch/internal/events"
	"github.com/saltfish/spdispatch/internal/hostinfo"
	"github.com/saltfish/spdispatch/web"
)

// Version is reported by /health.
var Version = "dev"

// ProgressSource produces progress snapshots. *dispatcher.Tracker implements it.
type ProgressSource interface {
	Snapshot(ctx context.Context) (dispatcher.Snapshot, error)
}

// HealthChecker is a dependency probed by /health, such as the postgres pool.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server exposes progress over HTTP and pushes it to websocket clients.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	source   ProgressSource
	hub      *Hub
	gatherer prometheus.Gatherer
	checks   map[string]HealthChecker
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger

	mu   sync.RWMutex
	last *dispatcher.Snapshot
}

// NewServer creates a status server. refreshSchedule is a cron spec for
// pushing snapshots to websocket clients; empty disables the push.
func NewServer(
	address string,
	source ProgressSource,
	gatherer prometheus.Gatherer,
	refreshSchedule string,
	logger *zap.Logger,
) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:   chi.NewRouter(),
		source:   source,
		hub:      NewHub(logger),
		gatherer: gatherer,
		checks:   make(map[string]HealthChecker),
		schedule: refreshSchedule,
		cron:     cron.New(),
		logger:   logger.With(zap.String("component", "status_server")),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        address,
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
		// Websocket connections outlive any write timeout.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// AddHealthCheck registers a dependency reported by /health.
func (s *Server) AddHealthCheck(name string, check HealthChecker) {
	s.checks[name] = check
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/progress", s.handleProgress)
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			s.hub.ServeWS(w, r, s.logger)
		})
	})

	files, err := web.GetFileSystem()
	if err != nil {
		s.logger.Warn("Progress page unavailable", zap.Error(err))
		return
	}
	s.router.Handle("/*", http.FileServer(http.FS(files)))
}

// Start runs the hub and the refresh schedule, then serves until Stop.
func (s *Server) Start() error {
	go s.hub.Run()

	if s.schedule != "" {
		if _, err := s.cron.AddFunc(s.schedule, s.refresh); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", s.schedule, err)
		}
		s.cron.Start()
	}

	s.logger.Info("Status server starting", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server, the schedule and the hub.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Status server stopping")
	<-s.cron.Stop().Done()
	err := s.server.Shutdown(ctx)
	s.hub.Shutdown()
	return err
}

// refresh takes a snapshot and broadcasts it.
func (s *Server) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh progress", zap.Error(err))
		return
	}
	s.hub.Broadcast(EventTypeProgress, snap)
}

func (s *Server) snapshot(ctx context.Context) (dispatcher.Snapshot, error) {
	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return dispatcher.Snapshot{}, err
	}

	s.mu.Lock()
	s.last = &snap
	s.mu.Unlock()
	return snap, nil
}

// Last returns the most recent snapshot taken by the server, if any.
func (s *Server) Last() (dispatcher.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return dispatcher.Snapshot{}, false
	}
	return *s.last, true
}

// Forward relays dispatch events from sub to websocket clients until ctx is
// done. The websocket event type is the routing key.
func (s *Server) Forward(ctx context.Context, sub events.Subscriber) error {
	return sub.Subscribe(ctx, []string{events.RoutingKeyAll}, func(routingKey string, body []byte) error {
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		s.hub.Broadcast(routingKey, payload)
		return nil
	})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
	Host     *hostinfo.Stats   `json:"host,omitempty"`
	Clients  int               `json:"websocket_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Version:  Version,
		Services: make(map[string]string),
		Clients:  s.hub.ClientCount(),
	}

	for name, check := range s.checks {
		if err := check.HealthCheck(ctx); err != nil {
			response.Services[name] = "unhealthy: " + err.Error()
			response.Status = "unhealthy"
		} else {
			response.Services[name] = "healthy"
		}
	}

	if stats, err := hostinfo.Collect(ctx); err == nil {
		response.Host = &stats
	} else {
		s.logger.Debug("Host stats unavailable", zap.Error(err))
	}

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness reports ready once the result directory and ledger can be observed.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.snapshot(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to observe progress", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err, "failed to observe progress")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ErrorResponse is the body of failed API calls.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}
