// Package gateway is the daemon's HTTP surface: message ingress, the
// decision inbox, task and organisation endpoints and a websocket feed of
// bus events.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/ingress"
	"github.com/basket/go-company/internal/orchestrator"
	"github.com/basket/go-company/internal/otel"
	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/shared"
)

type Config struct {
	Store        *persistence.Store
	Bus          *bus.Bus
	Orchestrator *orchestrator.Orchestrator
	Ingress      *ingress.Service
	Settings     config.Config

	// AuthToken is the daemon bearer token. Configured API keys are
	// accepted in addition to it.
	AuthToken string

	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type Server struct {
	store   *persistence.Store
	bus     *bus.Bus
	orch    *orchestrator.Orchestrator
	ingress *ingress.Service
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	schemas *validator
	auth    *AuthMiddleware
	limiter *RateLimitMiddleware
	started time.Time

	mu       sync.RWMutex
	settings config.Config

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schemas, err := newValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		store:    cfg.Store,
		bus:      cfg.Bus,
		orch:     cfg.Orchestrator,
		ingress:  cfg.Ingress,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger.With("component", "gateway"),
		schemas:  schemas,
		auth:     NewAuthMiddleware(cfg.AuthToken, cfg.Settings.Auth),
		limiter:  NewRateLimitMiddleware(cfg.Settings.RateLimit, cfg.Metrics),
		started:  time.Now(),
		settings: cfg.Settings,
		clients:  map[*client]struct{}{},
	}, nil
}

// SetConfig swaps the settings read per request (inbox secret, directive
// binding). Middleware keeps the configuration it was built with.
func (s *Server) SetConfig(cfg config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = cfg
}

func (s *Server) config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// RateLimiter exposes the limiter so the daemon can run its eviction loop.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/messages", s.handleMessages)
	mux.HandleFunc("GET /api/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/announcements", s.handleAnnouncements)
	mux.HandleFunc("POST /api/directives", s.handleDirectives)
	mux.HandleFunc("POST /api/inbox", s.handleInbox)

	mux.HandleFunc("GET /api/decision-inbox", s.handleDecisionInbox)
	mux.HandleFunc("POST /api/decision-inbox/{id}/reply", s.handleDecisionReply)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/run", s.handleRunTask)
	mux.HandleFunc("POST /api/tasks/{id}/stop", s.handleStopTask)
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleTaskLogs)
	mux.HandleFunc("GET /api/tasks/{id}/subtasks", s.handleListSubtasks)
	mux.HandleFunc("POST /api/tasks/{id}/subtasks", s.handleCreateSubtask)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/departments", s.handleListDepartments)

	cfg := s.config()
	h := s.observe(mux)
	h = s.auth.Wrap(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(cfg.Inbox.MaxBodyBytes)(h)
	h = NewCORSMiddleware(cfg.CORS)(h)
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// observe attaches a trace id, a server span and request metrics. It wraps
// the mux directly so the matched pattern is known after routing.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		start := time.Now()
		ctx, span := otel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(rec, req)
		s.metrics.ObserveRequest(ctx, req.Pattern, rec.status, time.Since(start))
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path,
				"status", rec.status, "trace_id", shared.TraceID(ctx))
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.TaskCounts(r.Context())
	dbOK := err == nil
	version, _, _ := s.store.SchemaVersion(r.Context())

	running := 0
	if s.orch != nil {
		running = len(s.orch.Running())
	}
	s.clientsMu.Lock()
	wsClients := len(s.clients)
	s.clientsMu.Unlock()

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"schema_version":     version,
		"config_fingerprint": s.config().Fingerprint(),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"running_tasks":      running,
		"task_counts":        counts,
		"ws_clients":         wsClients,
		"bus_dropped_events": s.bus.Dropped(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func traceID(r *http.Request) string { return shared.TraceID(r.Context()) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, extra map[string]any) {
	body := map[string]any{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}
