// Package api serves the turn API over HTTP: buffered JSON, Server-Sent
// Events and WebSocket transports, plus session history, usage
// reporting, a live event feed and the operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/concierge/internal/buildinfo"
	"github.com/nugget/concierge/internal/connwatch"
	"github.com/nugget/concierge/internal/events"
	"github.com/nugget/concierge/internal/memory"
	"github.com/nugget/concierge/internal/metrics"
	"github.com/nugget/concierge/internal/orchestrator"
	"github.com/nugget/concierge/internal/persona"
	"github.com/nugget/concierge/internal/usage"
)

// Turner runs turns and reports on sessions.
type Turner interface {
	SubmitTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResponse, error)
	SubmitTurnStream(ctx context.Context, req orchestrator.TurnRequest) (<-chan orchestrator.Event, error)
	SessionUsage(ctx context.Context, sessionID string) (*usage.Summary, error)
	History(ctx context.Context, sessionID string) ([]memory.Message, error)
}

// TenantHeader carries the tenant when the request body does not.
const TenantHeader = "X-Tenant-ID"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	turns       Turner
	bus         *events.Bus
	metricsPath string
	health      func(ctx context.Context) error
	services    func() []connwatch.ServiceStatus
	reconciler  Reconciler
	logger      *slog.Logger

	once   sync.Once
	server *http.Server
}

// NewServer creates a new API server. bus may be nil, which disables
// the event feed.
func NewServer(address string, port int, turns Turner, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		turns:   turns,
		bus:     bus,
		logger:  logger.With("component", "api"),
	}
}

// SetMetricsPath exposes Prometheus metrics at path.
func (s *Server) SetMetricsPath(path string) {
	s.metricsPath = path
}

// SetHealthCheck configures the dependency probe behind /health.
func (s *Server) SetHealthCheck(fn func(ctx context.Context) error) {
	s.health = fn
}

// SetServiceStatus reports watched services on /health. An unreachable
// service marks the server degraded without failing the check.
func (s *Server) SetServiceStatus(fn func() []connwatch.ServiceStatus) {
	s.services = fn
}

// Handler builds the routed handler with logging and metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Turns
	mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.handleTurnSocket)

	// Session reporting
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/sessions/{id}/usage", s.handleUsage)

	// Ledger reconciliation
	if s.reconciler != nil {
		mux.HandleFunc("GET /v1/requests/unreconciled", s.handleUnreconciled)
		mux.HandleFunc("POST /v1/requests/{id}/amend", s.handleAmend)
	}

	// Live events
	if s.bus != nil {
		mux.HandleFunc("GET /v1/events", s.handleEventFeed)
	}

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, metrics.Handler())
	}

	return s.withLogging(metrics.Middleware(mux))
}

// Start begins serving HTTP requests. Request contexts derive from ctx.
// It returns http.ErrServerClosed after Shutdown, including a Shutdown
// that ran before Start.
func (s *Server) Start(ctx context.Context) error {
	srv := s.httpServer()
	srv.Handler = s.Handler()
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer().Shutdown(ctx)
}

func (s *Server) httpServer() *http.Server {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      120 * time.Second, // Long for streaming responses
		}
	})
	return s.server
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Concierge",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "unhealthy", "error": err.Error()}, s.logger)
			return
		}
	}
	resp := map[string]any{
		"status": "healthy",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.services != nil {
		statuses := s.services()
		for _, st := range statuses {
			if !st.Ready {
				resp["status"] = "degraded"
			}
		}
		resp["services"] = statuses
	}
	writeJSON(w, resp, s.logger)
}

// TurnRequest is the body of POST /v1/sessions/{id}/turns and of each
// WebSocket turn message.
type TurnRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	Text     string `json:"text"`
	Stream   bool   `json:"stream,omitempty"`
}

func (tr TurnRequest) toOrchestrator(sessionID, tenantFallback string) orchestrator.TurnRequest {
	tenant := tr.TenantID
	if tenant == "" {
		tenant = tenantFallback
	}
	return orchestrator.TurnRequest{
		SessionID: sessionID,
		TenantID:  tenant,
		AgentID:   tr.AgentID,
		UserText:  tr.Text,
	}
}

// handleTurn answers one user message. The reply is streamed as SSE
// when the body sets "stream" or the client accepts text/event-stream.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var body TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := body.toOrchestrator(r.PathValue("id"), r.Header.Get(TenantHeader))

	if body.Stream || r.Header.Get("Accept") == "text/event-stream" {
		s.streamTurn(w, r, req)
		return
	}

	resp, err := s.turns.SubmitTurn(r.Context(), req)
	if err != nil {
		s.turnError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.turns.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.turnError(w, err)
		return
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": r.PathValue("id"),
		"messages":   msgs,
	}, s.logger)
}

// UsageResponse reports a session's ledger. Cost is null whenever any
// request's cost is unknown; KnownCost is then a lower bound.
type UsageResponse struct {
	SessionID       string           `json:"session_id"`
	Requests        int64            `json:"requests"`
	InputTokens     int64            `json:"input_tokens"`
	OutputTokens    int64            `json:"output_tokens"`
	Cost            *string          `json:"cost"`
	KnownCost       string           `json:"known_cost"`
	UnknownRequests int64            `json:"unknown_requests"`
	BySource        map[string]int64 `json:"by_source"`
	Display         string           `json:"display"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sum, err := s.turns.SessionUsage(r.Context(), id)
	if err != nil {
		s.turnError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, usageResponse(id, sum), s.logger)
}

func usageResponse(sessionID string, sum *usage.Summary) UsageResponse {
	out := UsageResponse{
		SessionID:       sessionID,
		Requests:        sum.Requests,
		InputTokens:     sum.InputTokens,
		OutputTokens:    sum.OutputTokens,
		KnownCost:       sum.KnownCost.String(),
		UnknownRequests: sum.UnknownRequests,
		BySource:        make(map[string]int64, len(sum.BySource)),
		Display:         sum.CostString(),
	}
	if cost, ok := sum.Cost(); ok {
		c := cost.String()
		out.Cost = &c
	}
	for src, n := range sum.BySource {
		out.BySource[string(src)] = n
	}
	return out
}

// turnError maps rejections to status codes. Turn failures never reach
// here; they arrive as ordinary assistant replies.
func (s *Server) turnError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, memory.ErrSessionMismatch):
		code = http.StatusForbidden
	case errors.Is(err, memory.ErrSessionNotFound), errors.Is(err, persona.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
