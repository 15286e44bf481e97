// Package api provides the HTTP handlers of the overview service.
//
// # Endpoints
//
// Overview:
//   - GET /api/v1/overview - Full infrastructure snapshot
//   - GET /api/v1/hosts?type=olt - Hosts, optionally by equipment type
//   - GET /api/v1/problems?severity=high&min_severity=warning&host_id=10084 - Active problems
//   - GET /api/v1/sites - Per-site rollups
//   - GET /api/v1/rankings?limit=10 - Latency and bandwidth top-N
//   - GET /api/v1/wireless/clients - Wireless clients per site and AP
//
// History:
//   - GET /api/v1/metrics/latency?window=24h&type=&site=&host_id= - Latency series
//   - GET /api/v1/metrics/bandwidth?window=24h&type=&site=&host_id= - Bandwidth series
//   - GET /api/v1/outages?window=24h - Reconstructed outages
//
// Service:
//   - GET /api/v1/health - Liveness
//   - GET /api/v1/infrastructure/health - Process, upstream and cache health
//   - GET /api/v1/classifier/rules - Active classification rules
//   - GET /metrics - Prometheus
//
// Data endpoints answer 200 with degraded data when the upstream fails; the
// error is reported in the X-Upstream-Error header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilot-net/netoverview/control-plane/internal/classify"
	"github.com/pilot-net/netoverview/control-plane/internal/service"
	"github.com/pilot-net/netoverview/pkg/types"
)

// UpstreamErrorHeader carries the upstream error behind a degraded response.
const UpstreamErrorHeader = "X-Upstream-Error"

// Ranking limits.
const (
	defaultRankingLimit = 10
	maxRankingLimit     = 100
)

// Backend is the read side of the service.
type Backend interface {
	GetOverview(ctx context.Context) (types.InfraOverviewSnapshot, error)
	GetHosts(ctx context.Context, typeFilter types.EquipmentType) ([]types.Host, error)
	GetProblems(ctx context.Context, filter types.ProblemFilter) ([]types.Problem, error)
	GetSites(ctx context.Context) ([]types.Site, error)
	GetRankings(ctx context.Context, n int) (types.Rankings, error)
	GetWirelessClients(ctx context.Context) (types.WirelessSummary, error)
	GetLatencyHistory(ctx context.Context, q service.HistoryQuery) (types.HistoryResult, error)
	GetBandwidthHistory(ctx context.Context, q service.HistoryQuery) (types.HistoryResult, error)
	GetOutageEvents(ctx context.Context, window time.Duration) (types.OutageReport, error)
	ClassifierRules() []classify.Rule
}

// HealthCollector reports infrastructure health.
type HealthCollector interface {
	GetInfrastructureHealth(ctx context.Context) *types.InfrastructureHealth
}

// Config configures a Server.
type Config struct {
	// APIKeyHash is a bcrypt hash of the dashboard key. Empty disables the check.
	APIKeyHash string
	// EnforceAuth rejects bad keys; otherwise they are logged and allowed.
	EnforceAuth bool
	// Gatherer serves /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP API server.
type Server struct {
	backend   Backend
	collector HealthCollector
	cfg       Config
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates a new API server. collector may be nil.
func NewServer(backend Backend, collector HealthCollector, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		backend:   backend,
		collector: collector,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Expose-Headers", UpstreamErrorHeader)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	auth := s.APIKeyMiddleware()

	// Health (open)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/infrastructure/health", wrapHandler(s.handleInfrastructureHealth, auth))

	// Overview
	s.mux.HandleFunc("GET /api/v1/overview", wrapHandler(s.handleOverview, auth))
	s.mux.HandleFunc("GET /api/v1/hosts", wrapHandler(s.handleHosts, auth))
	s.mux.HandleFunc("GET /api/v1/problems", wrapHandler(s.handleProblems, auth))
	s.mux.HandleFunc("GET /api/v1/sites", wrapHandler(s.handleSites, auth))
	s.mux.HandleFunc("GET /api/v1/rankings", wrapHandler(s.handleRankings, auth))
	s.mux.HandleFunc("GET /api/v1/wireless/clients", wrapHandler(s.handleWirelessClients, auth))

	// History
	s.mux.HandleFunc("GET /api/v1/metrics/latency", wrapHandler(s.handleLatencyHistory, auth))
	s.mux.HandleFunc("GET /api/v1/metrics/bandwidth", wrapHandler(s.handleBandwidthHistory, auth))
	s.mux.HandleFunc("GET /api/v1/outages", wrapHandler(s.handleOutages, auth))

	// Classifier
	s.mux.HandleFunc("GET /api/v1/classifier/rules", wrapHandler(s.handleClassifierRules, auth))

	if s.cfg.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfrastructureHealth(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health collector not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, s.collector.GetInfrastructureHealth(r.Context()))
}

// =============================================================================
// OVERVIEW ENDPOINTS
// =============================================================================

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.GetOverview(r.Context())
	if err == nil && snap.LastError != "" {
		err = errors.New(snap.LastError)
	}
	s.writeData(w, snap, err)
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	typ := types.EquipmentType(r.URL.Query().Get("type"))
	if typ != "" && !typ.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown equipment type: "+string(typ))
		return
	}
	hosts, err := s.backend.GetHosts(r.Context(), typ)
	s.writeData(w, hosts, err)
}

func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.ProblemFilter{HostID: q.Get("host_id")}

	if v := q.Get("severity"); v != "" {
		sev, err := types.ParseSeverity(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Severity = &sev
	}
	if v := q.Get("min_severity"); v != "" {
		sev, err := types.ParseSeverity(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.MinSeverity = &sev
	}

	problems, err := s.backend.GetProblems(r.Context(), filter)
	s.writeData(w, problems, err)
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.backend.GetSites(r.Context())
	s.writeData(w, sites, err)
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	limit := defaultRankingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRankingLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxRankingLimit))
			return
		}
		limit = n
	}
	rankings, err := s.backend.GetRankings(r.Context(), limit)
	s.writeData(w, rankings, err)
}

func (s *Server) handleWirelessClients(w http.ResponseWriter, r *http.Request) {
	wireless, err := s.backend.GetWirelessClients(r.Context())
	s.writeData(w, wireless, err)
}

// =============================================================================
// HISTORY ENDPOINTS
// =============================================================================

func (s *Server) handleLatencyHistory(w http.ResponseWriter, r *http.Request) {
	s.handleHistory(w, r, s.backend.GetLatencyHistory)
}

func (s *Server) handleBandwidthHistory(w http.ResponseWriter, r *http.Request) {
	s.handleHistory(w, r, s.backend.GetBandwidthHistory)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, get func(context.Context, service.HistoryQuery) (types.HistoryResult, error)) {
	window, ok := s.parseWindow(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := service.HistoryQuery{
		Window: window,
		Type:   types.EquipmentType(q.Get("type")),
		Site:   q.Get("site"),
		HostID: q.Get("host_id"),
	}
	if query.Type != "" && !query.Type.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown equipment type: "+string(query.Type))
		return
	}

	result, err := get(r.Context(), query)
	if errors.Is(err, service.ErrInvalidWindow) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeData(w, result, err)
}

func (s *Server) handleOutages(w http.ResponseWriter, r *http.Request) {
	window, ok := s.parseWindow(w, r)
	if !ok {
		return
	}
	report, err := s.backend.GetOutageEvents(r.Context(), window)
	if errors.Is(err, service.ErrInvalidWindow) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeData(w, report, err)
}

// parseWindow reads the window parameter. An absent window is zero, which
// selects the default.
func (s *Server) parseWindow(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	v := r.URL.Query().Get("window")
	if v == "" {
		return 0, true
	}
	window, err := types.ParseDuration(v)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return window, true
}

func (s *Server) handleClassifierRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.ClassifierRules())
}

// =============================================================================
// HELPERS
// =============================================================================

// writeData writes a read result. Upstream errors do not change the status;
// the data is degraded but well-formed.
func (s *Server) writeData(w http.ResponseWriter, v any, err error) {
	if err != nil {
		s.logger.Warn("serving degraded response", "error", err)
		w.Header().Set(UpstreamErrorHeader, err.Error())
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
