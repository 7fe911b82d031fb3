// Package server exposes the gateway over HTTP: the generation and
// routing endpoints, catalog and health introspection, runtime weight
// updates, cache administration, Prometheus metrics, and API docs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/catalog"
	"github.com/switchboard-ai/switchboard/internal/gateway"
	"github.com/switchboard-ai/switchboard/internal/health"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/middleware"
	"github.com/switchboard-ai/switchboard/internal/routing"
	"github.com/switchboard-ai/switchboard/internal/security"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// Config holds HTTP server settings.
type Config struct {
	Port           string        `yaml:"port" json:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`

	// StatsDecisions is how many recent routing decisions /v1/stats
	// returns by default; the decisions query parameter overrides it.
	StatsDecisions int `yaml:"stats_decisions" json:"stats_decisions"`

	Docs       DocsConfig                  `yaml:"docs" json:"docs"`
	Validation middleware.ValidationConfig `yaml:"validation" json:"validation"`
}

// DocsConfig controls the /docs surface.
type DocsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	SpecPath string `yaml:"spec_path" json:"spec_path"`
}

// DefaultConfig returns the standard server settings.
func DefaultConfig() Config {
	return Config{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   2 * time.Minute,
		MaxHeaderBytes: 1 << 20,
		StatsDecisions: 20,
		Docs: DocsConfig{
			Enabled:  true,
			SpecPath: "docs/openapi.yaml",
		},
	}
}

// Server is the HTTP front end over the gateway and its collaborators.
type Server struct {
	cfg      Config
	gw       *gateway.Gateway
	engine   *routing.Engine
	catalog  *catalog.Catalog
	store    *metrics.Store
	breakers *health.BreakerSet
	monitor  *health.Monitor
	auth     *security.Auth
	limiter  security.Limiter
	logger   *logrus.Logger

	validation *middleware.Validation
	httpServer *http.Server
}

// New builds the server. Auth and limiter may be nil to run the
// corresponding middleware disabled.
func New(cfg Config, gw *gateway.Gateway, engine *routing.Engine, cat *catalog.Catalog, store *metrics.Store, breakers *health.BreakerSet, monitor *health.Monitor, auth *security.Auth, limiter security.Limiter, logger *logrus.Logger) (*Server, error) {
	def := DefaultConfig()
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if cfg.StatsDecisions <= 0 {
		cfg.StatsDecisions = def.StatsDecisions
	}
	if cfg.Docs.SpecPath == "" {
		cfg.Docs.SpecPath = def.Docs.SpecPath
	}
	if cfg.Validation.SpecPath == "" {
		cfg.Validation.SpecPath = cfg.Docs.SpecPath
	}

	s := &Server{
		cfg:      cfg,
		gw:       gw,
		engine:   engine,
		catalog:  cat,
		store:    store,
		breakers: breakers,
		monitor:  monitor,
		auth:     auth,
		limiter:  limiter,
		logger:   logger,
	}

	validation, err := middleware.NewValidation(cfg.Validation, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize request validation: %w", err)
	}
	s.validation = validation

	return s, nil
}

// Start begins serving. It blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.cfg.Port,
		Handler:        s.routes(),
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.cfg.Port).Info("Starting Switchboard server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping Switchboard server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// routes configures all HTTP routes and middleware.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)
	if s.auth != nil {
		r.Use(s.auth.Middleware())
	}
	if s.validation != nil {
		r.Use(s.validation.Middleware)
	}

	// The generate and route paths are rate limited inside the gateway
	// pipeline, per caller; only the management endpoints go through the
	// HTTP limiter.
	pipeline := r.PathPrefix("/v1").Subrouter()
	pipeline.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	pipeline.HandleFunc("/route", s.handleRoute).Methods(http.MethodPost)

	admin := r.PathPrefix("/v1").Subrouter()
	if s.limiter != nil {
		admin.Use(security.RateLimitMiddleware(s.limiter, nil))
	}
	admin.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)
	admin.HandleFunc("/providers/{id}", s.handleGetProvider).Methods(http.MethodGet)
	admin.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	admin.HandleFunc("/health/{id}", s.handleProviderHealth).Methods(http.MethodGet)
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/cache/invalidate", s.handleCacheInvalidate).Methods(http.MethodPost)
	admin.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)
	admin.HandleFunc("/strategies/weights", s.handleUpdateWeights).Methods(http.MethodPut)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.cfg.Docs.Enabled {
		s.setupDocsRoutes(r)
	}
	r.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if ct != "" && ct != "application/json" {
				s.writeError(w, http.StatusUnsupportedMediaType, types.ErrKindValidation,
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrKindValidation,
			fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	resp, err := s.gw.Generate(r.Context(), &req)
	if err != nil {
		s.writePipelineError(w, req.ID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req types.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrKindValidation,
			fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	decision, err := s.gw.Route(r.Context(), &req)
	if err != nil {
		s.writePipelineError(w, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.catalog.Providers()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"providers": providers,
		"count":     len(providers),
	})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.catalog.Provider(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, types.ErrKindValidation,
			fmt.Sprintf("provider %q not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"provider": p,
		"state":    s.monitor.StateFor(id),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := types.HealthHealthy
	providers := make(map[string]any)

	for _, p := range s.catalog.Providers() {
		state := s.monitor.StateFor(p.ID)
		models := make(map[string]types.HealthState, len(p.Models))
		for _, ref := range s.catalog.PairsForProvider(p.ID) {
			models[ref.Model] = s.monitor.StateFor(ref.String())
		}
		providers[p.ID] = map[string]any{
			"state":  state,
			"models": models,
		}

		switch {
		case state == types.HealthUnhealthy:
			overall = types.HealthUnhealthy
		case state == types.HealthDegraded && overall == types.HealthHealthy:
			overall = types.HealthDegraded
		}
	}

	status := http.StatusOK
	if overall == types.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"status":    overall,
		"providers": providers,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.catalog.Provider(id); !ok {
		s.writeError(w, http.StatusNotFound, types.ErrKindValidation,
			fmt.Sprintf("provider %q not found", id))
		return
	}

	models := make(map[string]any)
	for _, ref := range s.catalog.PairsForProvider(id) {
		key := ref.String()
		models[ref.Model] = map[string]any{
			"state":   s.monitor.StateFor(key),
			"breaker": s.breakers.Snapshot(key),
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"provider":  id,
		"state":     s.monitor.StateFor(id),
		"models":    models,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.StatsDecisions
	if q := r.URL.Query().Get("decisions"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, types.ErrKindValidation,
				"decisions must be a non-negative integer")
			return
		}
		limit = n
	}

	body := map[string]any{
		"metrics":   s.store.All(),
		"breakers":  s.breakers.Snapshots(),
		"decisions": s.engine.History().Recent(limit),
		"timestamp": time.Now().Unix(),
	}
	if stats, ok := s.gw.CacheStats(); ok {
		body["cache"] = stats
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags    []string `json:"tags"`
		Pattern string   `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrKindValidation,
			fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(req.Tags) == 0 && req.Pattern == "" {
		s.writeError(w, http.StatusBadRequest, types.ErrKindValidation,
			"at least one of tags or pattern is required")
		return
	}

	removed, err := s.gw.InvalidateCache(r.Context(), req.Tags, req.Pattern)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, types.ErrKindInternal,
			fmt.Sprintf("invalidation failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"strategies": s.engine.Strategies().Names(),
		"weights":    s.engine.Weights(),
	})
}

func (s *Server) handleUpdateWeights(w http.ResponseWriter, r *http.Request) {
	var table map[string]routing.Weights
	if err := json.NewDecoder(r.Body).Decode(&table); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrKindValidation,
			fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.engine.UpdateWeights(table); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrKindValidation, err.Error())
		return
	}

	s.logger.WithField("priorities", len(table)).Info("Scoring weights updated")
	s.writeJSON(w, http.StatusOK, map[string]any{"weights": s.engine.Weights()})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// Helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind types.ErrorKind, message string) {
	s.writeJSON(w, status, types.ErrorResponse{Error: types.ErrorDetail{
		Kind:    string(kind),
		Message: message,
	}})
}

// writePipelineError maps a gateway failure onto an HTTP status and the
// standard error envelope.
func (s *Server) writePipelineError(w http.ResponseWriter, requestID string, err error) {
	status := statusFor(err)
	kind := string(types.KindOf(err))
	if errors.Is(err, gateway.ErrUnauthenticated) {
		kind = "unauthorized"
	}

	detail := types.ErrorDetail{
		Kind:      kind,
		Message:   err.Error(),
		RequestID: requestID,
	}
	var ex *types.ExhaustedError
	if errors.As(err, &ex) {
		detail.Details = map[string]any{"attempts": ex.Attempts}
	}
	s.writeJSON(w, status, types.ErrorResponse{Error: detail})
}

func statusFor(err error) int {
	if errors.Is(err, gateway.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	switch types.KindOf(err) {
	case types.ErrKindValidation:
		return http.StatusBadRequest
	case types.ErrKindRateLimited:
		return http.StatusTooManyRequests
	case types.ErrKindNoSuitableModel:
		return http.StatusUnprocessableEntity
	case types.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case types.ErrKindCircuitOpen, types.ErrKindUnhealthy, types.ErrKindFallbacksExhausted:
		return http.StatusServiceUnavailable
	case types.ErrKindTransientNetwork, types.ErrKindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
