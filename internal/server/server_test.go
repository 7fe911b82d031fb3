package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/cache"
	"github.com/switchboard-ai/switchboard/internal/catalog"
	"github.com/switchboard-ai/switchboard/internal/fallback"
	"github.com/switchboard-ai/switchboard/internal/gateway"
	"github.com/switchboard-ai/switchboard/internal/health"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/routing"
	"github.com/switchboard-ai/switchboard/internal/security"
	"github.com/switchboard-ai/switchboard/internal/strategy"
	"github.com/switchboard-ai/switchboard/internal/types"
)

type stubBackend struct {
	name  string
	calls int
	fn    func(ctx context.Context, ref types.ModelRef, req *types.GenerateRequest) (*types.GenerateResponse, error)
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Execute(ctx context.Context, ref types.ModelRef, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	s.calls++
	return s.fn(ctx, ref, req)
}

func (s *stubBackend) Ping(ctx context.Context) error { return nil }

func serveOK(ctx context.Context, ref types.ModelRef, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	return &types.GenerateResponse{
		ID:       "resp-" + ref.Provider,
		Output:   "answer from " + ref.Provider,
		Provider: ref.Provider,
		Model:    ref.Model,
		Usage:    types.Usage{InputTokens: 100, OutputTokens: 200, TotalTokens: 300},
		Latency:  5,
	}, nil
}

func failTransient(ctx context.Context, ref types.ModelRef, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	return nil, &types.RouteError{
		Kind:    types.ErrKindTransientNetwork,
		Ref:     ref,
		Message: "connection reset",
	}
}

func testProviders() []types.Provider {
	return []types.Provider{
		{
			ID: "apex", DisplayName: "Apex", CostTier: "budget", Weight: 3,
			Models: []types.Model{{
				ID:              "swift",
				Capabilities:    []types.Capability{types.CapChat, types.CapCode},
				ContextWindow:   16000,
				MaxOutputTokens: 4096,
				InputCostPer1K:  0.0005,
				OutputCostPer1K: 0.0015,
				Quality:         0.6,
				LatencyTier:     "fast",
			}},
		},
		{
			ID: "bolt", DisplayName: "Bolt", CostTier: "premium", Weight: 1,
			Models: []types.Model{{
				ID:              "titan",
				Capabilities:    []types.Capability{types.CapChat, types.CapCode},
				ContextWindow:   200000,
				MaxOutputTokens: 8192,
				InputCostPer1K:  0.01,
				OutputCostPer1K: 0.03,
				Quality:         0.95,
				LatencyTier:     "slow",
			}},
		},
	}
}

type fixture struct {
	srv     *Server
	handler http.Handler
	apex    *stubBackend
	bolt    *stubBackend
	mem     *cache.Memory
}

type fixtureOpts struct {
	cache   bool
	auth    *security.Auth
	limiter security.Limiter
	cfg     *Config
}

func newFixture(t *testing.T, opt fixtureOpts) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cat, err := catalog.New(testProviders())
	require.NoError(t, err)

	store := metrics.NewStore(metrics.DefaultConfig(), logger)
	breakers := health.NewBreakerSet(health.DefaultBreakerConfig(), nil, logger)
	monitor := health.NewMonitor(health.DefaultMonitorConfig(), store, breakers, nil, logger)
	reg := strategy.NewDefaultRegistry(strategy.DefaultConfig())
	engine := routing.NewEngine(routing.DefaultEngineConfig(), cat, store, breakers, monitor, reg, nil, logger)
	executor := fallback.NewExecutor(fallback.Config{}, store, breakers, nil, logger)

	apex := &stubBackend{name: "apex", fn: serveOK}
	bolt := &stubBackend{name: "bolt", fn: serveOK}
	registry := backend.NewRegistry()
	registry.Register(apex)
	registry.Register(bolt)

	var c cache.Cache
	var mem *cache.Memory
	if opt.cache {
		mem = cache.NewMemory(cache.Config{TTL: time.Minute, CleanupInterval: time.Hour}, logger)
		t.Cleanup(func() { mem.Close() })
		c = mem
	}

	gw := gateway.New(gateway.DefaultConfig(), engine, executor, registry, cat, store, c, nil, logger)

	cfg := DefaultConfig()
	cfg.Docs.Enabled = false
	if opt.cfg != nil {
		cfg = *opt.cfg
	}

	srv, err := New(cfg, gw, engine, cat, store, breakers, monitor, opt.auth, opt.limiter, logger)
	require.NoError(t, err)

	return &fixture{
		srv:     srv,
		handler: srv.routes(),
		apex:    apex,
		bolt:    bolt,
		mem:     mem,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func generateBody() map[string]any {
	return map[string]any{
		"input": "write a short haiku about network routers",
		"requirements": map[string]any{
			"task_kind": "general_chat",
			"strategy":  "least_latency",
		},
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorDetail {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestGenerateEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodPost, "/v1/generate", generateBody())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp types.GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "apex", resp.Provider)
	assert.Equal(t, "swift", resp.Model)
	assert.NotEmpty(t, resp.Output)
	assert.Equal(t, 1, f.apex.calls)
}

func TestGenerateEndpointRejectsBadJSON(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decodeError(t, w).Kind)
}

func TestGenerateEndpointValidatesInput(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodPost, "/v1/generate", map[string]any{"input": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	detail := decodeError(t, w)
	assert.Equal(t, "validation", detail.Kind)
	assert.NotEmpty(t, detail.RequestID)
	assert.Zero(t, f.apex.calls)
}

func TestGenerateEndpointExhaustion(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.apex.fn = failTransient
	f.bolt.fn = failTransient

	w := f.do(t, http.MethodPost, "/v1/generate", generateBody())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	detail := decodeError(t, w)
	assert.Equal(t, "fallbacks_exhausted", detail.Kind)
	assert.Contains(t, detail.Details, "attempts")
}

func TestRouteEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodPost, "/v1/route", generateBody())
	require.Equal(t, http.StatusOK, w.Code)

	var decision routing.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.Equal(t, "apex", decision.Primary.Ref.Provider)
	assert.Equal(t, "swift", decision.Primary.Ref.Model)
	assert.Equal(t, strategy.NameLeastLatency, decision.Strategy)
	assert.Zero(t, f.apex.calls)
}

func TestListProviders(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodGet, "/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Providers []types.Provider `json:"providers"`
		Count     int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Providers, 2)
}

func TestGetProvider(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodGet, "/v1/providers/apex", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Provider types.Provider    `json:"provider"`
		State    types.HealthState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "apex", body.Provider.ID)
	assert.Equal(t, types.HealthHealthy, body.State)

	w = f.do(t, http.MethodGet, "/v1/providers/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthReport(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status    types.HealthState `json:"status"`
		Providers map[string]any    `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, types.HealthHealthy, body.Status)
	assert.Len(t, body.Providers, 2)

	w = f.do(t, http.MethodGet, "/v1/health/apex", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/health/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodPost, "/v1/generate", generateBody())
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Metrics   []metrics.Snapshot `json:"metrics"`
		Decisions []json.RawMessage  `json:"decisions"`
		Timestamp int64              `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Metrics)
	assert.Len(t, body.Decisions, 1)
	assert.NotZero(t, body.Timestamp)

	w = f.do(t, http.MethodGet, "/v1/stats?decisions=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheInvalidateEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{cache: true})

	w := f.do(t, http.MethodPost, "/v1/generate", generateBody())
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, f.mem.Stats().Entries)

	w = f.do(t, http.MethodPost, "/v1/cache/invalidate", map[string]any{
		"tags": []string{"provider:apex"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Removed)
	assert.Zero(t, f.mem.Stats().Entries)

	w = f.do(t, http.MethodPost, "/v1/cache/invalidate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStrategiesEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodGet, "/v1/strategies", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Strategies []string                   `json:"strategies"`
		Weights    map[string]routing.Weights `json:"weights"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Strategies, strategy.NameLeastLatency)
	assert.Contains(t, body.Weights, "default")
}

func TestUpdateWeightsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodPut, "/v1/strategies/weights", map[string]any{
		"speed": map[string]float64{
			"capability":  0.2,
			"performance": 0.6,
			"cost":        0.1,
			"reliability": 0.1,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Weights map[string]routing.Weights `json:"weights"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.InDelta(t, 0.6, body.Weights["speed"].Performance, 1e-9)

	w = f.do(t, http.MethodPut, "/v1/strategies/weights", map[string]any{
		"turbo": map[string]float64{"capability": 1},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decodeError(t, w).Kind)
}

func TestLivenessEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
}

func TestContentTypeRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewReader([]byte("input=hi")))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestCORSHeadersPresent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuthMiddlewareWiring(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	auth := security.NewAuth(security.AuthConfig{
		Enabled: true,
		APIKeys: []string{"sk-unit-test-key-0001"},
	}, logger)

	f := newFixture(t, fixtureOpts{auth: auth})

	w := f.do(t, http.MethodGet, "/v1/providers", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	req.Header.Set("X-API-Key", "sk-unit-test-key-0001")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Liveness stays open.
	w = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRateLimiting(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	limiter := security.NewTokenBucketLimiter(security.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		Burst:             1,
	}, logger)
	t.Cleanup(func() { limiter.Close() })

	f := newFixture(t, fixtureOpts{limiter: limiter})

	w := f.do(t, http.MethodGet, "/v1/providers", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/providers", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// The generate path is limited inside the gateway, not here.
	w = f.do(t, http.MethodPost, "/v1/generate", generateBody())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDocsEndpoints(t *testing.T) {
	specPath := filepath.Join(t.TempDir(), "openapi.yaml")
	spec := "openapi: 3.0.3\ninfo:\n  title: Switchboard API\n  version: 1.0.0\npaths: {}\n"
	require.NoError(t, os.WriteFile(specPath, []byte(spec), 0o644))

	cfg := DefaultConfig()
	cfg.Docs = DocsConfig{Enabled: true, SpecPath: specPath}
	f := newFixture(t, fixtureOpts{cfg: &cfg})

	w := f.do(t, http.MethodGet, "/docs/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Switchboard API")

	w = f.do(t, http.MethodGet, "/docs/openapi.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, json.Valid(w.Body.Bytes()))
	assert.Contains(t, w.Body.String(), `"openapi"`)

	w = f.do(t, http.MethodGet, "/docs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "swagger-ui")
}

func TestRequestValidationMiddleware(t *testing.T) {
	specPath := filepath.Join(t.TempDir(), "openapi.yaml")
	spec := `openapi: 3.0.3
info:
  title: Switchboard API
  version: 1.0.0
paths:
  /v1/generate:
    post:
      requestBody:
        required: true
        content:
          application/json:
            schema:
              type: object
              required: [input]
              properties:
                input:
                  type: string
                  minLength: 1
      responses:
        '200':
          description: ok
`
	require.NoError(t, os.WriteFile(specPath, []byte(spec), 0o644))

	cfg := DefaultConfig()
	cfg.Docs.Enabled = false
	cfg.Validation.Enabled = true
	cfg.Validation.SpecPath = specPath
	f := newFixture(t, fixtureOpts{cfg: &cfg})

	// Schema violation is caught before the handler.
	w := f.do(t, http.MethodPost, "/v1/generate", map[string]any{"other": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decodeError(t, w).Kind)
	assert.Zero(t, f.apex.calls)

	// A conforming body reaches the pipeline.
	w = f.do(t, http.MethodPost, "/v1/generate", generateBody())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.apex.calls)

	// Undocumented paths pass through outside strict mode.
	w = f.do(t, http.MethodGet, "/v1/providers", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
