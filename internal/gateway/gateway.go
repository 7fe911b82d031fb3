// Package gateway is the outward-facing pipeline: interceptors, response
// cache, routing, and fallback execution composed into one Generate call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/cache"
	"github.com/switchboard-ai/switchboard/internal/catalog"
	"github.com/switchboard-ai/switchboard/internal/events"
	"github.com/switchboard-ai/switchboard/internal/fallback"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/routing"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// Config holds gateway pipeline settings.
type Config struct {
	// MaxErrorRetries bounds how many times error interceptors may
	// re-run the routing+execution chain for one request.
	MaxErrorRetries int `yaml:"max_error_retries" json:"max_error_retries"`

	// DegradedRef, when set, is appended to every fallback chain as the
	// last-resort option. It only executes under the degraded policy.
	DegradedRef types.ModelRef `yaml:"degraded_ref" json:"degraded_ref"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		MaxErrorRetries: 1,
	}
}

// Gateway composes the full request pipeline: validate, request
// interceptors, cache lookup, routing, fallback execution, cost
// recording, cache store, response interceptors.
type Gateway struct {
	cfg      Config
	engine   *routing.Engine
	executor *fallback.Executor
	backends *backend.Registry
	catalog  *catalog.Catalog
	store    *metrics.Store
	cache    cache.Cache
	bus      *events.Bus
	logger   *logrus.Logger

	validate *validator.Validate
	reqInts  []RequestInterceptor
	respInts []ResponseInterceptor
	errInts  []ErrorInterceptor
}

// New wires the gateway against its collaborators. The cache may be nil
// to disable response caching.
func New(cfg Config, engine *routing.Engine, executor *fallback.Executor, backends *backend.Registry, cat *catalog.Catalog, store *metrics.Store, c cache.Cache, bus *events.Bus, logger *logrus.Logger) *Gateway {
	if cfg.MaxErrorRetries < 0 {
		cfg.MaxErrorRetries = 0
	}
	return &Gateway{
		cfg:      cfg,
		engine:   engine,
		executor: executor,
		backends: backends,
		catalog:  cat,
		store:    store,
		cache:    c,
		bus:      bus,
		logger:   logger,
		validate: validator.New(),
	}
}

// UseRequest appends a request interceptor. Interceptors run in the
// order they were added.
func (g *Gateway) UseRequest(it RequestInterceptor) {
	g.reqInts = append(g.reqInts, it)
}

// UseResponse appends a response interceptor.
func (g *Gateway) UseResponse(it ResponseInterceptor) {
	g.respInts = append(g.respInts, it)
}

// UseError appends an error interceptor.
func (g *Gateway) UseError(it ErrorInterceptor) {
	g.errInts = append(g.errInts, it)
}

// Generate serves one generation request end to end.
func (g *Gateway) Generate(ctx context.Context, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = start
	}

	if err := g.validateRequest(req); err != nil {
		return nil, err
	}

	var err error
	for _, it := range g.reqInts {
		if ctx, err = it.InterceptRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("interceptor %s: %w", it.Name(), err)
		}
	}

	for attempt := 0; ; attempt++ {
		resp, err := g.dispatch(ctx, req)
		if err == nil {
			return resp, nil
		}

		retry := false
		for _, it := range g.errInts {
			again, out := it.InterceptError(ctx, req, err)
			retry = retry || again
			if out != nil {
				err = out
			}
		}
		if !retry || attempt >= g.cfg.MaxErrorRetries {
			g.logger.WithError(err).WithFields(logrus.Fields{
				"request_id": req.ID,
				"elapsed_ms": time.Since(start).Milliseconds(),
			}).Error("Request failed")
			g.complete(req, nil, err)
			return nil, err
		}

		g.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"attempt":    attempt + 1,
		}).Warn("Retrying request after error interceptor")
	}
}

// Route produces a routing decision without executing it.
func (g *Gateway) Route(ctx context.Context, req *types.RouteRequest) (*routing.Decision, error) {
	if err := g.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	gen := &types.GenerateRequest{
		Input:        req.Input,
		Requirements: req.Requirements,
		Metadata:     req.Metadata,
	}
	return g.engine.Route(ctx, gen)
}

// InvalidateCache removes cached responses by tag and/or glob pattern
// and returns how many entries were dropped.
func (g *Gateway) InvalidateCache(ctx context.Context, tags []string, pattern string) (int, error) {
	if g.cache == nil {
		return 0, nil
	}

	removed := 0
	for _, tag := range tags {
		n, err := g.cache.InvalidateTag(ctx, tag)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if pattern != "" {
		n, err := g.cache.InvalidatePattern(ctx, pattern)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	g.logger.WithFields(logrus.Fields{
		"tags":    tags,
		"pattern": pattern,
		"removed": removed,
	}).Info("Cache invalidated")
	return removed, nil
}

// CacheStats reports cache counters; ok is false when caching is disabled.
func (g *Gateway) CacheStats() (cache.Stats, bool) {
	if g.cache == nil {
		return cache.Stats{}, false
	}
	return g.cache.Stats(), true
}

// dispatch runs one pass of the inner chain: cache, route, execute,
// record, store. Error-interceptor retries re-enter here.
func (g *Gateway) dispatch(ctx context.Context, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	var key string
	if g.cache != nil {
		key = cache.Key(req)
		if entry, ok := g.cache.Get(ctx, key); ok {
			metrics.CacheEvents.WithLabelValues("hit").Inc()
			g.publish(events.EventCacheHit, key, map[string]any{"request_id": req.ID})

			resp := *entry.Response
			resp.Cached = true
			if err := g.respond(ctx, req, &resp); err != nil {
				return nil, err
			}
			return &resp, nil
		}
		metrics.CacheEvents.WithLabelValues("miss").Inc()
		g.publish(events.EventCacheMiss, key, map[string]any{"request_id": req.ID})
	}

	decision, err := g.engine.Route(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := g.executor.Execute(ctx, g.buildOptions(decision), func(ctx context.Context, ref types.ModelRef) (*types.GenerateResponse, error) {
		return g.backends.Execute(ctx, ref, req)
	})
	if err != nil {
		return nil, err
	}

	g.recordCost(resp)

	// Degraded responses are not cached; a full-TTL stale answer from the
	// last-resort path would mask recovery.
	if g.cache != nil && !resp.Degraded {
		entry := &cache.Entry{
			Response: resp,
			Tags:     cache.TagsFor(resp, req.Requirements.TaskKind),
		}
		if err := g.cache.Set(ctx, key, entry, 0); err != nil {
			g.logger.WithError(err).WithField("request_id", req.ID).Warn("Failed to store response in cache")
		}
	}

	if err := g.respond(ctx, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// respond runs response interceptors and emits the completion event.
func (g *Gateway) respond(ctx context.Context, req *types.GenerateRequest, resp *types.GenerateResponse) error {
	for _, it := range g.respInts {
		if err := it.InterceptResponse(ctx, req, resp); err != nil {
			return fmt.Errorf("interceptor %s: %w", it.Name(), err)
		}
	}
	g.complete(req, resp, nil)
	return nil
}

func (g *Gateway) complete(req *types.GenerateRequest, resp *types.GenerateResponse, err error) {
	fields := map[string]any{"request_id": req.ID}
	key := ""
	if resp != nil {
		key = resp.Ref().String()
		fields["latency_ms"] = resp.Latency
		fields["cost"] = resp.Cost
		fields["cached"] = resp.Cached
		fields["attempts"] = len(resp.Attempts)
	}
	if err != nil {
		fields["error_kind"] = string(types.KindOf(err))
	}
	g.publish(events.EventRequestComplete, key, fields)
}

// buildOptions turns a routing decision into the executor's chain,
// appending the configured degraded ref when it is not already present.
func (g *Gateway) buildOptions(decision *routing.Decision) []fallback.Option {
	refs := decision.FallbackRefs()
	opts := make([]fallback.Option, 0, len(refs)+1)
	for i, ref := range refs {
		opts = append(opts, fallback.Option{Ref: ref, Rank: i})
	}

	if g.cfg.DegradedRef != (types.ModelRef{}) {
		present := false
		for _, ref := range refs {
			if ref == g.cfg.DegradedRef {
				present = true
				break
			}
		}
		if !present {
			opts = append(opts, fallback.Option{
				Ref:      g.cfg.DegradedRef,
				Rank:     len(refs),
				Degraded: true,
			})
		}
	}
	return opts
}

// recordCost prices the served call from catalog rates and actual usage.
func (g *Gateway) recordCost(resp *types.GenerateResponse) {
	ref := resp.Ref()
	model, ok := g.catalog.Model(ref)
	if !ok {
		g.logger.WithField("ref", ref.String()).Debug("Served model not in catalog, cost not recorded")
		return
	}
	cost := model.EstimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	resp.Cost = cost
	g.store.RecordCost(ref, cost)
}

func (g *Gateway) validateRequest(req *types.GenerateRequest) error {
	if err := g.validate.Struct(req); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError flattens validator field errors into one message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("field %s failed %s validation", fe.Namespace(), fe.Tag()))
		}
		return &types.RouteError{
			Kind:    types.ErrKindValidation,
			Message: strings.Join(msgs, "; "),
		}
	}
	return &types.RouteError{
		Kind:    types.ErrKindValidation,
		Message: err.Error(),
	}
}

func (g *Gateway) publish(typ events.EventType, key string, fields map[string]any) {
	if g.bus != nil {
		g.bus.Publish(typ, key, fields)
	}
}
