package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/catalog"
	"github.com/switchboard-ai/switchboard/internal/events"
	"github.com/switchboard-ai/switchboard/internal/health"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/strategy"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// EngineConfig tunes the routing engine.
type EngineConfig struct {
	// DefaultStrategy is used when no override, session, or priority
	// rule applies.
	DefaultStrategy string `yaml:"default_strategy" json:"default_strategy"`

	// MaxAlternatives caps how many fallback candidates a decision
	// carries beyond the primary.
	MaxAlternatives int `yaml:"max_alternatives" json:"max_alternatives"`

	// HistorySize bounds the retained decision ring.
	HistorySize int `yaml:"history_size" json:"history_size"`

	// Weights maps priority names (plus "default") to scoring weights.
	Weights map[string]Weights `yaml:"weights" json:"weights"`
}

// DefaultEngineConfig returns the standard engine tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultStrategy: strategy.NameAdaptive,
		MaxAlternatives: 3,
		HistorySize:     256,
		Weights:         DefaultWeightTable(),
	}
}

// Engine turns a request into a routing decision: analyze, filter the
// catalog, score survivors, and let a strategy make the final pick.
// It never calls a backend; decisions are a pure function of catalog,
// metrics, and health state.
type Engine struct {
	cfg        EngineConfig
	catalog    *catalog.Catalog
	store      *metrics.Store
	breakers   *health.BreakerSet
	monitor    *health.Monitor
	strategies *strategy.Registry
	bus        *events.Bus
	logger     *logrus.Logger
	history    *History

	mu      sync.RWMutex
	weights map[string]Weights

	now func() time.Time
}

// NewEngine wires a routing engine from its dependencies. The metrics
// store, breaker set, monitor, and bus may be shared with other
// components; the engine only reads from them.
func NewEngine(cfg EngineConfig, cat *catalog.Catalog, store *metrics.Store, breakers *health.BreakerSet, monitor *health.Monitor, reg *strategy.Registry, bus *events.Bus, logger *logrus.Logger) *Engine {
	def := DefaultEngineConfig()
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = def.MaxAlternatives
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	weights := make(map[string]Weights, len(def.Weights))
	for k, w := range def.Weights {
		weights[k] = w
	}
	for k, w := range cfg.Weights {
		if w.total() > 0 {
			weights[k] = w
		}
	}

	return &Engine{
		cfg:        cfg,
		catalog:    cat,
		store:      store,
		breakers:   breakers,
		monitor:    monitor,
		strategies: reg,
		bus:        bus,
		logger:     logger,
		history:    NewHistory(cfg.HistorySize),
		weights:    weights,
		now:        time.Now,
	}
}

// Route produces a decision for one request. It returns a
// no-suitable-model error when filtering eliminates every candidate;
// the error detail carries the per-candidate exclusion reasons.
func (e *Engine) Route(ctx context.Context, req *types.GenerateRequest) (*Decision, error) {
	analysis := Analyze(req)
	reqs := req.Requirements

	eligible, excluded := e.filter(reqs, analysis)
	if len(eligible) == 0 {
		e.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"task_kind":  reqs.TaskKind,
			"excluded":   len(excluded),
		}).Warn("No model satisfies the request requirements")
		return nil, &types.RouteError{
			Kind:    types.ErrKindNoSuitableModel,
			Message: fmt.Sprintf("no model satisfies the request requirements (%d excluded)", len(excluded)),
		}
	}

	ranked := scoreCandidates(eligible, e.modelIndex(eligible), e.store, analysis.Capabilities, e.weightsFor(reqs.Priority))

	refs := make([]types.ModelRef, len(ranked))
	considered := make([]string, len(ranked))
	costCmp := make(map[string]float64, len(ranked))
	latencyCmp := make(map[string]float64, len(ranked))
	for i, sc := range ranked {
		refs[i] = sc.ref
		considered[i] = sc.ref.String()
		if m, ok := e.catalog.Model(sc.ref); ok {
			costCmp[sc.ref.String()] = m.EstimateCost(analysis.InputTokens, analysis.OutputTokens)
		}
		latencyCmp[sc.ref.String()] = sc.latency
	}

	stratName := e.pickStrategy(reqs, analysis)
	sel := e.selectWith(ctx, stratName, refs, reqs)
	stratName = sel.strategy

	primaryIdx := indexOf(ranked, sel.ref)
	primary := Choice{
		Ref:        sel.ref,
		Reason:     sel.reason,
		Score:      ranked[primaryIdx].score,
		Confidence: confidence(ranked, primaryIdx),
	}

	alternatives := make([]Choice, 0, e.cfg.MaxAlternatives)
	for i, sc := range ranked {
		if i == primaryIdx || len(alternatives) == e.cfg.MaxAlternatives {
			continue
		}
		alternatives = append(alternatives, Choice{
			Ref:    sc.ref,
			Reason: fmt.Sprintf("ranked #%d by weighted score", i+1),
			Score:  sc.score,
		})
	}

	decision := &Decision{
		Primary:      primary,
		Alternatives: alternatives,
		Strategy:     stratName,
		Context: DecisionContext{
			TaskKind:             reqs.TaskKind,
			Priority:             reqs.Priority,
			Complexity:           analysis.Complexity,
			RequiredCapabilities: analysis.Capabilities,
			EstimatedTokens:      analysis.EstimatedTokens,
			Considered:           considered,
			Excluded:             excluded,
			CostComparison:       costCmp,
			LatencyComparison:    latencyCmp,
			Timestamp:            e.now(),
		},
	}

	e.history.Add(decision)
	metrics.RoutingDecisions.WithLabelValues(stratName).Inc()
	if e.bus != nil {
		e.bus.Publish(events.EventRoutingDecision, primary.Ref.String(), map[string]any{
			"request_id": req.ID,
			"strategy":   stratName,
			"score":      primary.Score,
			"candidates": len(refs),
		})
	}
	e.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"provider":   primary.Ref.Provider,
		"model":      primary.Ref.Model,
		"strategy":   stratName,
		"score":      fmt.Sprintf("%.3f", primary.Score),
		"candidates": len(refs),
		"reason":     primary.Reason,
	}).Info("Routing decision made")

	return decision, nil
}

// filter walks the catalog and removes candidates that cannot serve the
// request, recording a reason for each exclusion. Breaker checks are
// advisory here; execution re-checks admission per attempt.
func (e *Engine) filter(reqs types.Requirements, a Analysis) ([]types.ModelRef, map[string]string) {
	var eligible []types.ModelRef
	excluded := make(map[string]string)

	for _, ref := range e.catalog.Pairs() {
		m, ok := e.catalog.Model(ref)
		if !ok {
			continue
		}
		key := ref.String()

		if e.breakers != nil && !e.breakers.Eligible(key) {
			excluded[key] = "circuit breaker open"
			continue
		}
		if e.monitor != nil && e.monitor.StateFor(key) == types.HealthUnhealthy {
			excluded[key] = "marked unhealthy"
			continue
		}
		if missing := firstMissingCapability(m, a.Capabilities); missing != "" {
			excluded[key] = "missing capability: " + missing
			continue
		}
		if m.ContextWindow > 0 && a.EstimatedTokens > m.ContextWindow {
			excluded[key] = fmt.Sprintf("context window %d below estimated %d tokens", m.ContextWindow, a.EstimatedTokens)
			continue
		}
		if reqs.MaxCostPerCall > 0 {
			if c := m.EstimateCost(a.InputTokens, a.OutputTokens); c > reqs.MaxCostPerCall {
				excluded[key] = fmt.Sprintf("estimated cost $%.4f exceeds budget $%.4f", c, reqs.MaxCostPerCall)
				continue
			}
		}
		if reqs.MaxLatency > 0 {
			if l := expectedLatencyMS(ref, m, e.store); l > float64(reqs.MaxLatency) {
				excluded[key] = fmt.Sprintf("expected latency %.0fms exceeds limit %dms", l, reqs.MaxLatency)
				continue
			}
		}
		eligible = append(eligible, ref)
	}
	return eligible, excluded
}

// pickStrategy resolves which strategy decides, in precedence order:
// explicit override, session affinity, priority rules, complexity rule,
// then the configured default.
func (e *Engine) pickStrategy(reqs types.Requirements, a Analysis) string {
	if reqs.Strategy != "" {
		return reqs.Strategy
	}
	if reqs.SessionID != "" {
		return strategy.NameStickySession
	}
	switch reqs.Priority {
	case types.PrioritySpeed:
		return strategy.NameLeastLatency
	case types.PriorityCost:
		return strategy.NameCostOptimized
	}
	if a.Complexity == types.ComplexityComplex {
		return strategy.NameHealthBased
	}
	return e.cfg.DefaultStrategy
}

type picked struct {
	ref      types.ModelRef
	reason   string
	strategy string
}

// selectWith runs the named strategy over the ranked candidates and
// falls back to the top-ranked candidate if the strategy is unknown or
// fails. Candidates arrive best first, so the zero fallback is safe.
func (e *Engine) selectWith(ctx context.Context, name string, refs []types.ModelRef, reqs types.Requirements) picked {
	sctx := &strategy.Context{
		Requirements: reqs,
		Metrics:      e.store,
		Catalog:      e.catalog,
	}
	if e.monitor != nil {
		sctx.Health = e.monitor.StateFor
	}

	strat, ok := e.strategies.Get(name)
	if !ok {
		e.logger.WithField("strategy", name).Warn("Unknown strategy requested, using top-ranked candidate")
		return picked{ref: refs[0], reason: "highest weighted score", strategy: "score_rank"}
	}

	sel, err := strat.Select(ctx, refs, sctx)
	if err != nil || sel == nil {
		e.logger.WithFields(logrus.Fields{
			"strategy": name,
			"error":    fmt.Sprint(err),
		}).Warn("Strategy selection failed, using top-ranked candidate")
		return picked{ref: refs[0], reason: "highest weighted score", strategy: "score_rank"}
	}
	return picked{ref: sel.Ref, reason: sel.Reason, strategy: strat.Name()}
}

// weightsFor resolves the scoring weights for a priority, falling back
// to the default row.
func (e *Engine) weightsFor(p types.Priority) Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if w, ok := e.weights[string(p)]; ok && w.total() > 0 {
		return w
	}
	if w, ok := e.weights["default"]; ok && w.total() > 0 {
		return w
	}
	return DefaultWeightTable()["default"]
}

// Weights returns a copy of the live weight table.
func (e *Engine) Weights() map[string]Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Weights, len(e.weights))
	for k, w := range e.weights {
		out[k] = w
	}
	return out
}

// UpdateWeights replaces rows of the weight table at runtime. Rows must
// name a known priority or "default" and carry non-negative weights
// that sum above zero.
func (e *Engine) UpdateWeights(table map[string]Weights) error {
	for name, w := range table {
		if name != "default" && !types.Priority(name).Valid() {
			return &types.RouteError{
				Kind:    types.ErrKindValidation,
				Message: fmt.Sprintf("unknown priority %q in weight table", name),
			}
		}
		if w.Capability < 0 || w.Performance < 0 || w.Cost < 0 || w.Reliability < 0 {
			return &types.RouteError{
				Kind:    types.ErrKindValidation,
				Message: fmt.Sprintf("negative weight for priority %q", name),
			}
		}
		if w.total() <= 0 {
			return &types.RouteError{
				Kind:    types.ErrKindValidation,
				Message: fmt.Sprintf("weights for priority %q sum to zero", name),
			}
		}
	}

	e.mu.Lock()
	for name, w := range table {
		e.weights[name] = w
	}
	e.mu.Unlock()

	e.logger.WithField("rows", len(table)).Info("Routing weights updated")
	return nil
}

// History exposes the retained decision ring.
func (e *Engine) History() *History {
	return e.history
}

// Strategies exposes the strategy registry for the stats surface.
func (e *Engine) Strategies() *strategy.Registry {
	return e.strategies
}

func (e *Engine) modelIndex(refs []types.ModelRef) map[types.ModelRef]*types.Model {
	out := make(map[types.ModelRef]*types.Model, len(refs))
	for _, ref := range refs {
		if m, ok := e.catalog.Model(ref); ok {
			out[ref] = m
		}
	}
	return out
}

func firstMissingCapability(m *types.Model, required []types.Capability) string {
	for _, c := range required {
		if !m.HasCapability(c) {
			return string(c)
		}
	}
	return ""
}

func indexOf(ranked []scored, ref types.ModelRef) int {
	for i, sc := range ranked {
		if sc.ref == ref {
			return i
		}
	}
	return 0
}

// confidence reflects how far ahead of the next candidate the pick was:
// 1.0 for an uncontested pick, pulled toward 0.5 as scores converge.
func confidence(ranked []scored, idx int) float64 {
	if len(ranked) == 1 {
		return 1.0
	}
	next := idx + 1
	if next >= len(ranked) {
		next = idx - 1
	}
	gap := ranked[idx].score - ranked[next].score
	if gap < 0 {
		gap = 0
	}
	c := 0.5 + gap
	if c > 1 {
		c = 1
	}
	return c
}
