package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/switchboard-ai/switchboard/internal/catalog"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// Strategy names, used in configuration, requirements overrides, and
// routing decisions.
const (
	NameRoundRobin      = "round_robin"
	NameLeastLatency    = "least_latency"
	NameCostOptimized   = "cost_optimized"
	NameWeighted        = "weighted"
	NameStickySession   = "sticky_session"
	NameHealthBased     = "health_based"
	NameCapabilityBased = "capability_based"
	NameAdaptive        = "adaptive"
)

// Selection is the outcome of one strategy pick.
type Selection struct {
	Ref    types.ModelRef
	Reason string
	Score  float64
}

// Context carries the shared state a strategy may consult. The candidate
// list handed to Select is already filtered for eligibility; strategies
// only decide among survivors.
type Context struct {
	Requirements types.Requirements
	Metrics      *metrics.Store
	Catalog      *catalog.Catalog

	// Health classifies a key, when a monitor is wired. Nil means no
	// health signal is available.
	Health func(key string) types.HealthState
}

// Strategy picks one candidate from an eligible, non-empty list.
//
// Implementations must be safe for concurrent use; any mutable state is
// private to the instance so strategies can be switched at runtime
// without corrupting each other.
type Strategy interface {
	// Name returns the stable strategy name for logs and decisions.
	Name() string

	// Select picks one of the candidates. It must not call out to any
	// backend; selection is a pure function of local state.
	Select(ctx context.Context, candidates []types.ModelRef, sctx *Context) (*Selection, error)
}

// ErrNoCandidates is returned when Select is handed an empty list.
var ErrNoCandidates = fmt.Errorf("no candidates to select from")

// Registry maps strategy names to instances. Lookups are cheap; Register
// may be called at runtime to swap tunings.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces a strategy under its own name.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get looks a strategy up by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names lists registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Config tunes the built-in strategy set.
type Config struct {
	// StickyTTL is how long a session stays pinned to its candidate.
	StickyTTL int64 // seconds

	// StickyFallback names the strategy used for unpinned sessions.
	StickyFallback string

	// Exploration is the adaptive strategy's probability of trying a
	// non-best candidate.
	Exploration float64

	// Adaptive sub-score weights; normalized at use.
	PerformanceWeight float64
	CostWeight        float64
	ReliabilityWeight float64
}

// DefaultConfig returns the standard strategy tuning.
func DefaultConfig() Config {
	return Config{
		StickyTTL:         1800,
		StickyFallback:    NameLeastLatency,
		Exploration:       0.1,
		PerformanceWeight: 0.4,
		CostWeight:        0.3,
		ReliabilityWeight: 0.3,
	}
}

// NewDefaultRegistry builds a registry holding the full built-in set.
func NewDefaultRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.StickyTTL <= 0 {
		cfg.StickyTTL = def.StickyTTL
	}
	if cfg.StickyFallback == "" {
		cfg.StickyFallback = def.StickyFallback
	}
	if cfg.Exploration <= 0 || cfg.Exploration >= 1 {
		cfg.Exploration = def.Exploration
	}
	if cfg.PerformanceWeight <= 0 && cfg.CostWeight <= 0 && cfg.ReliabilityWeight <= 0 {
		cfg.PerformanceWeight = def.PerformanceWeight
		cfg.CostWeight = def.CostWeight
		cfg.ReliabilityWeight = def.ReliabilityWeight
	}

	r := NewRegistry()
	r.Register(NewRoundRobin())
	r.Register(NewLeastLatency())
	r.Register(NewCostOptimized())
	r.Register(NewWeighted())
	r.Register(NewHealthBased())
	r.Register(NewCapabilityBased())
	r.Register(NewAdaptive(cfg))
	r.Register(NewStickySession(cfg, r))
	return r
}

// expectedLatency reads the smoothed latency for a candidate, falling
// back to the catalog latency tier prior when no samples exist yet.
func expectedLatency(ref types.ModelRef, sctx *Context) float64 {
	if sctx.Metrics != nil {
		if sn, ok := sctx.Metrics.SnapshotRef(ref); ok && sn.Samples() {
			return sn.AvgLatency
		}
	}
	if sctx.Catalog != nil {
		if m, ok := sctx.Catalog.Model(ref); ok {
			return tierLatencyMS(m.LatencyTier)
		}
	}
	return tierLatencyMS("")
}

func tierLatencyMS(tier string) float64 {
	switch tier {
	case "fast":
		return 300
	case "slow":
		return 3000
	default:
		return 1000
	}
}

// blendedCost reads the catalog cost for a candidate; unknown models rank
// as moderately expensive rather than free.
func blendedCost(ref types.ModelRef, sctx *Context) float64 {
	if sctx.Catalog != nil {
		if m, ok := sctx.Catalog.Model(ref); ok {
			return m.BlendedCostPer1K()
		}
	}
	return 0.01
}
