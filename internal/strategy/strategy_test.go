package strategy

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/catalog"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/types"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]types.Provider{
		{
			ID: "alpha", DisplayName: "Alpha", Weight: 3,
			Models: []types.Model{
				{
					ID:           "swift",
					Capabilities: []types.Capability{types.CapChat},
					LatencyTier:  "fast", InputCostPer1K: 0.001, OutputCostPer1K: 0.002,
					Quality: 0.6,
				},
			},
		},
		{
			ID: "beta", DisplayName: "Beta", Weight: 1,
			Models: []types.Model{
				{
					ID:           "titan",
					Capabilities: []types.Capability{types.CapChat, types.CapVision, types.CapReasoning, types.CapFunctionCalling},
					LatencyTier:  "slow", InputCostPer1K: 0.01, OutputCostPer1K: 0.03,
					Quality: 0.95,
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func refs() (types.ModelRef, types.ModelRef) {
	return types.ModelRef{Provider: "alpha", Model: "swift"},
		types.ModelRef{Provider: "beta", Model: "titan"}
}

func testSctx(t *testing.T) *Context {
	return &Context{
		Metrics: metrics.NewStore(metrics.Config{}, quietLogger()),
		Catalog: testCatalog(t),
	}
}

func TestRoundRobinCycles(t *testing.T) {
	swift, titan := refs()
	candidates := []types.ModelRef{swift, titan}
	s := NewRoundRobin()

	var picks []types.ModelRef
	for i := 0; i < 4; i++ {
		sel, err := s.Select(context.Background(), candidates, testSctx(t))
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		picks = append(picks, sel.Ref)
	}

	want := []types.ModelRef{swift, titan, swift, titan}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("pick %d = %s, want %s", i, picks[i], want[i])
		}
	}
}

func TestLeastLatencyPrefersFasterObservedCandidate(t *testing.T) {
	swift, titan := refs()
	sctx := testSctx(t)

	// Titan is catalog-slow but has been observed fast; swift observed
	// slow. Live samples beat priors.
	for i := 0; i < 10; i++ {
		sctx.Metrics.RecordSuccess(titan, 200*time.Millisecond, types.Usage{})
		sctx.Metrics.RecordSuccess(swift, 2000*time.Millisecond, types.Usage{})
	}

	sel, err := NewLeastLatency().Select(context.Background(), []types.ModelRef{swift, titan}, sctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Ref != titan {
		t.Errorf("picked %s, want observed-fast titan", sel.Ref)
	}
}

func TestLeastLatencyUsesTierPriorWhenCold(t *testing.T) {
	swift, titan := refs()
	sel, err := NewLeastLatency().Select(context.Background(), []types.ModelRef{titan, swift}, testSctx(t))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Ref != swift {
		t.Errorf("picked %s, want tier-fast swift", sel.Ref)
	}
}

func TestCostOptimizedPicksCheapest(t *testing.T) {
	swift, titan := refs()
	sel, err := NewCostOptimized().Select(context.Background(), []types.ModelRef{titan, swift}, testSctx(t))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Ref != swift {
		t.Errorf("picked %s, want cheap swift", sel.Ref)
	}
}

func TestWeightedFollowsProviderWeights(t *testing.T) {
	swift, titan := refs()
	s := NewWeighted()
	s.rnd = rand.New(rand.NewSource(42))
	sctx := testSctx(t)

	counts := map[types.ModelRef]int{}
	for i := 0; i < 4000; i++ {
		sel, err := s.Select(context.Background(), []types.ModelRef{swift, titan}, sctx)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[sel.Ref]++
	}

	// Weights 3:1 should land near a 75/25 split.
	share := float64(counts[swift]) / 4000.0
	if share < 0.68 || share > 0.82 {
		t.Errorf("alpha share = %.3f, want near 0.75 (counts %v)", share, counts)
	}
}

func TestStickySessionPinsAndExpires(t *testing.T) {
	swift, titan := refs()
	candidates := []types.ModelRef{swift, titan}

	reg := NewRegistry()
	reg.Register(NewRoundRobin()) // delegate that would rotate without pinning
	s := NewStickySession(Config{StickyTTL: 600, StickyFallback: NameRoundRobin}, reg)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	sctx := testSctx(t)
	sctx.Requirements.SessionID = "sess-1"

	first, err := s.Select(context.Background(), candidates, sctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.Select(context.Background(), candidates, sctx)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if again.Ref != first.Ref {
			t.Fatalf("pin broke on repeat %d: %s vs %s", i, again.Ref, first.Ref)
		}
	}
	if s.Pinned() != 1 {
		t.Errorf("pinned = %d, want 1", s.Pinned())
	}

	// After the TTL the delegate repicks; the rotating delegate proves the
	// old pin was dropped rather than refreshed.
	base = base.Add(11 * time.Minute)
	next, err := s.Select(context.Background(), candidates, sctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if next.Ref == first.Ref {
		t.Error("expired pin should fall through to the rotating delegate")
	}
}

func TestStickySessionRepinsWhenCandidateDropsOut(t *testing.T) {
	swift, titan := refs()
	reg := NewRegistry()
	reg.Register(NewLeastLatency())
	s := NewStickySession(Config{StickyTTL: 600, StickyFallback: NameLeastLatency}, reg)

	sctx := testSctx(t)
	sctx.Requirements.SessionID = "sess-2"

	first, err := s.Select(context.Background(), []types.ModelRef{swift, titan}, sctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first.Ref != swift {
		t.Fatalf("expected tier-fast swift first, got %s", first.Ref)
	}

	// Swift becomes ineligible; the pin must not force an ineligible pick.
	sel, err := s.Select(context.Background(), []types.ModelRef{titan}, sctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Ref != titan {
		t.Errorf("picked %s, want remaining candidate", sel.Ref)
	}
}

func TestHealthBasedAvoidsUnhealthy(t *testing.T) {
	swift, titan := refs()
	sctx := testSctx(t)
	sctx.Health = func(key string) types.HealthState {
		if key == swift.String() {
			return types.HealthUnhealthy
		}
		return types.HealthHealthy
	}

	sel, err := NewHealthBased().Select(context.Background(), []types.ModelRef{swift, titan}, sctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Ref != titan {
		t.Errorf("picked %s, want healthy titan", sel.Ref)
	}
}

func TestCapabilityBasedPicksMostCapable(t *testing.T) {
	swift, titan := refs()
	sctx := testSctx(t)
	sctx.Requirements.Capabilities = []types.Capability{types.CapChat}

	sel, err := NewCapabilityBased().Select(context.Background(), []types.ModelRef{swift, titan}, sctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Ref != titan {
		t.Errorf("picked %s, want capability-rich titan", sel.Ref)
	}
}

func TestAdaptivePicksBestWithoutExploration(t *testing.T) {
	swift, titan := refs()
	s := NewAdaptive(Config{
		PerformanceWeight: 0.4, CostWeight: 0.3, ReliabilityWeight: 0.3,
	})
	s.epsilon = 0 // determinism: no exploration in this test
	sctx := testSctx(t)

	// Swift: fast, cheap, reliable. Titan: slow, pricey, failing.
	for i := 0; i < 20; i++ {
		sctx.Metrics.RecordSuccess(swift, 150*time.Millisecond, types.Usage{})
		sctx.Metrics.RecordFailure(titan, types.ErrTimeout)
	}

	for i := 0; i < 10; i++ {
		sel, err := s.Select(context.Background(), []types.ModelRef{swift, titan}, sctx)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if sel.Ref != swift {
			t.Fatalf("pick %d = %s, want dominant swift", i, sel.Ref)
		}
	}
}

func TestAdaptiveExplorationStaysNearConfiguredRate(t *testing.T) {
	swift, titan := refs()
	s := NewAdaptive(Config{
		Exploration:       0.1,
		PerformanceWeight: 0.4, CostWeight: 0.3, ReliabilityWeight: 0.3,
	})
	s.rnd = rand.New(rand.NewSource(7))
	sctx := testSctx(t)

	// Make swift strictly dominant so every titan pick is exploration.
	for i := 0; i < 20; i++ {
		sctx.Metrics.RecordSuccess(swift, 150*time.Millisecond, types.Usage{})
		sctx.Metrics.RecordSuccess(titan, 4000*time.Millisecond, types.Usage{})
	}

	explored := 0
	for i := 0; i < 2000; i++ {
		sel, err := s.Select(context.Background(), []types.ModelRef{swift, titan}, sctx)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if sel.Ref == titan {
			explored++
		}
	}

	rate := float64(explored) / 2000.0
	if rate < 0.05 || rate > 0.16 {
		t.Errorf("exploration rate = %.3f, want near 0.10", rate)
	}
}

func TestAdaptiveSingleCandidateNeverExplores(t *testing.T) {
	swift, _ := refs()
	s := NewAdaptive(Config{Exploration: 0.9, PerformanceWeight: 1, CostWeight: 1, ReliabilityWeight: 1})

	sel, err := s.Select(context.Background(), []types.ModelRef{swift}, testSctx(t))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Ref != swift {
		t.Errorf("picked %s", sel.Ref)
	}
}

func TestRegistryHoldsFullBuiltinSet(t *testing.T) {
	reg := NewDefaultRegistry(Config{})

	for _, name := range []string{
		NameRoundRobin, NameLeastLatency, NameCostOptimized, NameWeighted,
		NameStickySession, NameHealthBased, NameCapabilityBased, NameAdaptive,
	} {
		s, ok := reg.Get(name)
		if !ok {
			t.Errorf("missing strategy %s", name)
			continue
		}
		if s.Name() != name {
			t.Errorf("strategy registered under %s reports name %s", name, s.Name())
		}
	}

	if _, ok := reg.Get("bogus"); ok {
		t.Error("unknown name should not resolve")
	}
	if len(reg.Names()) != 8 {
		t.Errorf("names = %v", reg.Names())
	}
}

func TestEmptyCandidatesRejectedEverywhere(t *testing.T) {
	reg := NewDefaultRegistry(Config{})
	for _, name := range reg.Names() {
		s, _ := reg.Get(name)
		if _, err := s.Select(context.Background(), nil, testSctx(t)); err == nil {
			t.Errorf("%s accepted empty candidates", name)
		}
	}
}
