package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// Adaptive blends live performance, cost, and reliability into one score
// per candidate and usually picks the best. A small exploration share of
// selections goes to a random non-best candidate so cold and recovering
// targets keep collecting fresh samples. Scores come from smoothed
// metrics, not from any learned model.
type Adaptive struct {
	perfWeight float64
	costWeight float64
	relWeight  float64
	epsilon    float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewAdaptive(cfg Config) *Adaptive {
	total := cfg.PerformanceWeight + cfg.CostWeight + cfg.ReliabilityWeight
	if total <= 0 {
		cfg = DefaultConfig()
		total = cfg.PerformanceWeight + cfg.CostWeight + cfg.ReliabilityWeight
	}
	eps := cfg.Exploration
	if eps <= 0 || eps >= 1 {
		eps = DefaultConfig().Exploration
	}
	return &Adaptive{
		perfWeight: cfg.PerformanceWeight / total,
		costWeight: cfg.CostWeight / total,
		relWeight:  cfg.ReliabilityWeight / total,
		epsilon:    eps,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Adaptive) Name() string {
	return NameAdaptive
}

func (s *Adaptive) Select(_ context.Context, candidates []types.ModelRef, sctx *Context) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return &Selection{Ref: candidates[0], Reason: "only candidate"}, nil
	}

	scores := s.scoreAll(candidates, sctx)

	bestIdx := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[bestIdx] ||
			(scores[i] == scores[bestIdx] && candidates[i].String() < candidates[bestIdx].String()) {
			bestIdx = i
		}
	}

	s.mu.Lock()
	explore := s.rnd.Float64() < s.epsilon
	var pick int
	if explore {
		pick = s.rnd.Intn(len(candidates) - 1)
		if pick >= bestIdx {
			pick++
		}
	} else {
		pick = bestIdx
	}
	s.mu.Unlock()

	if explore {
		return &Selection{
			Ref:    candidates[pick],
			Reason: "exploration sample",
			Score:  scores[pick],
		}, nil
	}
	return &Selection{
		Ref:    candidates[pick],
		Reason: fmt.Sprintf("best adaptive score %.3f", scores[pick]),
		Score:  scores[pick],
	}, nil
}

// scoreAll computes the blended score for every candidate, normalizing
// latency and cost across the candidate set.
func (s *Adaptive) scoreAll(candidates []types.ModelRef, sctx *Context) []float64 {
	latencies := make([]float64, len(candidates))
	costs := make([]float64, len(candidates))
	var minLat, maxLat, minCost, maxCost float64

	for i, ref := range candidates {
		latencies[i] = expectedLatency(ref, sctx)
		costs[i] = blendedCost(ref, sctx)
		if i == 0 {
			minLat, maxLat = latencies[0], latencies[0]
			minCost, maxCost = costs[0], costs[0]
			continue
		}
		if latencies[i] < minLat {
			minLat = latencies[i]
		}
		if latencies[i] > maxLat {
			maxLat = latencies[i]
		}
		if costs[i] < minCost {
			minCost = costs[i]
		}
		if costs[i] > maxCost {
			maxCost = costs[i]
		}
	}

	scores := make([]float64, len(candidates))
	for i, ref := range candidates {
		perf := 1.0
		if maxLat > minLat {
			perf = 1 - (latencies[i]-minLat)/(maxLat-minLat)
		}
		cost := 1.0
		if maxCost > minCost {
			cost = 1 - (costs[i]-minCost)/(maxCost-minCost)
		}
		scores[i] = s.perfWeight*perf + s.costWeight*cost + s.relWeight*reliability(ref, sctx)
	}
	return scores
}

// reliability is the observed success rate pulled toward a neutral 0.5
// prior until enough samples accumulate. Twenty samples count as full
// confidence.
func reliability(ref types.ModelRef, sctx *Context) float64 {
	if sctx.Metrics == nil {
		return 0.5
	}
	sn, ok := sctx.Metrics.SnapshotRef(ref)
	if !ok || sn.TotalRequests == 0 {
		return 0.5
	}
	conf := float64(sn.TotalRequests) / 20.0
	if conf > 1 {
		conf = 1
	}
	return sn.SuccessRate*conf + 0.5*(1-conf)
}
