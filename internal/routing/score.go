package routing

import (
	"sort"

	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// Weights are the scoring dimension weights for one priority. They are
// normalized at use, so they only need to be proportionally sensible.
type Weights struct {
	Capability  float64 `yaml:"capability" json:"capability"`
	Performance float64 `yaml:"performance" json:"performance"`
	Cost        float64 `yaml:"cost" json:"cost"`
	Reliability float64 `yaml:"reliability" json:"reliability"`
}

func (w Weights) total() float64 {
	return w.Capability + w.Performance + w.Cost + w.Reliability
}

// DefaultWeightTable maps each priority to its standard weights. The
// "default" row serves requests that state no priority.
func DefaultWeightTable() map[string]Weights {
	return map[string]Weights{
		string(types.PrioritySpeed):   {Capability: 0.2, Performance: 0.5, Cost: 0.1, Reliability: 0.2},
		string(types.PriorityQuality): {Capability: 0.4, Performance: 0.2, Cost: 0.1, Reliability: 0.3},
		string(types.PriorityCost):    {Capability: 0.2, Performance: 0.1, Cost: 0.5, Reliability: 0.2},
		"default":                     {Capability: 0.3, Performance: 0.25, Cost: 0.2, Reliability: 0.25},
	}
}

// scored pairs a candidate with its weighted score and the raw inputs
// used for deterministic tie-breaking.
type scored struct {
	ref     types.ModelRef
	score   float64
	latency float64 // expected ms
	cost    float64 // blended $/1k
}

// scoreCandidates computes weighted scores and returns candidates ranked
// best first. Ranking is fully deterministic: equal scores fall back to
// lower latency, then lower cost, then lexical ref order.
func scoreCandidates(refs []types.ModelRef, models map[types.ModelRef]*types.Model, store *metrics.Store, required []types.Capability, w Weights) []scored {
	total := w.total()
	if total <= 0 {
		w = DefaultWeightTable()["default"]
		total = w.total()
	}

	out := make([]scored, 0, len(refs))
	for _, ref := range refs {
		m := models[ref]
		latency := expectedLatencyMS(ref, m, store)
		cost := m.BlendedCostPer1K()

		s := w.Capability*capabilityScore(m, required) +
			w.Performance*performanceScore(latency) +
			w.Cost*costScore(cost) +
			w.Reliability*reliabilityScore(ref, store)

		out = append(out, scored{
			ref:     ref,
			score:   s / total,
			latency: latency,
			cost:    cost,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].latency != out[j].latency {
			return out[i].latency < out[j].latency
		}
		if out[i].cost != out[j].cost {
			return out[i].cost < out[j].cost
		}
		return out[i].ref.String() < out[j].ref.String()
	})
	return out
}

// capabilityScore starts from the model's static quality prior and adds
// a small bonus per capability beyond the required set.
func capabilityScore(m *types.Model, required []types.Capability) float64 {
	base := m.Quality
	if base <= 0 {
		base = 0.5
	}

	req := make(map[types.Capability]bool, len(required))
	for _, c := range required {
		req[c] = true
	}
	extra := 0
	for _, c := range m.Capabilities {
		if !req[c] {
			extra++
		}
	}

	bonus := 0.05 * float64(extra)
	if bonus > 0.2 {
		bonus = 0.2
	}
	s := base + bonus
	if s > 1 {
		s = 1
	}
	return s
}

// performanceScore maps expected latency onto (0,1]; 1s of latency
// halves the score.
func performanceScore(latencyMS float64) float64 {
	if latencyMS < 0 {
		latencyMS = 0
	}
	return 1.0 / (1.0 + latencyMS/1000.0)
}

// costScore maps blended $/1k cost onto (0,1]; a cent per 1k tokens
// halves the score.
func costScore(blended float64) float64 {
	if blended < 0 {
		blended = 0
	}
	return 1.0 / (1.0 + blended*100.0)
}

// reliabilityScore is the observed success rate pulled toward a neutral
// 0.5 prior until twenty samples accumulate, so one early failure does
// not bury a candidate.
func reliabilityScore(ref types.ModelRef, store *metrics.Store) float64 {
	if store == nil {
		return 0.5
	}
	sn, ok := store.SnapshotRef(ref)
	if !ok || sn.TotalRequests == 0 {
		return 0.5
	}
	conf := float64(sn.TotalRequests) / 20.0
	if conf > 1 {
		conf = 1
	}
	return sn.SuccessRate*conf + 0.5*(1-conf)
}

// expectedLatencyMS prefers live smoothed samples and falls back to the
// catalog latency tier prior for cold candidates.
func expectedLatencyMS(ref types.ModelRef, m *types.Model, store *metrics.Store) float64 {
	if store != nil {
		if sn, ok := store.SnapshotRef(ref); ok && sn.Samples() {
			return sn.AvgLatency
		}
	}
	switch m.LatencyTier {
	case "fast":
		return 300
	case "slow":
		return 3000
	default:
		return 1000
	}
}
