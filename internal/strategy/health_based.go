package strategy

import (
	"context"
	"fmt"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// HealthBased prefers healthy candidates over degraded ones, and degraded
// over unhealthy, breaking ties by expected latency. With no health
// signal wired it degenerates to least latency.
type HealthBased struct{}

func NewHealthBased() *HealthBased {
	return &HealthBased{}
}

func (s *HealthBased) Name() string {
	return NameHealthBased
}

func healthRank(state types.HealthState) int {
	switch state {
	case types.HealthHealthy, types.HealthUnknown:
		return 0
	case types.HealthDegraded:
		return 1
	default:
		return 2
	}
}

func (s *HealthBased) Select(_ context.Context, candidates []types.ModelRef, sctx *Context) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	best := candidates[0]
	bestRank, bestLatency := s.rank(best, sctx)
	for _, ref := range candidates[1:] {
		rank, latency := s.rank(ref, sctx)
		if rank < bestRank ||
			(rank == bestRank && latency < bestLatency) ||
			(rank == bestRank && latency == bestLatency && ref.String() < best.String()) {
			best, bestRank, bestLatency = ref, rank, latency
		}
	}

	state := types.HealthHealthy
	if sctx.Health != nil {
		state = sctx.Health(best.String())
	}
	return &Selection{
		Ref:    best,
		Reason: fmt.Sprintf("healthiest candidate (%s, %.0fms)", state, bestLatency),
	}, nil
}

func (s *HealthBased) rank(ref types.ModelRef, sctx *Context) (int, float64) {
	rank := 0
	if sctx.Health != nil {
		rank = healthRank(sctx.Health(ref.String()))
	}
	return rank, expectedLatency(ref, sctx)
}
