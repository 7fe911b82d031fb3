package strategy

import (
	"context"
	"fmt"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// LeastLatency picks the candidate with the lowest smoothed latency.
// Candidates without samples fall back to their catalog latency tier, so
// cold models are judged by their prior rather than winning by default.
type LeastLatency struct{}

func NewLeastLatency() *LeastLatency {
	return &LeastLatency{}
}

func (s *LeastLatency) Name() string {
	return NameLeastLatency
}

func (s *LeastLatency) Select(_ context.Context, candidates []types.ModelRef, sctx *Context) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	best := candidates[0]
	bestLatency := expectedLatency(best, sctx)
	for _, ref := range candidates[1:] {
		l := expectedLatency(ref, sctx)
		if l < bestLatency || (l == bestLatency && ref.String() < best.String()) {
			best = ref
			bestLatency = l
		}
	}

	return &Selection{
		Ref:    best,
		Reason: fmt.Sprintf("lowest expected latency %.0fms", bestLatency),
		Score:  bestLatency,
	}, nil
}
