package strategy

import (
	"context"
	"fmt"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// CostOptimized picks the cheapest candidate by blended per-1K catalog
// cost.
type CostOptimized struct{}

func NewCostOptimized() *CostOptimized {
	return &CostOptimized{}
}

func (s *CostOptimized) Name() string {
	return NameCostOptimized
}

func (s *CostOptimized) Select(_ context.Context, candidates []types.ModelRef, sctx *Context) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	best := candidates[0]
	bestCost := blendedCost(best, sctx)
	for _, ref := range candidates[1:] {
		c := blendedCost(ref, sctx)
		if c < bestCost || (c == bestCost && ref.String() < best.String()) {
			best = ref
			bestCost = c
		}
	}

	return &Selection{
		Ref:    best,
		Reason: fmt.Sprintf("lowest blended cost $%.4f/1k tokens", bestCost),
		Score:  bestCost,
	}, nil
}
