package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// Weighted picks candidates at random in proportion to their provider's
// configured static weight. Providers without a weight count as 1.
type Weighted struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewWeighted() *Weighted {
	return &Weighted{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *Weighted) Name() string {
	return NameWeighted
}

func (s *Weighted) Select(_ context.Context, candidates []types.ModelRef, sctx *Context) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, ref := range candidates {
		w := 1.0
		if sctx.Catalog != nil {
			if p, ok := sctx.Catalog.Provider(ref.Provider); ok && p.Weight > 0 {
				w = p.Weight
			}
		}
		weights[i] = w
		total += w
	}

	s.mu.Lock()
	target := s.rnd.Float64() * total
	s.mu.Unlock()

	acc := 0.0
	for i, w := range weights {
		acc += w
		if acc >= target {
			return &Selection{
				Ref:    candidates[i],
				Reason: fmt.Sprintf("weighted draw, share %.2f", w/total),
				Score:  w / total,
			}, nil
		}
	}
	last := candidates[len(candidates)-1]
	return &Selection{Ref: last, Reason: "weighted draw"}, nil
}
