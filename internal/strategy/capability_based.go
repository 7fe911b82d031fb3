package strategy

import (
	"context"
	"fmt"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// CapabilityBased picks the most capable candidate: the one advertising
// the most capabilities beyond what the request requires, with the
// static quality prior as tie-breaker. Useful when a caller would rather
// over-provision than risk a capability miss mid-conversation.
type CapabilityBased struct{}

func NewCapabilityBased() *CapabilityBased {
	return &CapabilityBased{}
}

func (s *CapabilityBased) Name() string {
	return NameCapabilityBased
}

func (s *CapabilityBased) Select(_ context.Context, candidates []types.ModelRef, sctx *Context) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	required := make(map[types.Capability]bool, len(sctx.Requirements.Capabilities))
	for _, c := range sctx.Requirements.Capabilities {
		required[c] = true
	}

	best := candidates[0]
	bestExtra, bestQuality := s.rate(best, required, sctx)
	for _, ref := range candidates[1:] {
		extra, quality := s.rate(ref, required, sctx)
		if extra > bestExtra ||
			(extra == bestExtra && quality > bestQuality) ||
			(extra == bestExtra && quality == bestQuality && ref.String() < best.String()) {
			best, bestExtra, bestQuality = ref, extra, quality
		}
	}

	return &Selection{
		Ref:    best,
		Reason: fmt.Sprintf("most capable candidate (+%d beyond required)", bestExtra),
		Score:  float64(bestExtra),
	}, nil
}

func (s *CapabilityBased) rate(ref types.ModelRef, required map[types.Capability]bool, sctx *Context) (int, float64) {
	if sctx.Catalog == nil {
		return 0, 0
	}
	m, ok := sctx.Catalog.Model(ref)
	if !ok {
		return 0, 0
	}
	extra := 0
	for _, c := range m.Capabilities {
		if !required[c] {
			extra++
		}
	}
	return extra, m.Quality
}
