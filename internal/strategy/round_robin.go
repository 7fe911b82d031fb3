package strategy

import (
	"context"
	"sync/atomic"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// RoundRobin cycles through candidates in order, spreading load evenly
// regardless of metrics.
type RoundRobin struct {
	counter atomic.Uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (s *RoundRobin) Name() string {
	return NameRoundRobin
}

func (s *RoundRobin) Select(_ context.Context, candidates []types.ModelRef, _ *Context) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	idx := (s.counter.Add(1) - 1) % uint64(len(candidates))
	return &Selection{
		Ref:    candidates[idx],
		Reason: "round robin rotation",
	}, nil
}
