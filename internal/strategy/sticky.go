package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// StickySession pins each session ID to the candidate that served it
// first, for the configured TTL. Requests without a session ID, expired
// pins, and pins whose candidate dropped out of eligibility all fall
// through to the delegate strategy.
//
// The affinity map is private to the instance, so swapping the active
// strategy at runtime cannot corrupt other strategies' state.
type StickySession struct {
	ttl      time.Duration
	fallback string
	registry *Registry

	mu      sync.Mutex
	pins    map[string]pin
	selects int

	now func() time.Time
}

type pin struct {
	ref       types.ModelRef
	expiresAt time.Time
}

// NewStickySession builds the strategy with its delegate resolved from
// registry at selection time.
func NewStickySession(cfg Config, registry *Registry) *StickySession {
	ttl := time.Duration(cfg.StickyTTL) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	fallback := cfg.StickyFallback
	if fallback == "" {
		fallback = NameLeastLatency
	}
	return &StickySession{
		ttl:      ttl,
		fallback: fallback,
		registry: registry,
		pins:     make(map[string]pin),
		now:      time.Now,
	}
}

func (s *StickySession) Name() string {
	return NameStickySession
}

func (s *StickySession) Select(ctx context.Context, candidates []types.ModelRef, sctx *Context) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	session := sctx.Requirements.SessionID
	if session == "" {
		return s.delegate(ctx, candidates, sctx)
	}

	now := s.now()

	s.mu.Lock()
	s.selects++
	if s.selects%64 == 0 {
		s.purgeLocked(now)
	}
	p, pinned := s.pins[session]
	s.mu.Unlock()

	if pinned && now.Before(p.expiresAt) && contains(candidates, p.ref) {
		return &Selection{
			Ref:    p.ref,
			Reason: "session affinity",
		}, nil
	}

	sel, err := s.delegate(ctx, candidates, sctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pins[session] = pin{ref: sel.Ref, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()

	return &Selection{Ref: sel.Ref, Reason: "session pinned via " + s.fallback, Score: sel.Score}, nil
}

func (s *StickySession) delegate(ctx context.Context, candidates []types.ModelRef, sctx *Context) (*Selection, error) {
	if s.registry != nil {
		if inner, ok := s.registry.Get(s.fallback); ok && inner.Name() != s.Name() {
			return inner.Select(ctx, candidates, sctx)
		}
	}
	// No usable delegate: first candidate keeps selection deterministic.
	return &Selection{Ref: candidates[0], Reason: "first eligible candidate"}, nil
}

// purgeLocked drops expired pins. Caller holds s.mu.
func (s *StickySession) purgeLocked(now time.Time) {
	for k, p := range s.pins {
		if !now.Before(p.expiresAt) {
			delete(s.pins, k)
		}
	}
}

// Pinned reports the live pin count, for stats surfaces.
func (s *StickySession) Pinned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(s.now())
	return len(s.pins)
}

func contains(candidates []types.ModelRef, ref types.ModelRef) bool {
	for _, c := range candidates {
		if c == ref {
			return true
		}
	}
	return false
}
