package routing

import (
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// Choice is one ranked provider:model pick.
type Choice struct {
	Ref types.ModelRef `json:"ref"`

	// Human-readable reasoning for the pick
	Reason string `json:"reason"`

	// Score is the weighted routing score; Confidence reflects how far
	// ahead of the alternatives the pick was.
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Decision is the full outcome of one routing pass.
type Decision struct {
	// The selected provider:model pair
	Primary Choice `json:"primary"`

	// Ranked alternatives for fallback, best first
	Alternatives []Choice `json:"alternatives,omitempty"`

	// Strategy that made the final pick
	Strategy string `json:"strategy"`

	// Additional routing context
	Context DecisionContext `json:"context"`
}

// DecisionContext records what the engine saw when it decided.
type DecisionContext struct {
	TaskKind   types.TaskKind   `json:"task_kind,omitempty"`
	Priority   types.Priority   `json:"priority,omitempty"`
	Complexity types.Complexity `json:"complexity"`

	// Capabilities the request was routed against
	RequiredCapabilities []types.Capability `json:"required_capabilities,omitempty"`

	// Token footprint estimate used for window and cost checks
	EstimatedTokens int `json:"estimated_tokens"`

	// Candidates that survived filtering, in rank order
	Considered []string `json:"considered"`

	// Candidates removed by filtering, with the reason each was excluded
	Excluded map[string]string `json:"excluded,omitempty"`

	// Cost and latency comparison across considered candidates
	CostComparison    map[string]float64 `json:"cost_comparison,omitempty"`
	LatencyComparison map[string]float64 `json:"latency_comparison,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// FallbackRefs returns the decision's candidates in execution order:
// primary first, then alternatives.
func (d *Decision) FallbackRefs() []types.ModelRef {
	refs := make([]types.ModelRef, 0, 1+len(d.Alternatives))
	refs = append(refs, d.Primary.Ref)
	for _, alt := range d.Alternatives {
		refs = append(refs, alt.Ref)
	}
	return refs
}

// History retains the most recent routing decisions in a bounded ring
// for the stats surface. Oldest entries are overwritten.
type History struct {
	mu   sync.Mutex
	buf  []*Decision
	pos  int
	full bool
}

// NewHistory builds a ring holding up to size decisions.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 256
	}
	return &History{buf: make([]*Decision, size)}
}

// Add records one decision.
func (h *History) Add(d *Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.pos] = d
	h.pos++
	if h.pos == len(h.buf) {
		h.pos = 0
		h.full = true
	}
}

// Len reports how many decisions are retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.pos
}

// Recent returns up to n decisions, newest first.
func (h *History) Recent(n int) []*Decision {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.pos
	if h.full {
		size = len(h.buf)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]*Decision, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.pos - 1 - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
