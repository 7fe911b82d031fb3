package types

import (
	"fmt"
	"strings"
)

// ModelRef addresses one model at one provider. The string form
// "provider:model" is the key used by metrics, breakers, and caches.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (r ModelRef) String() string {
	return r.Provider + ":" + r.Model
}

func (r ModelRef) IsZero() bool {
	return r.Provider == "" && r.Model == ""
}

// ParseModelRef parses a "provider:model" key back into a ModelRef.
func ParseModelRef(s string) (ModelRef, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return ModelRef{}, fmt.Errorf("invalid model ref %q, want provider:model", s)
	}
	return ModelRef{Provider: s[:idx], Model: s[idx+1:]}, nil
}

// Provider is a static catalog entry for an upstream vendor. Entries are
// built once at startup and never mutated afterwards.
type Provider struct {
	ID          string  `json:"id" yaml:"id"`
	DisplayName string  `json:"display_name" yaml:"display_name"`
	CostTier    string  `json:"cost_tier,omitempty" yaml:"cost_tier"` // "premium", "standard", "budget"
	Weight      float64 `json:"weight,omitempty" yaml:"weight"`       // static share for weighted selection
	Models      []Model `json:"models" yaml:"models"`
}

// Model is one selectable model under a provider.
type Model struct {
	ID              string       `json:"id" yaml:"id"`
	DisplayName     string       `json:"display_name,omitempty" yaml:"display_name"`
	Capabilities    []Capability `json:"capabilities" yaml:"capabilities"`
	ContextWindow   int          `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int          `json:"max_output_tokens" yaml:"max_output_tokens"`
	InputCostPer1K  float64      `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K float64      `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`

	// Static priors used before enough live samples exist.
	Quality     float64 `json:"quality,omitempty" yaml:"quality"`           // 0..1
	LatencyTier string  `json:"latency_tier,omitempty" yaml:"latency_tier"` // "fast", "standard", "slow"
}

// HasCapability reports whether the model advertises c.
func (m *Model) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HasAllCapabilities reports whether every capability in want is advertised.
func (m *Model) HasAllCapabilities(want []Capability) bool {
	for _, c := range want {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

// EstimateCost projects the dollar cost of a call with the given token counts.
func (m *Model) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*m.InputCostPer1K +
		float64(outputTokens)/1000.0*m.OutputCostPer1K
}

// BlendedCostPer1K is the per-1K cost assuming a typical 3:1 input:output
// token split. Used for ranking when exact token counts are unknown.
func (m *Model) BlendedCostPer1K() float64 {
	return 0.75*m.InputCostPer1K + 0.25*m.OutputCostPer1K
}
