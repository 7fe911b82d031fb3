package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/switchboard-ai/switchboard/internal/types"
)

func TestCapabilityScore(t *testing.T) {
	required := []types.Capability{types.CapChat}

	base := &types.Model{Quality: 0.6, Capabilities: []types.Capability{types.CapChat}}
	assert.Equal(t, 0.6, capabilityScore(base, required))

	extra := &types.Model{Quality: 0.6, Capabilities: []types.Capability{
		types.CapChat, types.CapCode, types.CapVision,
	}}
	assert.InDelta(t, 0.7, capabilityScore(extra, required), 1e-9)

	// Bonus caps at +0.2 and the total never exceeds 1.
	loaded := &types.Model{Quality: 0.95, Capabilities: []types.Capability{
		types.CapChat, types.CapCode, types.CapVision, types.CapReasoning,
		types.CapJSONMode, types.CapStreaming, types.CapLongContext,
	}}
	assert.Equal(t, 1.0, capabilityScore(loaded, required))

	unrated := &types.Model{Capabilities: []types.Capability{types.CapChat}}
	assert.Equal(t, 0.5, capabilityScore(unrated, required))
}

func TestPerformanceAndCostScores(t *testing.T) {
	assert.Equal(t, 1.0, performanceScore(0))
	assert.Equal(t, 0.5, performanceScore(1000))
	assert.True(t, performanceScore(200) > performanceScore(2000))

	assert.Equal(t, 1.0, costScore(0))
	assert.InDelta(t, 0.5, costScore(0.01), 1e-9)
	assert.True(t, costScore(0.001) > costScore(0.03))
}

func TestScoreTieBreaksLexically(t *testing.T) {
	a := types.ModelRef{Provider: "alpha", Model: "one"}
	b := types.ModelRef{Provider: "beta", Model: "one"}
	m := &types.Model{Quality: 0.7, Capabilities: []types.Capability{types.CapChat}, LatencyTier: "fast"}
	models := map[types.ModelRef]*types.Model{a: m, b: m}

	ranked := scoreCandidates([]types.ModelRef{b, a}, models, nil, nil, DefaultWeightTable()["default"])

	assert.Equal(t, a, ranked[0].ref)
	assert.Equal(t, b, ranked[1].ref)
	assert.Equal(t, ranked[0].score, ranked[1].score)
}

func TestZeroWeightsFallBackToDefault(t *testing.T) {
	a := types.ModelRef{Provider: "alpha", Model: "one"}
	m := &types.Model{Quality: 0.7, Capabilities: []types.Capability{types.CapChat}}
	models := map[types.ModelRef]*types.Model{a: m}

	ranked := scoreCandidates([]types.ModelRef{a}, models, nil, nil, Weights{})
	assert.True(t, ranked[0].score > 0)
}

func TestDefaultWeightTableRows(t *testing.T) {
	table := DefaultWeightTable()
	for _, row := range []string{"speed", "quality", "cost", "default"} {
		w, ok := table[row]
		if !ok {
			t.Fatalf("missing weight row %q", row)
		}
		assert.InDelta(t, 1.0, w.total(), 1e-9, "row %q should sum to 1", row)
	}
	assert.True(t, table["speed"].Performance > table["default"].Performance)
	assert.True(t, table["cost"].Cost > table["default"].Cost)
	assert.True(t, table["quality"].Capability > table["default"].Capability)
}
