package routing

import (
	"github.com/switchboard-ai/switchboard/internal/types"
)

// Token footprint heuristics. Four characters per token is the usual
// rough cut for mixed English text.
const (
	charsPerToken       = 4
	defaultOutputTokens = 512
	longContextTokens   = 32000
)

// Analysis is the derived view of a request the rest of the pipeline
// routes against.
type Analysis struct {
	Complexity      types.Complexity
	EstimatedTokens int
	InputTokens     int
	OutputTokens    int

	// Capabilities merges task-implied, explicitly requested, and
	// complexity-implied capabilities, deduplicated.
	Capabilities []types.Capability
}

// Analyze derives complexity, token footprint, and the required
// capability set for one request. Explicit hints always win over
// heuristics.
func Analyze(req *types.GenerateRequest) Analysis {
	a := Analysis{}

	a.InputTokens = estimateTokens(req)
	a.OutputTokens = req.MaxTokens
	if a.OutputTokens <= 0 {
		a.OutputTokens = defaultOutputTokens
	}
	a.EstimatedTokens = a.InputTokens + a.OutputTokens

	a.Complexity = classifyComplexity(req, a.InputTokens)
	a.Capabilities = deriveCapabilities(req, a)
	return a
}

func estimateTokens(req *types.GenerateRequest) int {
	if req.Requirements.EstimatedTokens > 0 {
		return req.Requirements.EstimatedTokens
	}
	chars := len(req.Input) + len(req.System)
	tokens := chars / charsPerToken
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func classifyComplexity(req *types.GenerateRequest, inputTokens int) types.Complexity {
	if req.Requirements.Complexity != "" {
		return req.Requirements.Complexity
	}

	level := types.ComplexitySimple
	if inputTokens > 500 {
		level = types.ComplexityModerate
	}
	if inputTokens > 2000 {
		level = types.ComplexityComplex
	}

	// Demanding task kinds bump the floor one level.
	switch req.Requirements.TaskKind {
	case types.TaskReasoning, types.TaskCodeGeneration:
		level = bump(level)
	case types.TaskVisionAnalysis:
		if level.Rank() < types.ComplexityModerate.Rank() {
			level = types.ComplexityModerate
		}
	}

	if req.Requirements.MultiStep {
		level = bump(level)
	}
	return level
}

func bump(c types.Complexity) types.Complexity {
	switch c {
	case types.ComplexitySimple:
		return types.ComplexityModerate
	default:
		return types.ComplexityComplex
	}
}

func deriveCapabilities(req *types.GenerateRequest, a Analysis) []types.Capability {
	seen := make(map[types.Capability]bool)
	var caps []types.Capability

	add := func(c types.Capability) {
		if c != "" && !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}

	task := req.Requirements.TaskKind
	if task == "" {
		task = types.TaskGeneralChat
	}
	for _, c := range task.ImpliedCapabilities() {
		add(c)
	}
	for _, c := range req.Requirements.Capabilities {
		add(c)
	}

	if a.Complexity == types.ComplexityComplex {
		add(types.CapReasoning)
	}
	if a.EstimatedTokens > longContextTokens {
		add(types.CapLongContext)
	}
	return caps
}
