package types

// Capability identifies a model feature a request can require.
type Capability string

const (
	CapChat            Capability = "chat"
	CapCompletion      Capability = "completion"
	CapVision          Capability = "vision"
	CapFunctionCalling Capability = "function_calling"
	CapJSONMode        Capability = "json_mode"
	CapStreaming       Capability = "streaming"
	CapLongContext     Capability = "long_context"
	CapReasoning       Capability = "reasoning"
	CapCode            Capability = "code"
	CapEmbeddings      Capability = "embeddings"
)

// TaskKind classifies what the caller is trying to do. It drives capability
// derivation and complexity analysis.
type TaskKind string

const (
	TaskGeneralChat    TaskKind = "general_chat"
	TaskCodeGeneration TaskKind = "code_generation"
	TaskSummarization  TaskKind = "summarization"
	TaskTranslation    TaskKind = "translation"
	TaskVisionAnalysis TaskKind = "vision_analysis"
	TaskReasoning      TaskKind = "reasoning"
	TaskExtraction     TaskKind = "extraction"
)

// ImpliedCapabilities returns the capabilities a task always needs,
// independent of what the caller asked for explicitly.
func (t TaskKind) ImpliedCapabilities() []Capability {
	switch t {
	case TaskCodeGeneration:
		return []Capability{CapChat, CapCode}
	case TaskVisionAnalysis:
		return []Capability{CapChat, CapVision}
	case TaskReasoning:
		return []Capability{CapChat, CapReasoning}
	case TaskExtraction:
		return []Capability{CapChat, CapJSONMode}
	default:
		return []Capability{CapChat}
	}
}

// Priority selects what the router optimizes for.
type Priority string

const (
	PrioritySpeed   Priority = "speed"
	PriorityQuality Priority = "quality"
	PriorityCost    Priority = "cost"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PrioritySpeed, PriorityQuality, PriorityCost:
		return true
	}
	return false
}

// Complexity buckets a request by how demanding it is.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Rank orders complexities; higher means more demanding. Unknown values
// rank below simple.
func (c Complexity) Rank() int {
	switch c {
	case ComplexitySimple:
		return 1
	case ComplexityModerate:
		return 2
	case ComplexityComplex:
		return 3
	}
	return 0
}

// HealthState is the advisory health classification for a provider or model.
// It is derived from rolling metrics and is distinct from the circuit
// breaker gate.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)
