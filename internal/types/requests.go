package types

import "time"

// Requirements carries the routing constraints attached to a request.
// Everything is optional; the router derives what the caller leaves out.
type Requirements struct {
	TaskKind     TaskKind     `json:"task_kind,omitempty"`
	Priority     Priority     `json:"priority,omitempty" validate:"omitempty,oneof=speed quality cost"`
	Complexity   Complexity   `json:"complexity,omitempty" validate:"omitempty,oneof=simple moderate complex"` // explicit override, else derived
	Capabilities []Capability `json:"capabilities,omitempty"`

	MaxCostPerCall float64 `json:"max_cost_per_call,omitempty" validate:"omitempty,gte=0"`
	MaxLatency     int64   `json:"max_latency_ms,omitempty" validate:"omitempty,gte=0"` // milliseconds

	SessionID       string `json:"session_id,omitempty"`
	MultiStep       bool   `json:"multi_step,omitempty"`
	EstimatedTokens int    `json:"estimated_tokens,omitempty" validate:"omitempty,gte=0"`

	// Strategy forces a specific load balancing strategy by name, bypassing
	// the router's own selection rules.
	Strategy string `json:"strategy,omitempty"`
}

// GenerateRequest is a single generation call routed through the gateway.
type GenerateRequest struct {
	ID          string   `json:"id,omitempty"`
	Input       string   `json:"input" validate:"required"`
	System      string   `json:"system,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Temperature *float32 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`

	Requirements Requirements      `json:"requirements"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp,omitempty"`
}

// RouteRequest asks for a routing decision without executing it.
type RouteRequest struct {
	Input        string            `json:"input,omitempty"`
	Requirements Requirements      `json:"requirements"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
