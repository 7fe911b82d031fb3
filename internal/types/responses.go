package types

import "time"

// Usage is the token accounting reported by a backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// GenerateResponse is the result of one routed generation.
type GenerateResponse struct {
	ID           string  `json:"id"`
	Output       string  `json:"output"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Usage        Usage   `json:"usage"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Latency      int64   `json:"latency_ms"`
	Cost         float64 `json:"cost,omitempty"`

	// Cached marks a response served from the gateway cache without
	// touching a backend. Degraded marks a response produced by the
	// last-resort fallback option.
	Cached   bool `json:"cached,omitempty"`
	Degraded bool `json:"degraded,omitempty"`

	// Attempts lists every provider:model tried before this response,
	// in order. Empty when the primary choice succeeded directly.
	Attempts []Attempt `json:"attempts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the provider:model pair that served the response.
func (r *GenerateResponse) Ref() ModelRef {
	return ModelRef{Provider: r.Provider, Model: r.Model}
}

// Attempt records one step of a fallback chain execution.
type Attempt struct {
	Ref     ModelRef  `json:"ref"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Error   string    `json:"error,omitempty"`
	Latency int64     `json:"latency_ms,omitempty"`
	Skipped bool      `json:"skipped,omitempty"` // gated by an open breaker, never executed
}

// ErrorResponse is the wire shape for HTTP error payloads.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
