package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind categorizes routing and execution failures. The fallback
// executor keys its retry behavior off the kind, never off error text.
type ErrorKind string

const (
	ErrKindTransientNetwork   ErrorKind = "transient_network"
	ErrKindRateLimited        ErrorKind = "rate_limited"
	ErrKindTimeout            ErrorKind = "timeout"
	ErrKindCircuitOpen        ErrorKind = "circuit_open"
	ErrKindUnhealthy          ErrorKind = "unhealthy"
	ErrKindNoSuitableModel    ErrorKind = "no_suitable_model"
	ErrKindFallbacksExhausted ErrorKind = "fallbacks_exhausted"
	ErrKindValidation         ErrorKind = "validation"
	ErrKindProvider           ErrorKind = "provider" // non-retryable upstream rejection
	ErrKindInternal           ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may succeed against a
// different candidate. Circuit-open and unhealthy targets are skipped
// rather than retried, the chain simply moves on.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTransientNetwork, ErrKindRateLimited, ErrKindTimeout:
		return true
	case ErrKindCircuitOpen, ErrKindUnhealthy:
		return true
	}
	return false
}

// Terminal reports whether the kind ends the request outright.
func (k ErrorKind) Terminal() bool {
	switch k {
	case ErrKindNoSuitableModel, ErrKindFallbacksExhausted, ErrKindValidation:
		return true
	}
	return false
}

// RouteError is the kind-tagged error produced by the router, the fallback
// executor, and the execution backends.
type RouteError struct {
	Kind    ErrorKind
	Ref     ModelRef // provider:model the failure is attributed to, if any
	Message string
	Err     error
}

func (e *RouteError) Error() string {
	target := ""
	if !e.Ref.IsZero() {
		target = " [" + e.Ref.String() + "]"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s%s: %s: %v", e.Kind, target, e.Message, e.Err)
	}
	return fmt.Sprintf("%s%s: %s", e.Kind, target, e.Message)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// Is matches two RouteErrors by kind, so sentinel values below work with
// errors.Is regardless of wrapping.
func (e *RouteError) Is(target error) bool {
	t, ok := target.(*RouteError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewRouteError builds a kind-tagged error. ref may be zero for failures
// not attributable to a single target.
func NewRouteError(kind ErrorKind, ref ModelRef, message string, err error) *RouteError {
	return &RouteError{Kind: kind, Ref: ref, Message: message, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrNoSuitableModel    = NewRouteError(ErrKindNoSuitableModel, ModelRef{}, "no suitable model for requirements", nil)
	ErrCircuitOpen        = NewRouteError(ErrKindCircuitOpen, ModelRef{}, "circuit breaker open", nil)
	ErrRateLimited        = NewRouteError(ErrKindRateLimited, ModelRef{}, "rate limited", nil)
	ErrTimeout            = NewRouteError(ErrKindTimeout, ModelRef{}, "request timed out", nil)
	ErrFallbacksExhausted = NewRouteError(ErrKindFallbacksExhausted, ModelRef{}, "all fallback options exhausted", nil)
	ErrValidation         = NewRouteError(ErrKindValidation, ModelRef{}, "invalid request", nil)
)

// KindOf extracts the ErrorKind from err, or ErrKindInternal when err
// carries no kind.
func KindOf(err error) ErrorKind {
	var re *RouteError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ErrKindFallbacksExhausted
	}
	return ErrKindInternal
}

// IsRetryable reports whether the chain should move on to another
// candidate after err.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// ExhaustedError is the terminal failure after every fallback option has
// been tried or skipped. It carries the full attempt trail for callers
// and logs.
type ExhaustedError struct {
	Attempts []Attempt
	Elapsed  time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all fallback options exhausted after %d attempts in %s",
		len(e.Attempts), e.Elapsed.Round(time.Millisecond))
}

// Is lets errors.Is(err, ErrFallbacksExhausted) match the terminal error.
func (e *ExhaustedError) Is(target error) bool {
	t, ok := target.(*RouteError)
	return ok && t.Kind == ErrKindFallbacksExhausted
}

// AttemptedRefs returns the ordered provider:model keys that were tried.
func (e *ExhaustedError) AttemptedRefs() []string {
	refs := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		refs = append(refs, a.Ref.String())
	}
	return refs
}
