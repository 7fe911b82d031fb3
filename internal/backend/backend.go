package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// Backend executes generation calls against one upstream vendor. An
// implementation handles exactly one provider; the registry dispatches
// by ref.
type Backend interface {
	// Name returns the provider id this backend serves.
	Name() string

	// Execute performs one generation call. Errors must be classified
	// into route error kinds so the fallback chain can decide whether
	// to move on.
	Execute(ctx context.Context, ref types.ModelRef, req *types.GenerateRequest) (*types.GenerateResponse, error)

	// Ping verifies the upstream is reachable and credentials work.
	Ping(ctx context.Context) error
}

// Registry maps provider ids to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

func (r *Registry) Get(provider string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[provider]
	return b, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches one call to the backend owning ref's provider.
func (r *Registry) Execute(ctx context.Context, ref types.ModelRef, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	b, ok := r.Get(ref.Provider)
	if !ok {
		return nil, types.NewRouteError(types.ErrKindInternal, ref,
			fmt.Sprintf("no backend registered for provider %q", ref.Provider), nil)
	}
	return b.Execute(ctx, ref, req)
}

// ClassifyStatus maps an upstream HTTP status onto an error kind.
// Rate limits and server-side failures are retryable elsewhere; client
// errors are upstream rejections that another candidate may or may not
// share.
func ClassifyStatus(status int) types.ErrorKind {
	switch {
	case status == 429:
		return types.ErrKindRateLimited
	case status == 408 || status == 504:
		return types.ErrKindTimeout
	case status >= 500:
		return types.ErrKindTransientNetwork
	default:
		return types.ErrKindProvider
	}
}

// ClassifyTransport wraps a non-HTTP failure: context deadlines and net
// timeouts become timeout kind, everything else transient network.
func ClassifyTransport(ref types.ModelRef, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewRouteError(types.ErrKindTimeout, ref, "upstream call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewRouteError(types.ErrKindTimeout, ref, "upstream call cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewRouteError(types.ErrKindTimeout, ref, "network timeout", err)
	}
	return types.NewRouteError(types.ErrKindTransientNetwork, ref, err.Error(), err)
}
