package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/security"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// ErrUnauthenticated is returned when the caller identity is required
// but missing from the request context.
var ErrUnauthenticated = errors.New("caller is not authenticated")

// RequestInterceptor runs before routing. It may enrich the context or
// reject the request outright.
type RequestInterceptor interface {
	Name() string
	InterceptRequest(ctx context.Context, req *types.GenerateRequest) (context.Context, error)
}

// ResponseInterceptor runs after a response is produced, including
// responses served from cache.
type ResponseInterceptor interface {
	Name() string
	InterceptResponse(ctx context.Context, req *types.GenerateRequest, resp *types.GenerateResponse) error
}

// ErrorInterceptor runs on any pipeline failure. It may rewrite the
// error and may request one re-run of the routing+execution chain;
// retries are bounded by the gateway config regardless.
type ErrorInterceptor interface {
	Name() string
	InterceptError(ctx context.Context, req *types.GenerateRequest, err error) (retry bool, out error)
}

// requestLog records every inbound request before routing starts.
type requestLog struct {
	logger *logrus.Logger
}

// NewRequestLogInterceptor returns the standard inbound request logger.
func NewRequestLogInterceptor(logger *logrus.Logger) RequestInterceptor {
	return &requestLog{logger: logger}
}

func (r *requestLog) Name() string { return "request_log" }

func (r *requestLog) InterceptRequest(ctx context.Context, req *types.GenerateRequest) (context.Context, error) {
	fields := logrus.Fields{
		"request_id": req.ID,
		"task":       req.Requirements.TaskKind,
		"priority":   req.Requirements.Priority,
	}
	if info, ok := security.GetAuthInfo(ctx); ok {
		fields["user_id"] = info.UserID
	}
	r.logger.WithFields(fields).Info("Request received")
	return ctx, nil
}

// rateLimit admits requests through the shared security limiter, keyed
// by the authenticated caller when one is present.
type rateLimit struct {
	limiter security.Limiter
}

// NewRateLimitInterceptor wraps the limiter for the generate pipeline.
func NewRateLimitInterceptor(limiter security.Limiter) RequestInterceptor {
	return &rateLimit{limiter: limiter}
}

func (r *rateLimit) Name() string { return "rate_limit" }

func (r *rateLimit) InterceptRequest(ctx context.Context, req *types.GenerateRequest) (context.Context, error) {
	key := "anonymous"
	if info, ok := security.GetAuthInfo(ctx); ok {
		key = "user:" + info.UserID
	} else if caller := req.Metadata["caller"]; caller != "" {
		key = "caller:" + caller
	}

	result, err := r.limiter.Allow(ctx, key)
	if err != nil {
		return ctx, fmt.Errorf("rate limiter: %w", err)
	}
	if !result.Allowed {
		return ctx, &types.RouteError{
			Kind:    types.ErrKindRateLimited,
			Message: fmt.Sprintf("rate limit exceeded, retry in %s", result.RetryAfter),
		}
	}
	return ctx, nil
}

// requireAuth rejects requests whose context carries no caller identity.
type requireAuth struct{}

// NewAuthInterceptor enforces that authentication middleware ran upstream.
func NewAuthInterceptor() RequestInterceptor {
	return requireAuth{}
}

func (requireAuth) Name() string { return "require_auth" }

func (requireAuth) InterceptRequest(ctx context.Context, req *types.GenerateRequest) (context.Context, error) {
	if _, ok := security.GetAuthInfo(ctx); !ok {
		return ctx, ErrUnauthenticated
	}
	return ctx, nil
}

// responseLog records the outcome of every served response.
type responseLog struct {
	logger *logrus.Logger
}

// NewResponseLogInterceptor returns the standard response logger.
func NewResponseLogInterceptor(logger *logrus.Logger) ResponseInterceptor {
	return &responseLog{logger: logger}
}

func (r *responseLog) Name() string { return "response_log" }

func (r *responseLog) InterceptResponse(ctx context.Context, req *types.GenerateRequest, resp *types.GenerateResponse) error {
	r.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"provider":   resp.Provider,
		"model":      resp.Model,
		"latency_ms": resp.Latency,
		"cached":     resp.Cached,
		"degraded":   resp.Degraded,
	}).Info("Request completed")
	return nil
}
