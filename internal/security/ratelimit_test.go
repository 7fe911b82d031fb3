package security

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/internal/types"
)

type limiterFixture struct {
	limiter *TokenBucketLimiter
	clock   time.Time
}

func newLimiterFixture(t *testing.T, cfg RateLimitConfig) *limiterFixture {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}

	f := &limiterFixture{
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.limiter = NewTokenBucketLimiter(cfg, discardLogger())
	f.limiter.now = func() time.Time { return f.clock }
	t.Cleanup(func() { f.limiter.Close() })
	return f
}

func (f *limiterFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestAllowConsumesBurst(t *testing.T) {
	f := newLimiterFixture(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 2})
	ctx := context.Background()

	first, err := f.limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	second, err := f.limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	third, err := f.limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.InDelta(t, float64(time.Second), float64(third.RetryAfter), float64(time.Millisecond))
}

func TestRefillRestoresTokens(t *testing.T) {
	f := newLimiterFixture(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	ctx := context.Background()

	res, err := f.limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = f.limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	f.advance(time.Second)
	res, err = f.limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSteadyRateIsSustained(t *testing.T) {
	f := newLimiterFixture(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	ctx := context.Background()

	res, err := f.limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// One request per second forever matches 60 rpm exactly.
	for i := 0; i < 10; i++ {
		f.advance(time.Second)
		res, err := f.limiter.Allow(ctx, "user:a")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be admitted", i)
	}
}

func TestIdleDoesNotExceedBurst(t *testing.T) {
	f := newLimiterFixture(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 2})
	ctx := context.Background()

	f.limiter.Allow(ctx, "user:a")
	f.advance(time.Hour)

	allowed := 0
	for i := 0; i < 4; i++ {
		res, err := f.limiter.Allow(ctx, "user:a")
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestKeysAreIsolated(t *testing.T) {
	f := newLimiterFixture(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	ctx := context.Background()

	res, _ := f.limiter.Allow(ctx, "user:a")
	assert.True(t, res.Allowed)
	res, _ = f.limiter.Allow(ctx, "user:a")
	assert.False(t, res.Allowed)

	res, _ = f.limiter.Allow(ctx, "user:b")
	assert.True(t, res.Allowed)
}

func TestResetRestoresBurst(t *testing.T) {
	f := newLimiterFixture(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	ctx := context.Background()

	f.limiter.Allow(ctx, "user:a")
	res, _ := f.limiter.Allow(ctx, "user:a")
	assert.False(t, res.Allowed)

	require.NoError(t, f.limiter.Reset(ctx, "user:a"))
	res, _ = f.limiter.Allow(ctx, "user:a")
	assert.True(t, res.Allowed)
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	f := newLimiterFixture(t, RateLimitConfig{Enabled: false, RequestsPerMinute: 1, Burst: 1})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := f.limiter.Allow(ctx, "user:a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestSweepDropsOnlyRefilledBuckets(t *testing.T) {
	f := newLimiterFixture(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 60})
	ctx := context.Background()

	f.limiter.Allow(ctx, "user:idle")
	f.advance(2 * time.Minute)
	f.limiter.Allow(ctx, "user:active")
	f.limiter.sweep()

	f.limiter.mu.Lock()
	_, idleKept := f.limiter.buckets["user:idle"]
	_, activeKept := f.limiter.buckets["user:active"]
	f.limiter.mu.Unlock()

	assert.False(t, idleKept)
	assert.True(t, activeKept)
}

func TestRateLimitMiddleware(t *testing.T) {
	f := newLimiterFixture(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1})

	handler := RateLimitMiddleware(f.limiter, func(*http.Request) string { return "user:a" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body types.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, string(types.ErrKindRateLimited), body.Error.Kind)
}

func TestCallerKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "ip:10.1.2.3", CallerKey(r))

	ctx := WithAuthInfo(r.Context(), &AuthInfo{UserID: "user-42"})
	assert.Equal(t, "user:user-42", CallerKey(r.WithContext(ctx)))
}
