package security

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// Limiter is the per-caller admission check shared by the gateway's
// rate-limit interceptor and the HTTP middleware.
type Limiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Reset(ctx context.Context, key string) error
}

// RateLimitResult reports one admission decision.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// RateLimitConfig holds token bucket settings.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int           `yaml:"burst" json:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// TokenBucketLimiter keeps one bucket per caller key, refilled
// continuously at the configured rate.
type TokenBucketLimiter struct {
	cfg    RateLimitConfig
	logger *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	janitor *time.Ticker
	stop    chan struct{}
	stopped bool

	now func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucketLimiter builds the limiter and starts its janitor.
func NewTokenBucketLimiter(cfg RateLimitConfig, logger *logrus.Logger) *TokenBucketLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	l := &TokenBucketLimiter{
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	l.janitor = time.NewTicker(cfg.CleanupInterval)
	go func() {
		for {
			select {
			case <-l.janitor.C:
				l.sweep()
			case <-l.stop:
				return
			}
		}
	}()

	return l
}

// Allow takes one token from the caller's bucket, refilling fractional
// tokens for the elapsed time first.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	if !l.cfg.Enabled {
		return &RateLimitResult{
			Allowed:   true,
			Remaining: l.cfg.Burst,
		}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastRefill: now}
		l.buckets[key] = b
	}

	refill := now.Sub(b.lastRefill).Minutes() * float64(l.cfg.RequestsPerMinute)
	b.tokens = minFloat(b.tokens+refill, float64(l.cfg.Burst))
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return &RateLimitResult{
			Allowed:   true,
			Remaining: int(b.tokens),
			ResetAt:   now.Add(l.timeToTokens(float64(l.cfg.Burst) - b.tokens)),
		}, nil
	}

	retryAfter := l.timeToTokens(1 - b.tokens)
	l.logger.WithFields(logrus.Fields{
		"key":         maskKey(key),
		"retry_after": retryAfter,
	}).Warn("Rate limit exceeded")

	return &RateLimitResult{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

// Reset forgets the caller's bucket, restoring its full burst.
func (l *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.buckets, key)
	l.logger.WithField("key", maskKey(key)).Info("Rate limit reset")
	return nil
}

// Close stops the janitor. Safe to call more than once.
func (l *TokenBucketLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil
	}
	l.stopped = true
	l.janitor.Stop()
	close(l.stop)
	return nil
}

// sweep drops buckets idle long enough to have refilled completely; a
// full bucket is indistinguishable from a fresh one.
func (l *TokenBucketLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.timeToTokens(float64(l.cfg.Burst)))
	removed := 0
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
}

// timeToTokens returns how long refilling the given token count takes.
func (l *TokenBucketLimiter) timeToTokens(n float64) time.Duration {
	return time.Duration(n / float64(l.cfg.RequestsPerMinute) * float64(time.Minute))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

var _ Limiter = (*TokenBucketLimiter)(nil)

// RateLimitMiddleware enforces the limiter per caller and reports the
// standard X-RateLimit headers.
func RateLimitMiddleware(limiter Limiter, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = CallerKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				http.Error(w, "rate limiter unavailable", http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(types.ErrorResponse{
					Error: types.ErrorDetail{
						Kind:    string(types.ErrKindRateLimited),
						Message: "rate limit exceeded",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CallerKey derives the rate limit key for a request: the authenticated
// user when present, the client IP otherwise.
func CallerKey(r *http.Request) string {
	if info, ok := GetAuthInfo(r.Context()); ok {
		return "user:" + info.UserID
	}
	return "ip:" + clientIP(r)
}
