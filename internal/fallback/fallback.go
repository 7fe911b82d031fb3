package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/events"
	"github.com/switchboard-ai/switchboard/internal/health"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// Policy names selectable per deployment.
const (
	PolicyImmediate      = "immediate"
	PolicyExponential    = "exponential"
	PolicyCircuitBreaker = "circuit_breaker"
	PolicyDegraded       = "degraded"
)

// Config tunes the fallback executor.
type Config struct {
	// Policy selects the inter-attempt behavior. Unknown names fall back
	// to circuit_breaker.
	Policy string `yaml:"policy" json:"policy"`

	// BaseDelay and Multiplier shape the exponential backoff between
	// failed attempts; MaxDelay caps it.
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`

	// AttemptTimeout bounds each individual backend call. Zero disables
	// the per-attempt bound; the caller's context still applies.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`

	// MaxAttempts caps how many candidates are actually executed.
	// Breaker skips do not count. Zero means the chain length is the
	// only bound.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultConfig returns the standard executor tuning.
func DefaultConfig() Config {
	return Config{
		Policy:         PolicyCircuitBreaker,
		BaseDelay:      200 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 30 * time.Second,
		MaxAttempts:    4,
	}
}

// Option is one candidate in the execution chain. Degraded options are
// last-resort picks that only run under the degraded policy, after every
// normal candidate has failed or been skipped.
type Option struct {
	Ref      types.ModelRef
	Rank     int
	Degraded bool
}

// ExecFunc performs the actual backend call for one candidate.
type ExecFunc func(ctx context.Context, ref types.ModelRef) (*types.GenerateResponse, error)

// Executor walks an ordered candidate chain until one call succeeds.
// Open breakers are skipped without consuming the attempt budget, every
// executed failure is recorded against its candidate, and exhaustion
// surfaces the full attempt trail.
type Executor struct {
	cfg      Config
	store    *metrics.Store
	breakers *health.BreakerSet
	bus      *events.Bus
	logger   *logrus.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires an executor against the shared metrics store and
// breaker set.
func NewExecutor(cfg Config, store *metrics.Store, breakers *health.BreakerSet, bus *events.Bus, logger *logrus.Logger) *Executor {
	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	switch cfg.Policy {
	case PolicyImmediate, PolicyExponential, PolicyCircuitBreaker, PolicyDegraded:
	default:
		logger.WithField("policy", cfg.Policy).Warn("Unknown fallback policy, using circuit_breaker")
		cfg.Policy = PolicyCircuitBreaker
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}

	return &Executor{
		cfg:      cfg,
		store:    store,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Policy reports the active policy name.
func (e *Executor) Policy() string {
	return e.cfg.Policy
}

// Execute runs the chain. It returns the first successful response, or a
// terminal exhaustion error carrying every attempt in order. A
// validation failure from a backend aborts the chain immediately; trying
// the same malformed request elsewhere cannot succeed.
func (e *Executor) Execute(ctx context.Context, opts []Option, fn ExecFunc) (*types.GenerateResponse, error) {
	chain := e.orderChain(opts)
	if len(chain) == 0 {
		return nil, &types.RouteError{
			Kind:    types.ErrKindFallbacksExhausted,
			Message: "no fallback options to execute",
		}
	}

	start := e.now()
	attempts := make([]types.Attempt, 0, len(chain))
	executed := 0

	for _, opt := range chain {
		if err := ctx.Err(); err != nil {
			return nil, e.exhausted(attempts, start, err)
		}
		if e.cfg.MaxAttempts > 0 && executed >= e.cfg.MaxAttempts {
			break
		}

		key := opt.Ref.String()
		if e.breakers != nil && !e.breakers.Allow(key) {
			attempts = append(attempts, types.Attempt{
				Ref:     opt.Ref,
				Kind:    types.ErrKindCircuitOpen,
				Error:   "circuit breaker open",
				Skipped: true,
			})
			e.noteAttempt(opt.Ref, "skipped")
			continue
		}

		if executed > 0 {
			if err := e.sleep(ctx, e.delay(executed)); err != nil {
				return nil, e.exhausted(attempts, start, err)
			}
		}

		resp, latency, err := e.attempt(ctx, opt.Ref, fn)
		executed++

		if err == nil {
			e.recordSuccess(opt.Ref, latency, resp)
			resp.Degraded = resp.Degraded || opt.Degraded
			resp.Attempts = attempts
			e.noteAttempt(opt.Ref, "success")
			return resp, nil
		}

		kind := types.KindOf(err)
		attempts = append(attempts, types.Attempt{
			Ref:     opt.Ref,
			Kind:    kind,
			Error:   err.Error(),
			Latency: latency.Milliseconds(),
		})
		e.recordFailure(opt.Ref, err)
		e.noteAttempt(opt.Ref, "failure")

		e.logger.WithFields(logrus.Fields{
			"provider": opt.Ref.Provider,
			"model":    opt.Ref.Model,
			"kind":     string(kind),
			"degraded": opt.Degraded,
			"error":    err.Error(),
		}).Warn("Fallback attempt failed")

		if kind == types.ErrKindValidation {
			return nil, err
		}
	}

	return nil, e.exhausted(attempts, start, nil)
}

// orderChain drops or reorders degraded options according to policy:
// normal candidates keep their order, degraded ones run last, and only
// under the degraded policy.
func (e *Executor) orderChain(opts []Option) []Option {
	normal := make([]Option, 0, len(opts))
	var degraded []Option
	for _, o := range opts {
		if o.Degraded {
			degraded = append(degraded, o)
			continue
		}
		normal = append(normal, o)
	}
	if e.cfg.Policy == PolicyDegraded {
		return append(normal, degraded...)
	}
	return normal
}

// attempt executes one candidate under the per-attempt timeout and maps
// a deadline hit to a timeout failure for that candidate.
func (e *Executor) attempt(ctx context.Context, ref types.ModelRef, fn ExecFunc) (*types.GenerateResponse, time.Duration, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}

	began := e.now()
	resp, err := fn(attemptCtx, ref)
	latency := e.now().Sub(began)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = types.NewRouteError(types.ErrKindTimeout, ref,
			fmt.Sprintf("attempt exceeded %s", e.cfg.AttemptTimeout), err)
	}
	return resp, latency, err
}

// delay computes the pause before executed attempt n (1-based count of
// attempts already made).
func (e *Executor) delay(executed int) time.Duration {
	switch e.cfg.Policy {
	case PolicyImmediate, PolicyCircuitBreaker:
		return 0
	}
	d := e.cfg.BaseDelay
	for i := 1; i < executed; i++ {
		d = time.Duration(float64(d) * e.cfg.Multiplier)
		if d >= e.cfg.MaxDelay {
			return e.cfg.MaxDelay
		}
	}
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return d
}

func (e *Executor) recordSuccess(ref types.ModelRef, latency time.Duration, resp *types.GenerateResponse) {
	if e.breakers != nil {
		e.breakers.RecordSuccess(ref.String())
	}
	if e.store != nil {
		e.store.RecordSuccess(ref, latency, resp.Usage)
	}
}

func (e *Executor) recordFailure(ref types.ModelRef, err error) {
	if e.breakers != nil {
		e.breakers.RecordFailure(ref.String())
	}
	if e.store != nil {
		e.store.RecordFailure(ref, err)
	}
}

func (e *Executor) noteAttempt(ref types.ModelRef, result string) {
	metrics.FallbackAttempts.WithLabelValues(ref.Provider, ref.Model, result).Inc()
	if e.bus != nil {
		e.bus.Publish(events.EventFallbackAttempt, ref.String(), map[string]any{
			"result": result,
		})
	}
}

// exhausted builds the terminal error. cause, when present, is the
// context cancellation that cut the chain short.
func (e *Executor) exhausted(attempts []types.Attempt, start time.Time, cause error) error {
	elapsed := e.now().Sub(start)
	exErr := &types.ExhaustedError{Attempts: attempts, Elapsed: elapsed}

	e.logger.WithFields(logrus.Fields{
		"attempted": exErr.AttemptedRefs(),
		"elapsed":   elapsed.Round(time.Millisecond).String(),
		"cancelled": cause != nil,
	}).Error("All fallback options exhausted")

	if cause != nil {
		return &types.RouteError{
			Kind:    types.ErrKindTimeout,
			Message: fmt.Sprintf("request cancelled after %d attempts", len(attempts)),
			Err:     exErr,
		}
	}
	return exErr
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
