package health

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/events"
	"github.com/switchboard-ai/switchboard/internal/metrics"
)

// BreakerState is the circuit breaker position for one key.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig tunes the trip and recovery behavior.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive failures trip a closed
	// breaker to open.
	FailureThreshold int

	// Cooldown is the initial open period before a half-open probe is
	// admitted.
	Cooldown time.Duration

	// BackoffFactor grows the cooldown each time a half-open probe fails,
	// capped at MaxCooldown. A successful probe resets the growth.
	BackoffFactor float64
	MaxCooldown   time.Duration
}

// DefaultBreakerConfig returns the standard trip tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		BackoffFactor:    2.0,
		MaxCooldown:      10 * time.Minute,
	}
}

type breaker struct {
	state          BreakerState
	failures       int
	trips          int // consecutive opens without a full close, drives backoff
	nextRetryAt    time.Time
	probeInFlight  bool
	lastTransition time.Time
}

// BreakerSnapshot is the externally visible breaker position for one key.
type BreakerSnapshot struct {
	Key            string    `json:"key"`
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	NextRetryAt    time.Time `json:"next_retry_at,omitempty"`
	LastTransition time.Time `json:"last_transition,omitempty"`
}

// BreakerSet holds one circuit breaker per provider and provider:model
// key. Keys are created lazily on first failure; a key with no breaker is
// always allowed.
type BreakerSet struct {
	cfg    BreakerConfig
	logger *logrus.Logger
	bus    *events.Bus

	mu       sync.Mutex
	breakers map[string]*breaker

	now func() time.Time
}

// NewBreakerSet builds the registry. bus may be nil in tests.
func NewBreakerSet(cfg BreakerConfig, bus *events.Bus, logger *logrus.Logger) *BreakerSet {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = def.MaxCooldown
	}
	return &BreakerSet{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// Allow reports whether a call against key may proceed. An open breaker
// whose retry time has passed moves to half-open and admits exactly one
// probe; concurrent callers are refused until that probe resolves.
func (s *BreakerSet) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, ok := s.breakers[key]
	if !ok {
		return true
	}

	switch br.state {
	case StateClosed:
		return true
	case StateOpen:
		if s.now().Before(br.nextRetryAt) {
			return false
		}
		s.transition(key, br, StateHalfOpen)
		br.probeInFlight = true
		return true
	case StateHalfOpen:
		if br.probeInFlight {
			return false
		}
		br.probeInFlight = true
		return true
	}
	return true
}

// Eligible reports whether key could currently be admitted, without
// consuming the half-open probe slot. Routing filters on this; execution
// still gates every attempt through Allow.
func (s *BreakerSet) Eligible(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, ok := s.breakers[key]
	if !ok {
		return true
	}
	switch br.state {
	case StateClosed:
		return true
	case StateOpen:
		return !s.now().Before(br.nextRetryAt)
	case StateHalfOpen:
		return !br.probeInFlight
	}
	return true
}

// RecordSuccess feeds a completed call into the breaker. A half-open
// probe success closes the breaker and resets the cooldown backoff.
func (s *BreakerSet) RecordSuccess(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, ok := s.breakers[key]
	if !ok {
		return
	}

	switch br.state {
	case StateClosed:
		br.failures = 0
	case StateHalfOpen:
		br.probeInFlight = false
		br.failures = 0
		br.trips = 0
		s.transition(key, br, StateClosed)
	case StateOpen:
		// Stale completion from a call admitted before the trip. The
		// breaker stays open until a half-open probe succeeds.
	}
}

// RecordFailure feeds a failed call into the breaker, tripping or
// re-tripping it as the state machine dictates.
func (s *BreakerSet) RecordFailure(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, ok := s.breakers[key]
	if !ok {
		br = &breaker{state: StateClosed, lastTransition: s.now()}
		s.breakers[key] = br
	}

	switch br.state {
	case StateClosed:
		br.failures++
		if br.failures >= s.cfg.FailureThreshold {
			s.trip(key, br)
		}
	case StateHalfOpen:
		br.probeInFlight = false
		s.trip(key, br)
	case StateOpen:
		// Stale failure while already open; nothing to extend.
	}
}

// trip opens the breaker with a cooldown backed off by consecutive trips.
// Caller holds s.mu.
func (s *BreakerSet) trip(key string, br *breaker) {
	br.trips++
	br.nextRetryAt = s.now().Add(s.cooldown(br.trips))
	s.transition(key, br, StateOpen)
}

func (s *BreakerSet) cooldown(trips int) time.Duration {
	d := s.cfg.Cooldown
	for i := 1; i < trips; i++ {
		d = time.Duration(float64(d) * s.cfg.BackoffFactor)
		if d >= s.cfg.MaxCooldown {
			return s.cfg.MaxCooldown
		}
	}
	if d > s.cfg.MaxCooldown {
		d = s.cfg.MaxCooldown
	}
	return d
}

// transition flips the state and emits the change. Caller holds s.mu.
func (s *BreakerSet) transition(key string, br *breaker, to BreakerState) {
	from := br.state
	if from == to {
		return
	}
	br.state = to
	br.lastTransition = s.now()

	metrics.BreakerTransitions.WithLabelValues(key, to.String()).Inc()
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"key":  key,
			"from": from.String(),
			"to":   to.String(),
		}).Info("Circuit breaker transition")
	}
	if s.bus != nil {
		s.bus.Publish(events.EventBreakerTransition, key, map[string]any{
			"from": from.String(),
			"to":   to.String(),
		})
	}
}

// State returns the current position for key; keys never tripped are
// closed.
func (s *BreakerSet) State(key string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if br, ok := s.breakers[key]; ok {
		return br.state
	}
	return StateClosed
}

// Snapshot copies the breaker position for one key.
func (s *BreakerSet) Snapshot(key string) BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sn := BreakerSnapshot{Key: key, State: StateClosed.String()}
	if br, ok := s.breakers[key]; ok {
		sn.State = br.state.String()
		sn.Failures = br.failures
		sn.NextRetryAt = br.nextRetryAt
		sn.LastTransition = br.lastTransition
	}
	return sn
}

// Snapshots lists every key that has tripped at least once.
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	keys := make([]string, 0, len(s.breakers))
	for k := range s.breakers {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.Snapshot(k))
	}
	return out
}
