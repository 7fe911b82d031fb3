package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// Config controls smoothing, window size, and retention for the store.
type Config struct {
	// EWMAAlpha is the smoothing factor for the rolling latency average.
	// Higher values weight recent samples more heavily.
	EWMAAlpha float64

	// WindowSize bounds the per-key latency sample ring used for
	// percentile estimation. Oldest samples are evicted FIFO.
	WindowSize int

	// Retention is how long an idle key is kept before the sweeper
	// prunes it.
	Retention time.Duration
}

// DefaultConfig returns the standard store tuning.
func DefaultConfig() Config {
	return Config{
		EWMAAlpha:  0.2,
		WindowSize: 1000,
		Retention:  24 * time.Hour,
	}
}

// Store keeps rolling performance and cost metrics per provider and per
// provider:model pair. It is shared process-wide and injected into every
// component that records or reads metrics.
//
// Locking is two-level: a store lock guards the key map, a per-entry lock
// guards that entry's counters. Neither lock is ever held across an
// external call, and updates for a single key apply in completion order.
type Store struct {
	cfg    Config
	logger *logrus.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

type entry struct {
	mu sync.Mutex

	totalRequests       int64
	successCount        int64
	errorCount          int64
	rateLimitHits       int64
	timeoutCount        int64
	consecutiveFailures int64

	totalTokensIn  int64
	totalTokensOut int64
	totalCost      float64

	// EWMA-smoothed latency in milliseconds, seeded by the first sample.
	ewmaLatency float64
	seeded      bool

	// Bounded ring of raw latency samples for percentile estimation.
	window    []float64
	windowPos int
	wrapped   bool

	firstSeen   time.Time
	lastUsed    time.Time
	lastFailure time.Time
}

// NewStore builds a Store with the given tuning. Zero config fields fall
// back to defaults.
func NewStore(cfg Config, logger *logrus.Logger) *Store {
	def := DefaultConfig()
	if cfg.EWMAAlpha <= 0 || cfg.EWMAAlpha > 1 {
		cfg.EWMAAlpha = def.EWMAAlpha
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Store{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Retention reports the configured idle retention.
func (s *Store) Retention() time.Duration {
	return s.cfg.Retention
}

func (s *Store) get(key string) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{
		window:    make([]float64, s.cfg.WindowSize),
		firstSeen: s.now(),
	}
	s.entries[key] = e
	return e
}

// RecordSuccess records one completed call against both the provider:model
// key and the provider rollup.
func (s *Store) RecordSuccess(ref types.ModelRef, latency time.Duration, usage types.Usage) {
	ms := float64(latency) / float64(time.Millisecond)
	now := s.now()
	for _, key := range []string{ref.String(), ref.Provider} {
		e := s.get(key)
		e.mu.Lock()
		e.totalRequests++
		e.successCount++
		e.consecutiveFailures = 0
		e.totalTokensIn += int64(usage.InputTokens)
		e.totalTokensOut += int64(usage.OutputTokens)
		e.observeLatency(ms, s.cfg.EWMAAlpha)
		e.lastUsed = now
		e.mu.Unlock()
	}

	requestsTotal.WithLabelValues(ref.Provider, ref.Model, "success").Inc()
	requestLatency.WithLabelValues(ref.Provider, ref.Model).Observe(latency.Seconds())
	tokensTotal.WithLabelValues(ref.Provider, ref.Model, "input").Add(float64(usage.InputTokens))
	tokensTotal.WithLabelValues(ref.Provider, ref.Model, "output").Add(float64(usage.OutputTokens))
}

// RecordFailure records one failed call. The error kind decides which
// failure counters move.
func (s *Store) RecordFailure(ref types.ModelRef, err error) {
	kind := types.KindOf(err)
	now := s.now()
	for _, key := range []string{ref.String(), ref.Provider} {
		e := s.get(key)
		e.mu.Lock()
		e.totalRequests++
		e.errorCount++
		e.consecutiveFailures++
		switch kind {
		case types.ErrKindRateLimited:
			e.rateLimitHits++
		case types.ErrKindTimeout:
			e.timeoutCount++
		}
		e.lastUsed = now
		e.lastFailure = now
		e.mu.Unlock()
	}

	requestsTotal.WithLabelValues(ref.Provider, ref.Model, string(kind)).Inc()
}

// RecordCost attributes dollars to the provider:model key and the
// provider rollup.
func (s *Store) RecordCost(ref types.ModelRef, cost float64) {
	if cost <= 0 {
		return
	}
	for _, key := range []string{ref.String(), ref.Provider} {
		e := s.get(key)
		e.mu.Lock()
		e.totalCost += cost
		e.mu.Unlock()
	}
	costTotal.WithLabelValues(ref.Provider, ref.Model).Add(cost)
}

// observeLatency folds one sample into the EWMA and the percentile ring.
// Caller holds e.mu.
func (e *entry) observeLatency(ms, alpha float64) {
	if !e.seeded {
		e.ewmaLatency = ms
		e.seeded = true
	} else {
		e.ewmaLatency = alpha*ms + (1-alpha)*e.ewmaLatency
	}
	e.window[e.windowPos] = ms
	e.windowPos++
	if e.windowPos == len(e.window) {
		e.windowPos = 0
		e.wrapped = true
	}
}

// samples returns a copy of the live portion of the ring. Caller holds e.mu.
func (e *entry) samples() []float64 {
	n := e.windowPos
	if e.wrapped {
		n = len(e.window)
	}
	out := make([]float64, n)
	if e.wrapped {
		copy(out, e.window[e.windowPos:])
		copy(out[len(e.window)-e.windowPos:], e.window[:e.windowPos])
	} else {
		copy(out, e.window[:n])
	}
	return out
}

// Snapshot is a point-in-time copy of one key's metrics.
type Snapshot struct {
	Key                 string    `json:"key"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessCount        int64     `json:"success_count"`
	ErrorCount          int64     `json:"error_count"`
	RateLimitHits       int64     `json:"rate_limit_hits"`
	TimeoutCount        int64     `json:"timeout_count"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	SuccessRate         float64   `json:"success_rate"`
	AvgLatency          float64   `json:"avg_latency_ms"`
	P50Latency          float64   `json:"p50_latency_ms"`
	P95Latency          float64   `json:"p95_latency_ms"`
	P99Latency          float64   `json:"p99_latency_ms"`
	SampleCount         int       `json:"sample_count"`
	TotalTokensIn       int64     `json:"total_tokens_in"`
	TotalTokensOut      int64     `json:"total_tokens_out"`
	TotalCost           float64   `json:"total_cost"`
	LastUsed            time.Time `json:"last_used"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Samples reports whether the snapshot has any latency observations.
func (sn Snapshot) Samples() bool {
	return sn.SampleCount > 0
}

// AvgCostPerCall derives the mean dollar cost across successful calls.
func (sn Snapshot) AvgCostPerCall() float64 {
	if sn.SuccessCount == 0 {
		return 0
	}
	return sn.TotalCost / float64(sn.SuccessCount)
}

// Snapshot copies the metrics for one key. The second return is false when
// the key has never been recorded.
func (s *Store) Snapshot(key string) (Snapshot, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{Key: key}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sn := Snapshot{
		Key:                 key,
		TotalRequests:       e.totalRequests,
		SuccessCount:        e.successCount,
		ErrorCount:          e.errorCount,
		RateLimitHits:       e.rateLimitHits,
		TimeoutCount:        e.timeoutCount,
		ConsecutiveFailures: e.consecutiveFailures,
		AvgLatency:          e.ewmaLatency,
		TotalTokensIn:       e.totalTokensIn,
		TotalTokensOut:      e.totalTokensOut,
		TotalCost:           e.totalCost,
		LastUsed:            e.lastUsed,
		LastFailure:         e.lastFailure,
	}
	if e.totalRequests > 0 {
		sn.SuccessRate = float64(e.successCount) / float64(e.totalRequests)
	}

	samples := e.samples()
	sn.SampleCount = len(samples)
	if len(samples) > 0 {
		sort.Float64s(samples)
		sn.P50Latency = percentile(samples, 50)
		sn.P95Latency = percentile(samples, 95)
		sn.P99Latency = percentile(samples, 99)
	}
	return sn, true
}

// SnapshotRef is Snapshot keyed by a provider:model ref.
func (s *Store) SnapshotRef(ref types.ModelRef) (Snapshot, bool) {
	return s.Snapshot(ref.String())
}

// SnapshotProvider is Snapshot keyed by the provider rollup.
func (s *Store) SnapshotProvider(provider string) (Snapshot, bool) {
	return s.Snapshot(provider)
}

// All snapshots every known key, sorted by key.
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		if sn, ok := s.Snapshot(k); ok {
			out = append(out, sn)
		}
	}
	return out
}

// SweepStale removes keys that have been idle longer than maxIdle and
// returns how many were pruned. Keys that have never recorded a request
// are aged from first sight.
func (s *Store) SweepStale(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		e.mu.Lock()
		last := e.lastUsed
		if last.IsZero() {
			last = e.firstSeen
		}
		stale := last.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// percentile applies nearest-rank on an already sorted sample set.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100.0*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
