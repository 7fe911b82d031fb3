package health

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/events"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// MonitorConfig tunes the advisory health classification thresholds.
type MonitorConfig struct {
	// MinSamples is the request count below which a key keeps the
	// optimistic healthy default.
	MinSamples int64

	// UnhealthyBelow and DegradedBelow are success rate thresholds.
	UnhealthyBelow float64
	DegradedBelow  float64

	// DegradedLatencyMS marks a key degraded when its smoothed latency
	// exceeds this, regardless of success rate.
	DegradedLatencyMS float64
}

// DefaultMonitorConfig returns the standard thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MinSamples:        5,
		UnhealthyBelow:    0.5,
		DegradedBelow:     0.8,
		DegradedLatencyMS: 5000,
	}
}

// Monitor derives advisory health states from rolling metrics. The
// classification influences scoring and strategy choices; the circuit
// breaker remains the hard gate.
type Monitor struct {
	cfg      MonitorConfig
	store    *metrics.Store
	breakers *BreakerSet
	bus      *events.Bus
	logger   *logrus.Logger

	mu   sync.Mutex
	last map[string]types.HealthState
}

// NewMonitor builds a monitor over the shared store and breaker set.
func NewMonitor(cfg MonitorConfig, store *metrics.Store, breakers *BreakerSet, bus *events.Bus, logger *logrus.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.UnhealthyBelow <= 0 {
		cfg.UnhealthyBelow = def.UnhealthyBelow
	}
	if cfg.DegradedBelow <= 0 {
		cfg.DegradedBelow = def.DegradedBelow
	}
	if cfg.DegradedLatencyMS <= 0 {
		cfg.DegradedLatencyMS = def.DegradedLatencyMS
	}
	return &Monitor{
		cfg:      cfg,
		store:    store,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
		last:     make(map[string]types.HealthState),
	}
}

// StateFor classifies one provider or provider:model key. Keys with no
// history start healthy.
func (m *Monitor) StateFor(key string) types.HealthState {
	state := m.classify(key)
	m.noteChange(key, state)
	return state
}

func (m *Monitor) classify(key string) types.HealthState {
	// A key the breaker would refuse right now is unhealthy. Once the
	// cooldown has elapsed the metrics decide, so routing can re-admit
	// the key for its half-open probe.
	if m.breakers != nil && !m.breakers.Eligible(key) {
		return types.HealthUnhealthy
	}

	sn, ok := m.store.Snapshot(key)
	if !ok || sn.TotalRequests < m.cfg.MinSamples {
		return types.HealthHealthy
	}

	if sn.SuccessRate < m.cfg.UnhealthyBelow {
		return types.HealthUnhealthy
	}
	if sn.SuccessRate < m.cfg.DegradedBelow || sn.AvgLatency > m.cfg.DegradedLatencyMS {
		return types.HealthDegraded
	}
	return types.HealthHealthy
}

func (m *Monitor) noteChange(key string, state types.HealthState) {
	m.mu.Lock()
	prev, seen := m.last[key]
	m.last[key] = state
	m.mu.Unlock()

	if seen && prev == state {
		return
	}
	if !seen && state == types.HealthHealthy {
		return
	}

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"key":  key,
			"from": string(prev),
			"to":   string(state),
		}).Info("Health state change")
	}
	if m.bus != nil {
		m.bus.Publish(events.EventHealthChange, key, map[string]any{
			"from": string(prev),
			"to":   string(state),
		})
	}
}

// Report classifies every key the store currently tracks.
func (m *Monitor) Report() map[string]types.HealthState {
	out := make(map[string]types.HealthState)
	for _, sn := range m.store.All() {
		out[sn.Key] = m.StateFor(sn.Key)
	}
	return out
}
