package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_requests_total",
			Help: "Total routed requests by provider, model, and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "switchboard_request_latency_seconds",
			Help: "Backend call latency in seconds",
		},
		[]string{"provider", "model"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_tokens_total",
			Help: "Total tokens by provider, model, and direction",
		},
		[]string{"provider", "model", "direction"},
	)

	costTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_cost_dollars_total",
			Help: "Accumulated request cost in dollars",
		},
		[]string{"provider", "model"},
	)

	// BreakerTransitions counts circuit breaker state changes by key and
	// destination state.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_breaker_transitions_total",
			Help: "Circuit breaker transitions by key and new state",
		},
		[]string{"key", "state"},
	)

	// FallbackAttempts counts fallback chain steps by terminal disposition.
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_fallback_attempts_total",
			Help: "Fallback chain attempts by provider, model, and result",
		},
		[]string{"provider", "model", "result"},
	)

	// CacheEvents counts gateway cache lookups by result.
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_cache_events_total",
			Help: "Gateway response cache lookups by result",
		},
		[]string{"result"},
	)

	// RoutingDecisions counts decisions by chosen strategy.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_routing_decisions_total",
			Help: "Routing decisions by strategy",
		},
		[]string{"strategy"},
	)
)
