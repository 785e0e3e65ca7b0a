package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling core.
//
// Naming convention: namespace_subsystem_name
// - namespace: signaling
// - subsystem: websocket, queue, match, call (feature-level grouping)

var (
	// ActiveConnections tracks the current number of live sockets.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// WaitingQueueSize tracks the number of sids waiting for a random partner.
	WaitingQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "queue",
		Name:      "waiting_size",
		Help:      "Current number of sockets in the matchmaking queue",
	})

	// ActivePairs tracks the number of currently matched random pairs.
	ActivePairs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "match",
		Name:      "pairs_active",
		Help:      "Current number of matched random pairs",
	})

	// MatchesTotal counts completed random matches.
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "match",
		Name:      "matches_total",
		Help:      "Total random matches made",
	})

	// ActiveCalls tracks the number of direct-call records (ringing or connecting).
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "call",
		Name:      "calls_active",
		Help:      "Current number of tracked direct calls",
	})

	// CallOutcomes counts terminal direct-call transitions by outcome.
	CallOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "call",
		Name:      "outcomes_total",
		Help:      "Terminal direct-call transitions by outcome",
	}, []string{"outcome"})

	// WebsocketEvents counts processed socket events by name and status.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// EventProcessingDuration tracks handler latency per event.
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing WebSocket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// StoreMode is 0 when the queue store runs on Redis, 1 after the
	// in-process fallback has been taken.
	StoreMode = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "store",
		Name:      "memory_fallback",
		Help:      "1 when the queue store has fallen back to in-process maps",
	})

	// CircuitBreakerState tracks the bus breaker (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"target"})

	// CircuitBreakerFailures counts publishes dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"target"})

	// RateLimitExceeded counts rejected requests per endpoint and key kind.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"endpoint", "kind"})

	// JanitorSweeps counts entities removed by the janitor per kind.
	JanitorSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "janitor",
		Name:      "sweeps_total",
		Help:      "Stale entities removed by the janitor",
	}, []string{"kind"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
