package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the push-to-talk signaling server.
//
// Naming convention: namespace_subsystem_name
// - namespace: breaker (application-level grouping)
// - subsystem: websocket, room, floor, webrtc (feature-level grouping)
// - name: specific metric (connections_active, grants_total, etc.)
//
// Metric Types:
// - Gauge: current state (connections, rooms, members)
// - Counter: cumulative events (frames processed, grants, drops)
// - Histogram: latency distributions (frame handling time)

var (
	// ActiveConnections tracks the current number of live WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "breaker",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "breaker",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the member count per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "breaker",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// Frames counts every inbound frame by type and outcome.
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breaker",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound frames processed",
	}, []string{"type", "status"})

	// FrameHandlingDuration tracks time spent handling inbound frames.
	FrameHandlingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "breaker",
		Subsystem: "websocket",
		Name:      "frame_handling_seconds",
		Help:      "Time spent handling inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// RateLimitedFrames counts frames dropped by the per-connection limiter.
	RateLimitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "breaker",
		Subsystem: "websocket",
		Name:      "rate_limited_frames_total",
		Help:      "Total frames dropped by the per-connection rate limiter",
	})

	// AuthAttempts counts authentication outcomes.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breaker",
		Subsystem: "websocket",
		Name:      "auth_attempts_total",
		Help:      "Total authentication attempts",
	}, []string{"status"})

	// FloorGrants counts floor transitions by kind: granted, denied,
	// released, expired, revoked.
	FloorGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breaker",
		Subsystem: "floor",
		Name:      "transitions_total",
		Help:      "Total floor control transitions",
	}, []string{"kind"})

	// RelayedFrames counts WebRTC frames forwarded to peers.
	RelayedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breaker",
		Subsystem: "webrtc",
		Name:      "relayed_frames_total",
		Help:      "Total WebRTC signaling frames relayed",
	}, []string{"type"})

	// HeartbeatTerminations counts connections terminated by the sweep.
	HeartbeatTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "breaker",
		Subsystem: "websocket",
		Name:      "heartbeat_terminations_total",
		Help:      "Total connections terminated after missed heartbeats",
	})

	// RateLimitRequests counts HTTP requests that passed a limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breaker",
		Subsystem: "http",
		Name:      "rate_limit_requests_total",
		Help:      "Total HTTP requests checked against a rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts HTTP requests rejected by a limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breaker",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total HTTP requests rejected by a rate limiter",
	}, []string{"endpoint", "scope"})

	// CircuitBreakerState tracks the bus circuit breaker state per backend
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "breaker",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breaker",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total operations rejected by an open circuit breaker",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
