// Package metrics provides Prometheus instrumentation for Chroxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chroxy_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chroxy_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chroxy_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chroxy_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})

	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chroxy_auth_failures_total",
		Help: "Total number of failed authentication attempts.",
	}, []string{"reason"})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chroxy_active_sessions",
		Help: "Number of currently active agent sessions.",
	})

	TurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chroxy_turns_total",
		Help: "Total number of completed agent turns.",
	})

	AgentRespawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chroxy_agent_respawns_total",
		Help: "Total number of agent process respawns.",
	})
)

// Permission broker metrics.
var (
	PendingPermissions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chroxy_pending_permissions",
		Help: "Number of permission requests awaiting a decision.",
	})

	PermissionDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chroxy_permission_decisions_total",
		Help: "Total number of resolved permission requests.",
	}, []string{"decision"})
)

// Supervisor metrics.
var (
	WorkerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chroxy_worker_restarts_total",
		Help: "Total number of worker restarts performed by the supervisor.",
	})

	TunnelRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chroxy_tunnel_restarts_total",
		Help: "Total number of tunnel recovery attempts.",
	})
)
