// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolgate_active_sessions",
		Help: "Number of live client sessions.",
	})

	InflightCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolgate_inflight_tool_calls",
		Help: "Tool calls currently executing.",
	})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_tool_calls_total",
		Help: "Tool call results by tool and outcome.",
	}, []string{"tool", "outcome"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_provider_calls_total",
		Help: "Provider invocations by model and outcome.",
	}, []string{"model", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "toolgate_provider_latency_seconds",
		Help:    "Provider call latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model"})

	BusRoutes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_bus_routes_total",
		Help: "Payload routing decisions (inline or pointer).",
	}, []string{"mode"})

	BusBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolgate_bus_breaker_state",
		Help: "Message bus circuit breaker state (0 closed, 1 open, 2 half-open).",
	})

	WorkflowSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_workflow_steps_total",
		Help: "Workflow steps by tool and resulting phase.",
	}, []string{"tool", "phase"})
)
