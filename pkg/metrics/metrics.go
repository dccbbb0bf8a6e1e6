// Package metrics exposes the gateway's prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the gateway collectors. It implements the router's
// Observer and the session manager's SessionObserver.
type Collector struct {
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	sessions     prometheus.Gauge
	children     *prometheus.GaugeVec
}

// NewCollector creates and registers the gateway collectors on a private
// registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_tool_calls_total",
			Help: "Tool invocations routed to child servers.",
		}, []string{"server", "tool", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_tool_call_seconds",
			Help:    "Tool invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_sse_sessions",
			Help: "Open SSE sessions.",
		}),
		children: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolgate_children",
			Help: "Child instances by status.",
		}, []string{"status"}),
	}

	c.registry.MustRegister(c.toolCalls, c.callDuration, c.sessions, c.children)
	return c
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveToolCall records one routed tool invocation.
func (c *Collector) ObserveToolCall(server, tool string, duration time.Duration, isError bool) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	c.toolCalls.WithLabelValues(server, tool, outcome).Inc()
	c.callDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// SessionOpened increments the open-session gauge.
func (c *Collector) SessionOpened() { c.sessions.Inc() }

// SessionClosed decrements the open-session gauge.
func (c *Collector) SessionClosed() { c.sessions.Dec() }

// SetChildren replaces the per-status child counts.
func (c *Collector) SetChildren(byStatus map[string]int) {
	c.children.Reset()
	for status, n := range byStatus {
		c.children.WithLabelValues(status).Set(float64(n))
	}
}
