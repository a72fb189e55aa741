package metrics

// Package metrics exposes Prometheus instrumentation for tool routing,
// discovery and reconnects. A nil *Collector is valid and records nothing.

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Call status label values
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusNotFound = "not_found"
	StatusOffline  = "offline"
)

// Collector handles metrics collection
type Collector struct {
	registry *prometheus.Registry

	toolCalls         *prometheus.CounterVec
	callLatency       *prometheus.HistogramVec
	discoveries       *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	connectedServers  prometheus.Gauge
	catalogTools      prometheus.Gauge
	unreachableEvents *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raccordo_tool_calls_total",
			Help: "Total number of routed tool calls",
		},
		[]string{"server", "tool", "status"},
	)

	c.callLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raccordo_call_latency_seconds",
			Help:    "Tool call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	c.discoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raccordo_discovery_total",
			Help: "Total number of tool discovery attempts",
		},
		[]string{"server", "status"},
	)

	c.reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raccordo_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		},
		[]string{"server"},
	)

	c.unreachableEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raccordo_server_unreachable_total",
			Help: "Times a server exhausted its reconnect budget",
		},
		[]string{"server"},
	)

	c.connectedServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raccordo_connected_servers",
			Help: "Number of currently connected servers",
		},
	)

	c.catalogTools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raccordo_catalog_tools",
			Help: "Number of distinct tools in the catalog",
		},
	)

	c.registry.MustRegister(
		c.toolCalls,
		c.callLatency,
		c.discoveries,
		c.reconnects,
		c.unreachableEvents,
		c.connectedServers,
		c.catalogTools,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	log.Info().Msg("Metrics collector initialized")
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler serving the registry
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCall records a routed tool call
func (c *Collector) RecordCall(server, tool, status string, duration time.Duration) {
	if c == nil {
		return
	}
	if server == "" {
		server = "unknown"
	}
	c.toolCalls.WithLabelValues(server, tool, status).Inc()
	if status == StatusSuccess || status == StatusError {
		c.callLatency.WithLabelValues(server).Observe(duration.Seconds())
	}
}

// RecordDiscovery records a discovery attempt
func (c *Collector) RecordDiscovery(server string, err error) {
	if c == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	c.discoveries.WithLabelValues(server, status).Inc()
}

// RecordReconnect records a scheduled reconnect attempt
func (c *Collector) RecordReconnect(server string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(server).Inc()
}

// RecordUnreachable records an exhausted reconnect budget
func (c *Collector) RecordUnreachable(server string) {
	if c == nil {
		return
	}
	c.unreachableEvents.WithLabelValues(server).Inc()
}

// SetConnectedServers sets the connected server gauge
func (c *Collector) SetConnectedServers(n int) {
	if c == nil {
		return
	}
	c.connectedServers.Set(float64(n))
}

// SetCatalogTools sets the catalog size gauge
func (c *Collector) SetCatalogTools(n int) {
	if c == nil {
		return
	}
	c.catalogTools.Set(float64(n))
}
