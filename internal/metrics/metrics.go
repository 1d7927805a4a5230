// Package metrics provides Prometheus metrics for the shim.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for admin request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Connection lifetimes range from a single request to long keep-alive sessions.
var lifetimeBuckets = []float64{.01, .1, .5, 1, 5, 15, 60, 300, 900}

// Metrics holds all Prometheus metric collectors for the shim.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionResets   prometheus.Counter
	ConnectionLifetime prometheus.Histogram
	CloseErrors        prometheus.Counter
	BuffersOutstanding prometheus.Gauge
	BytesForwarded     *prometheus.CounterVec
	WriteWouldBlock    *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csrf_shim_admin_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "csrf_shim_admin_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csrf_shim_admin_requests_in_flight",
			Help: "Number of admin HTTP requests currently being processed.",
		}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csrf_shim_connections_active",
			Help: "Proxied connections currently open.",
		}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csrf_shim_connections_total",
			Help: "Connection construction attempts by result.",
		}, []string{"result"}),

		ConnectionResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csrf_shim_connection_resets_total",
			Help: "Keep-alive resets of open connections.",
		}),

		ConnectionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csrf_shim_connection_lifetime_seconds",
			Help:    "Time from connection open to teardown.",
			Buckets: lifetimeBuckets,
		}),

		CloseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csrf_shim_descriptor_close_errors_total",
			Help: "Descriptor close failures during teardown.",
		}),

		BuffersOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csrf_shim_buffers_outstanding",
			Help: "Stream buffers acquired and not yet released.",
		}),

		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csrf_shim_bytes_forwarded_total",
			Help: "Bytes written to peers by the stream that read them.",
		}, []string{"direction"}),

		WriteWouldBlock: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csrf_shim_write_would_block_total",
			Help: "Flushes suspended because the peer socket was full.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionResets,
		m.ConnectionLifetime,
		m.CloseErrors,
		m.BuffersOutstanding,
		m.BytesForwarded,
		m.WriteWouldBlock,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// UnmatchedRoute labels requests the router found no handler for.
const UnmatchedRoute = "unmatched"

// RouteLabel returns the route label for a request. Only registered route
// templates become labels; router misses (404, 405) share UnmatchedRoute.
func RouteLabel(route string, status int) string {
	if route == "" || status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
		return UnmatchedRoute
	}
	return route
}
