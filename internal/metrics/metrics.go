// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	// Status/emulator HTTP surface.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Outbound requests performed on behalf of peers.
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	ForwardsTotal     *prometheus.CounterVec
	ForwardsInFlight  prometheus.Gauge

	// Peer-facing channels and response buffers.
	ChannelEvents   *prometheus.CounterVec
	MalformedWrites prometheus.Counter
	BufferBytes     *prometheus.GaugeVec
	Notifications   *prometheus.CounterVec

	// Session lifecycle.
	SessionsTotal *prometheus.CounterVec
	SessionState  *prometheus.GaugeVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_gateway_http_requests_total",
			Help: "Total inbound HTTP requests on the status server.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ble_gateway_http_request_duration_seconds",
			Help:    "Status server request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ble_gateway_http_requests_in_flight",
			Help: "Number of status server requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ble_gateway_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_gateway_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		ForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_gateway_forwards_total",
			Help: "Completed forwards by outcome.",
		}, []string{"outcome"}),

		ForwardsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ble_gateway_forwards_in_flight",
			Help: "Forwards waiting on an upstream response.",
		}),

		ChannelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_gateway_channel_events_total",
			Help: "Peer events by channel and operation.",
		}, []string{"channel", "op"}),

		MalformedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ble_gateway_malformed_writes_total",
			Help: "Peer writes that did not decode to an HTTP request.",
		}),

		BufferBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ble_gateway_response_buffer_bytes",
			Help: "Size of the current response buffers.",
		}, []string{"buffer"}),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_gateway_notifications_total",
			Help: "Notifications delivered to subscribers by buffer.",
		}, []string{"buffer"}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_gateway_sessions_total",
			Help: "Finished peer associations by end reason.",
		}, []string{"reason"}),

		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ble_gateway_session_state",
			Help: "1 for the coordinator's current state, 0 otherwise.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ForwardsTotal,
		m.ForwardsInFlight,
		m.ChannelEvents,
		m.MalformedWrites,
		m.BufferBytes,
		m.Notifications,
		m.SessionsTotal,
		m.SessionState,
	)

	return m
}

// SetState marks state as current in the SessionState gauge.
func (m *Metrics) SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Peers may send arbitrary method tokens; non-standard methods are mapped
// to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/gateway", "/emulator", "/healthz", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
