// Package metrics exposes Prometheus instrumentation for the relay server.
package metrics

import (
	"net/http"
	"strconv"

	"chatrelay/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry      *prometheus.Registry
	connections   prometheus.Counter
	connActive    prometheus.Gauge
	sessions      prometheus.Gauge
	requests      *prometheus.CounterVec
	responses     *prometheus.CounterVec
	authFailures  *prometheus.CounterVec
	relayed       prometheus.Counter
	undeliverable prometheus.Counter
	presenceDrop  prometheus.Counter
	dispatchDur   *prometheus.HistogramVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:      r,
		connections:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "connections_total", Help: "Accepted connections."}),
		connActive:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "connections_active", Help: "Open connections."}),
		sessions:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_active", Help: "Authenticated sessions."}),
		requests:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "requests_total", Help: "Requests by action."}, []string{"action"}),
		responses:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "responses_total", Help: "Responses by status code."}, []string{"code"}),
		authFailures:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "auth_failures_total", Help: "Rejected handshakes by reason."}, []string{"reason"}),
		relayed:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "messages_relayed_total", Help: "Messages forwarded to a recipient."}),
		undeliverable: prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "messages_undeliverable_total", Help: "Messages whose recipient was offline or failed."}),
		presenceDrop:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "presence_dropped_total", Help: "Presence transitions dropped because the publish queue was full."}),
		dispatchDur:   prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "dispatch_duration_seconds", Help: "Time spent handling one request.", Buckets: buckets}, []string{"action"}),
	}
	r.MustRegister(m.connections, m.connActive, m.sessions, m.requests, m.responses,
		m.authFailures, m.relayed, m.undeliverable, m.presenceDrop, m.dispatchDur)
	return m
}

// Nil-receiver calls are no-ops so callers can run without instrumentation.

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connActive.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connActive.Dec()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) Request(action string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(action).Inc()
}

func (m *Metrics) Response(code int) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Relayed() {
	if m == nil {
		return
	}
	m.relayed.Inc()
}

func (m *Metrics) Undeliverable() {
	if m == nil {
		return
	}
	m.undeliverable.Inc()
}

func (m *Metrics) PresenceDropped() {
	if m == nil {
		return
	}
	m.presenceDrop.Inc()
}

func (m *Metrics) ObserveDispatch(action string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDur.WithLabelValues(action).Observe(seconds)
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
