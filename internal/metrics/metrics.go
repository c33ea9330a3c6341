// Package metrics holds the prometheus collectors of the auth service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg prometheus.Gatherer

	logins       *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	replays      prometheus.Counter
	resets       *prometheus.CounterVec
	denials      *prometheus.CounterVec
	sweptResets  prometheus.Counter
	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_auth_login_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_auth_refresh_total",
			Help: "Refresh token rotations by result.",
		}, []string{"result"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_auth_refresh_replay_total",
			Help: "Refresh tokens presented that match no stored session.",
		}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_auth_password_reset_total",
			Help: "Password reset requests and consumptions by result.",
		}, []string{"stage", "result"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_auth_authz_denied_total",
			Help: "Requests rejected by an authorization gate.",
		}, []string{"gate"}),
		sweptResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_auth_reset_tokens_swept_total",
			Help: "Expired reset tokens removed by the sweep job.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		m.logins, m.refreshes, m.replays, m.resets, m.denials, m.sweptResets,
		m.httpInFlight, m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) Login(err error) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Refresh(err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RefreshReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// Reset counts a reset stage, "request" or "consume".
func (m *Metrics) Reset(stage string, err error) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(stage, result(err)).Inc()
}

func (m *Metrics) Denied(gate string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(gate).Inc()
}

func (m *Metrics) ResetsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptResets.Add(float64(n))
}

// Instrument records in-flight, count and latency per route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(sw.code)
		m.httpDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
