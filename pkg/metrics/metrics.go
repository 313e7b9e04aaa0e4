// Package metrics exposes Prometheus instrumentation behind a Recorder
// interface so components can run with metrics disabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is implemented by Metrics and NoopMetrics.
type Recorder interface {
	RecordDecision(verdict, source string, duration time.Duration)
	RecordRequestCreated()
	RecordRequestResolved(status string, pendingFor time.Duration)
	RecordAlreadyResolved()
	RecordRevocation()
	RecordRealtimeDrop(msgType string)
	SetRealtimeConnections(role string, n int)
	RecordMount(result string)
	RecordTeardown(result string)
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
	Handler() http.Handler
}

var _ Recorder = (*Metrics)(nil)

type Metrics struct {
	registry *prometheus.Registry

	DecisionsTotal      *prometheus.CounterVec
	DecisionDuration    *prometheus.HistogramVec
	RequestsCreated     prometheus.Counter
	RequestsResolved    *prometheus.CounterVec
	RequestPendingTime  prometheus.Histogram
	AlreadyResolved     prometheus.Counter
	RevocationsTotal    prometheus.Counter
	RealtimeDropped     *prometheus.CounterVec
	RealtimeConnections *prometheus.GaugeVec
	MountsTotal         *prometheus.CounterVec
	TeardownsTotal      *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Init returns a Prometheus recorder, or a no-op one when disabled.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}
	return New()
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usbgate_decisions_total",
			Help: "Authorization decisions by verdict and source",
		}, []string{"verdict", "source"}),
		DecisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usbgate_decision_duration_seconds",
			Help:    "Time from attach to verdict",
			Buckets: []float64{.005, .05, .25, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"source"}),
		RequestsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "usbgate_requests_created_total",
			Help: "Authorization requests created",
		}),
		RequestsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usbgate_requests_resolved_total",
			Help: "Authorization requests resolved by terminal status",
		}, []string{"status"}),
		RequestPendingTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "usbgate_request_pending_seconds",
			Help:    "Time a request spent pending before resolution",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		AlreadyResolved: f.NewCounter(prometheus.CounterOpts{
			Name: "usbgate_requests_already_resolved_total",
			Help: "Resolution attempts on requests that were already terminal",
		}),
		RevocationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "usbgate_revocations_total",
			Help: "Permissions revoked",
		}),
		RealtimeDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usbgate_realtime_dropped_total",
			Help: "Push messages dropped because a subscriber was not draining",
		}, []string{"type"}),
		RealtimeConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usbgate_realtime_connections",
			Help: "Open real-time connections by role",
		}, []string{"role"}),
		MountsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usbgate_mounts_total",
			Help: "Mount attempts by result",
		}, []string{"result"}),
		TeardownsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usbgate_teardowns_total",
			Help: "Teardown attempts by result",
		}, []string{"result"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usbgate_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usbgate_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) RecordDecision(verdict, source string, duration time.Duration) {
	m.DecisionsTotal.WithLabelValues(verdict, source).Inc()
	m.DecisionDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordRequestCreated() { m.RequestsCreated.Inc() }

func (m *Metrics) RecordRequestResolved(status string, pendingFor time.Duration) {
	m.RequestsResolved.WithLabelValues(status).Inc()
	m.RequestPendingTime.Observe(pendingFor.Seconds())
}

func (m *Metrics) RecordAlreadyResolved() { m.AlreadyResolved.Inc() }

func (m *Metrics) RecordRevocation() { m.RevocationsTotal.Inc() }

func (m *Metrics) RecordRealtimeDrop(msgType string) {
	m.RealtimeDropped.WithLabelValues(msgType).Inc()
}

func (m *Metrics) SetRealtimeConnections(role string, n int) {
	m.RealtimeConnections.WithLabelValues(role).Set(float64(n))
}

func (m *Metrics) RecordMount(result string) { m.MountsTotal.WithLabelValues(result).Inc() }

func (m *Metrics) RecordTeardown(result string) { m.TeardownsTotal.WithLabelValues(result).Inc() }

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// HTTPMiddleware records request counts and latency per route pattern.
func HTTPMiddleware(m Recorder) gin.HandlerFunc {
	if _, ok := m.(*NoopMetrics); ok {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
