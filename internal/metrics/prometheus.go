// Package metrics provides Prometheus metrics for the demand relay
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Partner request lifecycle
	PartnerRequestsSent      *prometheus.CounterVec
	PartnerRequestsCompleted *prometheus.CounterVec
	PartnerRequestDuration   *prometheus.HistogramVec
	PendingRequests          *prometheus.GaugeVec
	LateCallbacks            *prometheus.CounterVec

	// Slot outcomes
	SlotOutcomes *prometheus.CounterVec
	BidCPM       *prometheus.HistogramVec

	// Analytics sink
	AnalyticsEvents       *prometheus.CounterVec
	AnalyticsCircuitState prometheus.Gauge

	// Rendering
	CreativesRendered *prometheus.CounterVec
	WinNotices        *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with the default registry
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates all metrics and registers them with reg
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "htb"
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		PartnerRequestsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_sent_total",
				Help:      "Total partner requests dispatched",
			},
			[]string{"partner"},
		),
		PartnerRequestsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_completed_total",
				Help:      "Total partner requests resolved, by completion path",
			},
			[]string{"partner", "status"},
		),
		PartnerRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from dispatch to resolution in seconds",
				Buckets:   []float64{.05, .1, .25, .5, .75, 1, 1.5, 2, 3, 5},
			},
			[]string{"partner", "status"},
		),
		PendingRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Partner requests awaiting a callback or timeout",
			},
			[]string{"partner"},
		),
		LateCallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "late_callbacks_total",
				Help:      "Callbacks delivered after their request was already resolved",
			},
			[]string{"partner"},
		),

		SlotOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slot_outcomes_total",
				Help:      "Per-slot stats events by outcome",
			},
			[]string{"partner", "outcome"},
		),
		BidCPM: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_cpm",
				Help:      "Bid CPM distribution",
				Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"partner"},
		),

		AnalyticsEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analytics_events_total",
				Help:      "Analytics events by delivery result",
			},
			[]string{"result"},
		),
		AnalyticsCircuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "analytics_circuit_breaker_state",
				Help:      "Analytics sink circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),

		CreativesRendered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "creatives_rendered_total",
				Help:      "Creative render requests by result",
			},
			[]string{"result"},
		),
		WinNotices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "win_notices_total",
				Help:      "Win notification pixels fired by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.PartnerRequestsSent,
		m.PartnerRequestsCompleted,
		m.PartnerRequestDuration,
		m.PendingRequests,
		m.LateCallbacks,
		m.SlotOutcomes,
		m.BidCPM,
		m.AnalyticsEvents,
		m.AnalyticsCircuitState,
		m.CreativesRendered,
		m.WinNotices,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware that records request metrics. The
// path label uses the matched route pattern so ids do not explode the
// label space.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordRequestSent records a dispatched partner request
func (m *Metrics) RecordRequestSent(partner string) {
	m.PartnerRequestsSent.WithLabelValues(partner).Inc()
}

// RecordRequestComplete records a resolved partner request
func (m *Metrics) RecordRequestComplete(partner, status string, latency time.Duration) {
	m.PartnerRequestsCompleted.WithLabelValues(partner, status).Inc()
	if latency > 0 {
		m.PartnerRequestDuration.WithLabelValues(partner, status).Observe(latency.Seconds())
	}
}

// SetPending sets the number of in-flight partner requests
func (m *Metrics) SetPending(partner string, n int) {
	m.PendingRequests.WithLabelValues(partner).Set(float64(n))
}

// IncLateCallback records a callback that lost the race to a timeout
func (m *Metrics) IncLateCallback(partner string) {
	m.LateCallbacks.WithLabelValues(partner).Inc()
}

// RecordSlotOutcome records n slots with the given outcome
func (m *Metrics) RecordSlotOutcome(partner, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.SlotOutcomes.WithLabelValues(partner, outcome).Add(float64(n))
}

// RecordBid records the CPM of a bid
func (m *Metrics) RecordBid(partner string, cpm float64) {
	m.BidCPM.WithLabelValues(partner).Observe(cpm)
}

// RecordAnalyticsEvents records the delivery result of n analytics events
func (m *Metrics) RecordAnalyticsEvents(result string, n int) {
	if n <= 0 {
		return
	}
	m.AnalyticsEvents.WithLabelValues(result).Add(float64(n))
}

// SetAnalyticsCircuitState sets the analytics circuit breaker state metric
func (m *Metrics) SetAnalyticsCircuitState(state string) {
	var value float64
	switch state {
	case "closed":
		value = 0
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	m.AnalyticsCircuitState.Set(value)
}

// RecordRender records a creative render attempt
func (m *Metrics) RecordRender(result string) {
	m.CreativesRendered.WithLabelValues(result).Inc()
}

// RecordWinNotice records a fired win pixel
func (m *Metrics) RecordWinNotice(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.WinNotices.WithLabelValues(result).Inc()
}
