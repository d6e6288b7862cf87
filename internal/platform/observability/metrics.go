package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const metricsNamespace = "synclune"

// Metrics owns a private Prometheus registry so tests and the one-shot sweeper never collide with
// the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	paymentEvents *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepItems    *prometheus.CounterVec
	sweepLast     prometheus.Gauge
}

// NewMetrics registers the collectors exposed by the API and the sweeper.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}
	m.httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "route", "status"})
	m.httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "route"})
	m.paymentEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "payment_events_total",
		Help:      "Payment processor events by type and outcome",
	}, []string{"type", "status"})
	m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "order_transitions_total",
		Help:      "Admin order transitions by field and outcome",
	}, []string{"field", "status"})
	m.sweepRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sweeper_runs_total",
		Help:      "Abandoned order sweeper runs by outcome",
	}, []string{"status"})
	m.sweepItems = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sweeper_items_total",
		Help:      "Orders touched by the abandoned order sweeper",
	}, []string{"kind"})
	m.sweepLast = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sweeper_last_success_timestamp_seconds",
		Help:      "Unix time of the last successful sweeper run",
	})
	return m
}

// RegisterRuntimeCollectors adds process and Go runtime metrics; only the long-running API wants them.
func (m *Metrics) RegisterRuntimeCollectors() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latencies labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := SanitizeRoute(routePattern(r))
		method := SanitizeMethod(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(recorder.Status())).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordPaymentEvent counts one processed payment event.
func (m *Metrics) RecordPaymentEvent(eventType, status string) {
	m.paymentEvents.WithLabelValues(strings.ToLower(eventType), strings.ToLower(status)).Inc()
}

// RecordTransition counts one admin transition attempt.
func (m *Metrics) RecordTransition(field string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.transitions.WithLabelValues(field, status).Inc()
}

// SweepCounts mirrors the counters of one sweeper run.
type SweepCounts struct {
	RemindersSent int
	Cancelled     int
	StockRestored int
	Errors        int
}

// RecordSweep stores the outcome of a sweeper run.
func (m *Metrics) RecordSweep(counts SweepCounts, runErr error, finishedAt time.Time) {
	if runErr != nil {
		m.sweepRuns.WithLabelValues("error").Inc()
	} else {
		m.sweepRuns.WithLabelValues("success").Inc()
		m.sweepLast.Set(float64(finishedAt.Unix()))
	}
	m.sweepItems.WithLabelValues("reminder").Add(float64(counts.RemindersSent))
	m.sweepItems.WithLabelValues("cancelled").Add(float64(counts.Cancelled))
	m.sweepItems.WithLabelValues("stock_restored").Add(float64(counts.StockRestored))
	m.sweepItems.WithLabelValues("error").Add(float64(counts.Errors))
}

// Push sends the registry to a Prometheus Pushgateway. Batch jobs exit before a scrape could happen.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil
	}
	if job = strings.TrimSpace(job); job == "" {
		job = "order_sweeper"
	}
	return push.New(gatewayURL, job).Gatherer(m.registry).PushContext(ctx)
}
