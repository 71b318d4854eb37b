package pipeline

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	failures        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	queued          prometheus.Gauge
}

// NewMetrics creates the pipeline metrics on a dedicated registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoice_intake",
			Name:      "task_transitions_total",
			Help:      "Task state transitions by target state.",
		}, []string{"state"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoice_intake",
			Name:      "attempts_total",
			Help:      "Processing attempts by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoice_intake",
			Name:      "failures_total",
			Help:      "Attempt failures by reason.",
		}, []string{"reason"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "invoice_intake",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of processing attempts in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "invoice_intake",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently held by a worker.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "invoice_intake",
			Name:      "tasks_queued",
			Help:      "Tasks waiting for a worker.",
		}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.attempts,
		m.failures,
		m.attemptDuration,
		m.inFlight,
		m.queued,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeState(s State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) observeAttempt(outcome string, reason Reason, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if reason != "" {
		m.failures.WithLabelValues(string(reason)).Inc()
	}
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.queued.Dec()
	m.inFlight.Inc()
}

func (m *Metrics) taskFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) taskQueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
}
