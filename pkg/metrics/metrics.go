package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for metalhub.
type Metrics struct {
	registry             *prometheus.Registry
	provisionTransitions *prometheus.CounterVec
	provisionStepSeconds *prometheus.HistogramVec
	handlerHealthChecks  *prometheus.CounterVec
	hostEnrollmentsTotal *prometheus.CounterVec
	tasksProcessedTotal  *prometheus.CounterVec
}

// New constructs a metrics registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	provisionTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metalhub",
			Subsystem: "provision",
			Name:      "transitions_total",
			Help:      "Total number of provision state transitions.",
		},
		[]string{"from", "to"},
	)
	provisionStepSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "metalhub",
			Subsystem: "provision",
			Name:      "step_duration_seconds",
			Help:      "Time spent in each provisioning step.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"step", "result"},
	)
	handlerHealthChecks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metalhub",
			Subsystem: "handler",
			Name:      "health_checks_total",
			Help:      "Handler health checks by resulting status.",
		},
		[]string{"status"},
	)
	hostEnrollmentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metalhub",
			Subsystem: "host",
			Name:      "enrollments_total",
			Help:      "Host enrollment attempts by result.",
		},
		[]string{"result"},
	)
	tasksProcessedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metalhub",
			Subsystem: "tasks",
			Name:      "processed_total",
			Help:      "Background tasks processed by name and result.",
		},
		[]string{"task", "result"},
	)

	registry.MustRegister(
		provisionTransitions,
		provisionStepSeconds,
		handlerHealthChecks,
		hostEnrollmentsTotal,
		tasksProcessedTotal,
	)

	return &Metrics{
		registry:             registry,
		provisionTransitions: provisionTransitions,
		provisionStepSeconds: provisionStepSeconds,
		handlerHealthChecks:  handlerHealthChecks,
		hostEnrollmentsTotal: hostEnrollmentsTotal,
		tasksProcessedTotal:  tasksProcessedTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncProvisionTransition(from, to string) {
	if m == nil {
		return
	}
	m.provisionTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveProvisionStep(step, result string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.provisionStepSeconds.WithLabelValues(step, result).Observe(seconds)
}

func (m *Metrics) IncHandlerHealthCheck(status string) {
	if m == nil {
		return
	}
	m.handlerHealthChecks.WithLabelValues(status).Inc()
}

func (m *Metrics) IncHostEnrollment(result string) {
	if m == nil {
		return
	}
	m.hostEnrollmentsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTaskProcessed(task, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.tasksProcessedTotal.WithLabelValues(task, result).Inc()
}
