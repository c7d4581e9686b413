package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics covers the ingestion pool: task outcomes, how long tasks wait
// and run, and per-stage pipeline timings.
type WorkerMetrics struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksRunning  prometheus.Gauge
	tasksPending  prometheus.Gauge
	queueLag      *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	serviceLabel := prometheus.Labels{"service": service}

	m := &WorkerMetrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ks",
				Subsystem: "ingest",
				Name:      "tasks_total",
				Help:      "Ingestion tasks handled, by result.",
			},
			[]string{"service", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ks",
				Subsystem: "ingest",
				Name:      "task_duration_seconds",
				Help:      "Wall time of one ingestion task, from extraction to indexing.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"service", "status"},
		),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ks",
			Subsystem:   "ingest",
			Name:        "tasks_running",
			Help:        "Ingestion tasks currently executing.",
			ConstLabels: serviceLabel,
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ks",
			Subsystem:   "ingest",
			Name:        "tasks_pending",
			Help:        "Ingestion tasks accepted by the pool and not yet finished.",
			ConstLabels: serviceLabel,
		}),
		queueLag: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ks",
				Subsystem: "ingest",
				Name:      "queue_lag_seconds",
				Help:      "Delay between upload and the start of processing.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"service"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ks",
				Subsystem: "ingest",
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "stage", "status"},
		),
	}

	registry.MustRegister(m.tasksTotal, m.taskDuration, m.tasksRunning, m.tasksPending, m.queueLag, m.stageDuration)
	return m
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) TaskAccepted() {
	m.tasksPending.Inc()
}

func (m *WorkerMetrics) TaskStarted(service string, lag time.Duration) {
	m.tasksRunning.Inc()
	if lag >= 0 {
		m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
	}
}

func (m *WorkerMetrics) TaskFinished(service string, duration time.Duration, err error) {
	m.tasksRunning.Dec()
	m.tasksPending.Dec()

	status := statusLabel(err)
	m.tasksTotal.WithLabelValues(service, status).Inc()
	m.taskDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveStage(service, stage string, duration time.Duration, err error) {
	m.stageDuration.WithLabelValues(service, stage, statusLabel(err)).Observe(duration.Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
