// Package metrics holds the prometheus collectors of the task pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	tasksEnqueued        *prometheus.CounterVec
	tasksFailed          *prometheus.CounterVec
	deleteRetries        prometheus.Counter
	instancesProvisioned *prometheus.CounterVec
	taskDuration         *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWith(reg)
	m.gatherer = reg
	return m
}

// NewWith registers the collectors on reg. Handler serves the default gatherer.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetforge_tasks_enqueued_total",
			Help: "Background tasks handed to the queue.",
		}, []string{"kind"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetforge_tasks_failed_total",
			Help: "Background tasks whose handler returned an error.",
		}, []string{"kind"}),
		deleteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetforge_delete_retries_total",
			Help: "Stack destroy attempts after the first one.",
		}),
		instancesProvisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetforge_instances_provisioned_total",
			Help: "Instances whose provider reported an address.",
		}, []string{"provider"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetforge_task_duration_seconds",
			Help:    "Time spent in task handlers.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind"}),
		gatherer: prometheus.DefaultGatherer,
	}
	reg.MustRegister(m.tasksEnqueued, m.tasksFailed, m.deleteRetries, m.instancesProvisioned, m.taskDuration)
	return m
}

func (m *Metrics) TaskEnqueued(kind string) {
	if m == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskFailed(kind string) {
	if m == nil {
		return
	}
	m.tasksFailed.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveTask(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) DeleteRetry() {
	if m == nil {
		return
	}
	m.deleteRetries.Inc()
}

func (m *Metrics) InstanceProvisioned(provider string) {
	if m == nil {
		return
	}
	m.instancesProvisioned.WithLabelValues(provider).Inc()
}

// Handler serves the collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
