package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskflow"

// PrometheusMeter exports resumer observations as Prometheus metrics.
type PrometheusMeter struct {
	registry *prometheus.Registry

	resolved         *prometheus.CounterVec
	resolvedByBucket *prometheus.CounterVec
	failures         *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	triggerFailures  *prometheus.CounterVec
	cycles           *prometheus.HistogramVec
	leader           *prometheus.GaugeVec
}

// NewPrometheusMeter creates a meter backed by its own registry, which also
// carries the Go runtime and process collectors.
func NewPrometheusMeter() *PrometheusMeter {
	m := &PrometheusMeter{
		registry: prometheus.NewRegistry(),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resumer",
			Name:      "tasks_total",
			Help:      "Tasks handled by the resumer, by outcome and task type.",
		}, []string{"outcome", "task_type"}),
		resolvedByBucket: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resumer",
			Name:      "bucket_tasks_total",
			Help:      "Tasks handled by the resumer, by outcome and processing bucket.",
		}, []string{"outcome", "bucket"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resumer",
			Name:      "resolution_failures_total",
			Help:      "Tasks whose resolution policy could not be applied.",
		}, []string{"task_type", "reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resumer",
			Name:      "version_conflicts_total",
			Help:      "Version-conditioned updates that lost the race.",
		}, []string{"operation"}),
		triggerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resumer",
			Name:      "trigger_failures_total",
			Help:      "Tasks updated in the store whose trigger hand-off failed.",
		}, []string{"task_type"}),
		cycles: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resumer",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of resumer scan cycles.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"loop", "aborted"}),
		leader: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resumer",
			Name:      "leader",
			Help:      "1 while this node holds the resumer leadership for the group.",
		}, []string{"group"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.resolved,
		m.resolvedByBucket,
		m.failures,
		m.conflicts,
		m.triggerFailures,
		m.cycles,
		m.leader,
	)
	return m
}

// Registry returns the underlying registry.
func (m *PrometheusMeter) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *PrometheusMeter) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *PrometheusMeter) TaskResolved(outcome Outcome, taskType, bucket string) {
	m.resolved.WithLabelValues(string(outcome), taskType).Inc()
	m.resolvedByBucket.WithLabelValues(string(outcome), bucket).Inc()
}

func (m *PrometheusMeter) ResolutionFailed(taskType, reason string) {
	m.failures.WithLabelValues(taskType, reason).Inc()
}

func (m *PrometheusMeter) VersionConflict(operation string) {
	m.conflicts.WithLabelValues(operation).Inc()
}

func (m *PrometheusMeter) TriggerFailed(taskType string) {
	m.triggerFailures.WithLabelValues(taskType).Inc()
}

func (m *PrometheusMeter) CycleCompleted(loop string, duration time.Duration, aborted bool) {
	m.cycles.WithLabelValues(loop, strconv.FormatBool(aborted)).Observe(duration.Seconds())
}

func (m *PrometheusMeter) LeadershipChanged(group string, leader bool) {
	value := 0.0
	if leader {
		value = 1
	}
	m.leader.WithLabelValues(group).Set(value)
}

var _ Meter = (*PrometheusMeter)(nil)
