// Package metrics holds the Prometheus collectors of the worker and the
// maintenance routines. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "facepipe"

// Job outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomePanicked  = "panicked"
	OutcomeInvalid   = "invalid"
)

type Metrics struct {
	JobsProcessed      *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
	FacesIndexed       prometheus.Counter
	InFlight           prometheus.Gauge
	StepRetries        *prometheus.CounterVec
	PollErrors         prometheus.Counter
	BatchDeleteRetries prometheus.Counter
	ItemsDeleted       prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Jobs that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of one pipeline run.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		FacesIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "faces_indexed_total",
			Help:      "Faces returned by the face index.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Pipelines currently holding an executor slot.",
		}),
		StepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "step_retries_total",
			Help:      "Retried pipeline steps, by step.",
		}, []string{"step"}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "poll_errors_total",
			Help:      "Failed queue receive calls.",
		}),
		BatchDeleteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "batch_delete_retries_total",
			Help:      "Batch deletes re-issued for unprocessed or throttled items.",
		}),
		ItemsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "items_deleted_total",
			Help:      "Items removed by maintenance sweeps.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsProcessed,
			m.PipelineDuration,
			m.FacesIndexed,
			m.InFlight,
			m.StepRetries,
			m.PollErrors,
			m.BatchDeleteRetries,
			m.ItemsDeleted,
		)
	}
	return m
}

func (m *Metrics) JobDone(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(outcome).Inc()
	if took > 0 {
		m.PipelineDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Faces(n int) {
	if m == nil {
		return
	}
	m.FacesIndexed.Add(float64(n))
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

func (m *Metrics) StepRetried(step string) {
	if m == nil {
		return
	}
	m.StepRetries.WithLabelValues(step).Inc()
}

func (m *Metrics) PollFailed() {
	if m == nil {
		return
	}
	m.PollErrors.Inc()
}

func (m *Metrics) DeleteRetried() {
	if m == nil {
		return
	}
	m.BatchDeleteRetries.Inc()
}

func (m *Metrics) Deleted(n int) {
	if m == nil {
		return
	}
	m.ItemsDeleted.Add(float64(n))
}
