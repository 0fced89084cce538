package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docforge/docforge/job"
)

type outcome string

const (
	outcomeSucceeded    outcome = "succeeded"
	outcomeDeadLettered outcome = "dead_lettered"
	outcomeRequeued     outcome = "requeued"
)

// Metrics exposes pipeline counters and latency. Register against an
// explicit Registerer so multiple pools in one process (or test) do
// not collide.
type Metrics struct {
	settled  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	swept    prometheus.Counter
}

// NewMetrics creates and registers the worker metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docforge_jobs_settled_total",
			Help: "Deliveries settled by the worker pool, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docforge_job_duration_seconds",
			Help:    "End-to-end processing duration of succeeded jobs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"format"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docforge_jobs_swept_total",
			Help: "Stale pending jobs re-published by the recovery sweep.",
		}),
	}
	reg.MustRegister(m.settled, m.duration, m.swept)
	return m
}

// observe records a settled delivery. Safe on a nil receiver so the
// pool works without metrics wired.
func (m *Metrics) observe(o outcome, format job.Format, d time.Duration) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(string(o)).Inc()
	if o == outcomeSucceeded && format != "" {
		m.duration.WithLabelValues(string(format)).Observe(d.Seconds())
	}
}

func (m *Metrics) sweepPublished() {
	if m == nil {
		return
	}
	m.swept.Inc()
}
