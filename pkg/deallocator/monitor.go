package deallocator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor exports deallocation metrics. A nil Monitor records nothing.
type Monitor struct {
	attempts   *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inProgress prometheus.Gauge
}

func NewMonitor() *Monitor {
	return &Monitor{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardkeeper_deallocation_attempts_total",
			Help: "Deallocation attempts started, by min availability.",
		}, []string{"min_availability"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardkeeper_deallocation_outcomes_total",
			Help: "Finished deallocation attempts, by min availability and outcome.",
		}, []string{"min_availability", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardkeeper_deallocation_duration_seconds",
			Help:    "Time from start to completion of a deallocation attempt.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"min_availability"}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardkeeper_deallocation_in_progress",
			Help: "1 while a deallocation attempt is pending.",
		}),
	}
}

func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	m.attempts.Describe(ch)
	m.outcomes.Describe(ch)
	m.duration.Describe(ch)
	m.inProgress.Describe(ch)
}

func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	m.attempts.Collect(ch)
	m.outcomes.Collect(ch)
	m.duration.Collect(ch)
	m.inProgress.Collect(ch)
}

func (m *Monitor) started(a MinAvailability) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(a.String()).Inc()
	m.inProgress.Set(1)
}

func (m *Monitor) finished(a MinAvailability, r Result, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(a.String(), outcomeLabel(r, err)).Inc()
	m.duration.WithLabelValues(a.String()).Observe(took.Seconds())
	m.inProgress.Set(0)
}

func outcomeLabel(r Result, err error) string {
	switch {
	case err == nil:
		return r.String()
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrRelocationTimedOut):
		return "timed_out"
	case errors.Is(err, ErrMetadataUpdateFailed):
		return "metadata_update_failed"
	default:
		return "failed"
	}
}
