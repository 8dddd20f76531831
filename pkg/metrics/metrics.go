// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service registers. A nil *Metrics is
// valid and records nothing, so tests can skip instrumentation.
type Metrics struct {
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter

	Verdicts     *prometheus.CounterVec
	Enforcements *prometheus.CounterVec

	VerificationDuration prometheus.Histogram
	RestoreDuration      prometheus.Histogram

	TasksActive prometheus.Gauge
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "ares_events_published_total",
			Help: "Events published to the dispatch fabric.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ares_events_dropped_total",
			Help: "Events dropped by slow fabric subscribers.",
		}),
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ares_verdicts_total",
			Help: "Verdicts produced, by outcome.",
		}, []string{"outcome"}),
		Enforcements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ares_enforcement_actions_total",
			Help: "Enforcement actions issued, by kind.",
		}, []string{"kind"}),
		VerificationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ares_verification_duration_seconds",
			Help:    "Wall time spent verifying a completed task.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		RestoreDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ares_restore_duration_seconds",
			Help:    "Wall time spent restoring a snapshot.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		TasksActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ares_tasks_active",
			Help: "Tasks currently in a non-terminal state.",
		}),
	}
}

// ObserveVerdict records a produced verdict.
func (m *Metrics) ObserveVerdict(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(outcome).Inc()
	m.VerificationDuration.Observe(took.Seconds())
}

// ObserveEnforcement records an issued enforcement action.
func (m *Metrics) ObserveEnforcement(kind string) {
	if m == nil {
		return
	}
	m.Enforcements.WithLabelValues(kind).Inc()
}

// ObserveRestore records a restore attempt's duration.
func (m *Metrics) ObserveRestore(took time.Duration) {
	if m == nil {
		return
	}
	m.RestoreDuration.Observe(took.Seconds())
}

// EventPublished records a fabric publish and how many subscribers dropped it.
func (m *Metrics) EventPublished(dropped int) {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
	if dropped > 0 {
		m.EventsDropped.Add(float64(dropped))
	}
}

// TaskStarted and TaskFinished track the active-task gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksActive.Inc()
}

// TaskFinished decrements the active-task gauge.
func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.TasksActive.Dec()
}
