package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the pipelines.
const (
	OutcomePublished    = "published"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDLQFailed    = "dlq_failed"
	OutcomeInserted     = "inserted"
	OutcomeDuplicate    = "duplicate"
	OutcomeFailed       = "failed"
)

// Metrics holds the prometheus collectors of one process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	loads          *prometheus.CounterVec
	consumed       *prometheus.CounterVec
	jobTransitions *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	sweeper        *prometheus.CounterVec
	locationCache  *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer, service string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if service == "" {
		service = "surveyflow"
	}
	constLabels := prometheus.Labels{"service": service}

	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "surveyflow_transform_events_total",
			Help:        "Raw survey events by transform outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "surveyflow_loader_events_total",
			Help:        "Enriched survey events by load outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "surveyflow_bus_messages_total",
			Help:        "Messages handled by the consumer group dispatcher.",
			ConstLabels: constLabels,
		}, []string{"topic", "result"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "surveyflow_job_transitions_total",
			Help:        "Persisted job status transitions.",
			ConstLabels: constLabels,
		}, []string{"kind", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "surveyflow_job_duration_seconds",
			Help:        "Time from PROCESSING to a terminal status.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"kind", "status"}),
		sweeper: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "surveyflow_sweeper_actions_total",
			Help:        "Stale job reconciliation actions.",
			ConstLabels: constLabels,
		}, []string{"action"}),
		locationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "surveyflow_location_cache_total",
			Help:        "Location cache lookups by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}

	registerer.MustRegister(
		m.events,
		m.loads,
		m.consumed,
		m.jobTransitions,
		m.jobDuration,
		m.sweeper,
		m.locationCache,
	)
	return m
}

func (m *Metrics) TransformOutcome(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LoadOutcome(outcome string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessageHandled(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.consumed.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) JobTransition(kind, status string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) JobFinished(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(kind, status).Observe(elapsed.Seconds())
}

func (m *Metrics) SweeperAction(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeper.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) LocationCache(result string) {
	if m == nil {
		return
	}
	m.locationCache.WithLabelValues(result).Inc()
}
