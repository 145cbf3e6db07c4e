package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ci_warehouse"

// Recorder holds the pipeline counters. A nil Recorder discards everything.
type Recorder struct {
	events     *prometheus.CounterVec
	dimensions *prometheus.CounterVec
	facts      *prometheus.CounterVec
	classes    *prometheus.CounterVec
	webhooks   *prometheus.CounterVec
	latency    prometheus.Histogram
}

// NewRecorder creates the pipeline metrics and registers them with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Job events processed by result.",
		}, []string{"result"}),
		dimensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dimension_resolutions_total",
			Help:      "Dimension rows resolved by kind and whether they were created.",
		}, []string{"kind", "outcome"}),
		facts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_total",
			Help:      "Job facts resolved by outcome.",
		}, []string{"outcome"}),
		classes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_classes_total",
			Help:      "Failed jobs by error taxonomy class.",
		}, []string{"class"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "End to end processing time of one job.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(r.events, r.dimensions, r.facts, r.classes, r.webhooks, r.latency)
	return r
}

func outcome(created bool) string {
	if created {
		return "created"
	}
	return "existing"
}

// EventProcessed records one processed job event
func (r *Recorder) EventProcessed(result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(result).Inc()
	r.latency.Observe(elapsed.Seconds())
}

// DimensionResolved records one dimension lookup
func (r *Recorder) DimensionResolved(kind string, created bool) {
	if r == nil {
		return
	}
	r.dimensions.WithLabelValues(kind, outcome(created)).Inc()
}

// FactResolved records one fact lookup
func (r *Recorder) FactResolved(created bool) {
	if r == nil {
		return
	}
	r.facts.WithLabelValues(outcome(created)).Inc()
}

// FailureClassified records the class assigned to a failed job
func (r *Recorder) FailureClassified(class string) {
	if r == nil {
		return
	}
	r.classes.WithLabelValues(class).Inc()
}

// WebhookReceived records one webhook delivery
func (r *Recorder) WebhookReceived(result string) {
	if r == nil {
		return
	}
	r.webhooks.WithLabelValues(result).Inc()
}
