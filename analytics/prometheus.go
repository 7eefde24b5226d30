package analytics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder exports engine activity as Prometheus metrics. It
// satisfies the engine's Recorder.
type PrometheusRecorder struct {
	registry        *prometheus.Registry
	eventsProcessed *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec
	rulesEvaluated  *prometheus.CounterVec
	ruleFailures    *prometheus.CounterVec
	pointsAwarded   *prometheus.CounterVec
	penaltyPoints   *prometheus.CounterVec
	badgesAwarded   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the engine metrics on a fresh registry
// under namespace (empty selects "secupoints").
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = "secupoints"
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusRecorder{
		registry: registry,
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Trigger events processed, by event name and whether an exclusion matched",
		}, []string{"event", "excluded"}),
		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Time taken to evaluate a trigger event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		rulesEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_evaluated_total",
			Help:      "Rule evaluations, by rule and outcome",
		}, []string{"event", "rule_id", "triggered"}),
		ruleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_failures_total",
			Help:      "Rules that failed to evaluate or execute",
		}, []string{"event", "rule_id"}),
		pointsAwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Points credited to the ledger, by rule",
		}, []string{"rule_id"}),
		penaltyPoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "penalty_points_total",
			Help:      "Absolute points debited by penalties, by rule",
		}, []string{"rule_id"}),
		badgesAwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badges_awarded_total",
			Help:      "Badges granted, by badge",
		}, []string{"badge_id"}),
	}
}

func (p *PrometheusRecorder) EventProcessed(event string, excluded bool, elapsed time.Duration) {
	p.eventsProcessed.WithLabelValues(event, strconv.FormatBool(excluded)).Inc()
	p.eventDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

func (p *PrometheusRecorder) RuleEvaluated(event, ruleID string, triggered bool) {
	p.rulesEvaluated.WithLabelValues(event, ruleID, strconv.FormatBool(triggered)).Inc()
}

func (p *PrometheusRecorder) RuleFailed(event, ruleID string) {
	p.ruleFailures.WithLabelValues(event, ruleID).Inc()
}

func (p *PrometheusRecorder) PointsAwarded(ruleID string, points int64) {
	if points < 0 {
		p.penaltyPoints.WithLabelValues(ruleID).Add(float64(-points))
		return
	}
	p.pointsAwarded.WithLabelValues(ruleID).Add(float64(points))
}

func (p *PrometheusRecorder) BadgeAwarded(badgeID string) {
	p.badgesAwarded.WithLabelValues(badgeID).Inc()
}

// Registry exposes the underlying registry, e.g. to add process collectors.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
