package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Event outcomes.
const (
	EventIgnored  = "ignored"
	EventNoIntent = "no_intent"
	EventApplied  = "applied"
	EventFailed   = "failed"
)

var (
	metricEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sabresizer",
			Name:      "events_total",
			Help:      "Observed events by dispatch outcome",
		},
		[]string{"outcome"},
	)

	metricReconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sabresizer",
			Name:      "reconciliations_total",
			Help:      "Sizing passes by size class, strategy and result",
		},
		[]string{"size", "strategy", "result"},
	)

	metricReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sabresizer",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of sizing passes, retries included",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"strategy"},
	)

	metricBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sabresizer",
			Name:      "breaker_open",
			Help:      "1 while sizing passes are suspended after repeated failures",
		},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(metricEvents, metricReconciliations, metricReconcileDuration, metricBreakerOpen)
}

// RecordEvent counts one observed event.
func RecordEvent(outcome string) {
	metricEvents.WithLabelValues(outcome).Inc()
}

// RecordReconcile counts one sizing pass and its duration.
func RecordReconcile(size, strategy string, err error, took time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metricReconciliations.WithLabelValues(size, strategy, result).Inc()
	metricReconcileDuration.WithLabelValues(strategy).Observe(took.Seconds())
}

// SetBreakerOpen records whether the breaker currently rejects passes.
func SetBreakerOpen(open bool) {
	if open {
		metricBreakerOpen.Set(1)
		return
	}
	metricBreakerOpen.Set(0)
}
