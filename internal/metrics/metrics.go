package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "trialwatch"

var (
	// TriggerEvaluations counts detector runs by outcome
	// (fired, below_threshold, not_peak, cooldown, duplicate, error).
	TriggerEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_evaluations_total",
			Help:      "Trigger detector evaluations by app, cadence and outcome",
		},
		[]string{"app", "cadence", "outcome"},
	)

	// RefreshUnits counts per-post refresh units by outcome.
	RefreshUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_units_total",
			Help:      "Per-post metric refresh units by outcome",
		},
		[]string{"app", "outcome"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of metric fetches against the scraping provider",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"platform"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by status",
		},
		[]string{"status"},
	)
)

// Push sends the default registry to a Prometheus Pushgateway.
// Batch runs exit before a scrape could happen, so this is how run metrics leave the process.
func Push(ctx context.Context, gatewayURL, job string) error {
	if gatewayURL == "" {
		return nil
	}
	err := push.New(gatewayURL, job).
		Gatherer(prometheus.DefaultGatherer).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("pushing metrics: %w", err)
	}
	return nil
}
