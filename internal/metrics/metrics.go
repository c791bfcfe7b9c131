package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduler, notifier and command counters, partitioned by protocol where it applies.

var (
	// Scheduler
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ltv_alert",
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Total poll cycles by outcome (completed, aborted, skipped)",
	}, []string{"protocol", "outcome"})

	CycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ltv_alert",
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Poll cycle duration",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"protocol"})

	SourceUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ltv_alert",
		Subsystem: "scheduler",
		Name:      "source_unavailable_total",
		Help:      "Total addresses skipped because the LTV source was unavailable",
	}, []string{"protocol"})

	SubscriptionsWatched = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ltv_alert",
		Subsystem: "scheduler",
		Name:      "subscriptions",
		Help:      "Subscriptions evaluated in the last completed cycle",
	}, []string{"protocol"})

	// Notifier
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ltv_alert",
		Subsystem: "notifier",
		Name:      "alerts_total",
		Help:      "Total alerts by kind and delivery result",
	}, []string{"protocol", "kind", "result"})

	// Commands
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ltv_alert",
		Subsystem: "bot",
		Name:      "commands_total",
		Help:      "Total bot commands by action and outcome",
	}, []string{"action", "outcome"})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
