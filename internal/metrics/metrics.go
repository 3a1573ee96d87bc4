// Package metrics holds the Prometheus collectors of the automation engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TriggerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automations",
		Name:      "trigger_fires_total",
		Help:      "Number of trigger fires by trigger type.",
	}, []string{"type"})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automations",
		Name:      "runs_total",
		Help:      "Number of recorded automation runs by outcome status.",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "automations",
		Name:      "run_duration_seconds",
		Help:      "Time from dequeue to the run's log row being written.",
		Buckets:   prometheus.DefBuckets,
	})

	ActionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automations",
		Name:      "action_failures_total",
		Help:      "Number of failed actions by action type.",
	}, []string{"type"})

	QueueLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "automations",
		Name:      "queue_latency_seconds",
		Help:      "Time an evaluation task waited between trigger fire and dequeue.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automations",
		Name:      "queue_depth",
		Help:      "Evaluation tasks waiting in the local dispatcher queue.",
	})

	DroppedTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automations",
		Name:      "dropped_tasks_total",
		Help:      "Evaluation tasks dropped before running, by reason.",
	}, []string{"reason"})

	TelemetryMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "automations",
		Name:      "telemetry_messages_total",
		Help:      "Device state reports consumed from the telemetry stream.",
	})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
