// Package metrics holds Prometheus metrics for the event pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the event pipeline.
type Metrics struct {
	EventsAppended    *prometheus.CounterVec
	EventsProcessed   prometheus.Counter
	EventsFailed      prometheus.Counter
	HandlerExecutions *prometheus.CounterVec
	HandlerDuration   prometheus.Histogram
	SweepReclaimed    prometheus.Counter
}

// New creates and registers all event pipeline metrics.
func New() *Metrics {
	return &Metrics{
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lending_os_events_appended_total",
			Help: "Domain events appended to the event store, by event type",
		}, []string{"event_type"}),
		EventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lending_os_events_processed_total",
			Help: "Domain events that reached the processed status",
		}),
		EventsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lending_os_events_failed_total",
			Help: "Dispatch rounds that ended with at least one handler failure",
		}),
		HandlerExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lending_os_handler_executions_total",
			Help: "Handler execution attempts, by handler name and outcome",
		}, []string{"handler", "outcome"}),
		HandlerDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lending_os_handler_duration_seconds",
			Help:    "Handler execution duration",
			Buckets: prometheus.DefBuckets,
		}),
		SweepReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lending_os_sweep_reclaimed_total",
			Help: "Stale processing events reclaimed by the recovery sweeper",
		}),
	}
}
