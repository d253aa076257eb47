package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraudsentry_events_accepted_total",
		Help: "Total number of events accepted at intake.",
	})

	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraudsentry_events_rejected_total",
		Help: "Total number of events rejected by validation or deduplication.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraudsentry_events_dropped_total",
		Help: "Total number of events dropped due to a full queue.",
	})

	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraudsentry_events_processed_total",
		Help: "Total number of events fully processed by the pipeline.",
	})

	RulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudsentry_rules_fired_total",
		Help: "Total number of rule firings, labelled by rule ID.",
	}, []string{"rule_id"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudsentry_actions_executed_total",
		Help: "Total number of response actions executed, labelled by action and status.",
	}, []string{"action", "status"})

	CorrelationsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudsentry_correlations_detected_total",
		Help: "Total number of correlation patterns detected, labelled by pattern.",
	}, []string{"pattern"})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraudsentry_event_processing_duration_ms",
		Help:    "Per-event processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fraudsentry_queue_utilization_ratio",
		Help: "Current priority queue utilization (0-1).",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fraudsentry_active_workers",
		Help: "Current worker pool size.",
	})
)
