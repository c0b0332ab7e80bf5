// Package metrics provides Prometheus metrics for the tideflow service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts tasks by final status.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tideflow",
			Subsystem: "pipeline",
			Name:      "tasks_total",
			Help:      "Total number of tasks by final status",
		},
		[]string{"status"}, // "success", "failed"
	)

	// TasksActive tracks currently executing tasks.
	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tideflow",
			Subsystem: "pipeline",
			Name:      "tasks_active",
			Help:      "Number of currently executing tasks",
		},
	)

	// TaskDuration tracks task execution duration.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tideflow",
			Subsystem: "pipeline",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// StepsTotal counts steps executed by final status.
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tideflow",
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Total number of steps executed by final status",
		},
		[]string{"type", "status"}, // status: "completed", "failed"
	)

	// StepDuration tracks step execution duration.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tideflow",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type", "status"},
	)

	// StepRetries tracks retry attempts per step.
	StepRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tideflow",
			Subsystem: "pipeline",
			Name:      "step_retries",
			Help:      "Number of retry attempts per step",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// QuotaReservationsTotal counts reserve attempts by result.
	QuotaReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tideflow",
			Subsystem: "quota",
			Name:      "reservations_total",
			Help:      "Total number of quota reserve attempts by result",
		},
		[]string{"result"}, // "reserved", "not_member", "insufficient", "error"
	)

	// QuotaFinalizationsTotal counts confirm/cancel outcomes.
	QuotaFinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tideflow",
			Subsystem: "quota",
			Name:      "finalizations_total",
			Help:      "Total number of quota confirm/cancel operations",
		},
		[]string{"phase", "result"}, // phase: "confirmed", "cancelled"; result: "applied", "noop", "error"
	)

	// QuotaReconciledTotal counts reservations settled by the sweep.
	QuotaReconciledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tideflow",
			Subsystem: "quota",
			Name:      "reconciled_total",
			Help:      "Total number of leaked reservations settled by the reconciler",
		},
	)

	// EventsTotal counts task events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tideflow",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Total number of task events emitted",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tideflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tideflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event stream connections.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tideflow",
			Subsystem: "http",
			Name:      "sse_active_connections",
			Help:      "Number of open SSE connections",
		},
	)

	// SSEConnectionDuration tracks event stream connection lifetime.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tideflow",
			Subsystem: "http",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// StoreOperations counts store operations by result.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tideflow",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"store", "operation", "result"},
	)

	// PayloadOffloadsTotal counts step outputs offloaded to object storage.
	PayloadOffloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tideflow",
			Subsystem: "pipeline",
			Name:      "payload_offloads_total",
			Help:      "Total number of step payloads offloaded to object storage",
		},
		[]string{"result"}, // "offloaded", "error"
	)
)
