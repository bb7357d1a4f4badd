// Package metrics holds the Prometheus instruments shared by the runtime.
// They register with the default registry and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "steward"

var (
	Calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Command invocations by command and outcome kind.",
	}, []string{"command", "outcome"})

	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Time from dispatch to result delivery.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command", "mode"})

	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_in_flight",
		Help:      "Command invocations awaiting a result.",
	})

	WorkerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_active",
		Help:      "Jobs currently executing on the worker pool.",
	})

	WorkerQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queued",
		Help:      "Jobs waiting for a free worker.",
	})

	WorkerRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_rejected_total",
		Help:      "Jobs rejected because the worker pool was exhausted.",
	})

	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_runs_total",
		Help:      "Scheduled task firings by task id and result.",
	}, []string{"task", "result"})

	TaskSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_skips_total",
		Help:      "Due task firings skipped, by task id and reason.",
	}, []string{"task", "reason"})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events processed by the event bus.",
	})

	EventHandlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_handler_errors_total",
		Help:      "Event handler invocations that failed or panicked.",
	})

	BroadcastClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broadcast_clients",
		Help:      "Connected websocket clients receiving broadcasts.",
	})

	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_dropped_total",
		Help:      "Clients disconnected because their send buffer was full.",
	})

	RelayErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_errors_total",
		Help:      "Events the NATS relay failed to publish.",
	})
)
