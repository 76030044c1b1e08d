// Package metrics provides Prometheus instruments for the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subagent"

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksDispatched counts task:assign events sent to workers.
var TasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_dispatched_total",
	Help:      "Total tasks forwarded to a worker.",
})

// TasksFinished counts terminal results by outcome code ("OK" on success).
var TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_finished_total",
	Help:      "Total terminal task results by outcome.",
}, []string{"outcome"})

// TasksPending tracks in-flight tasks held by the router.
var TasksPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_pending",
	Help:      "Number of dispatched tasks awaiting a result.",
})

// TaskDuration tracks end-to-end task duration as reported in results.
var TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_duration_seconds",
	Help:      "Task duration from dispatch to terminal result.",
	Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
})

// LateResults counts results that arrived after their task was retired.
var LateResults = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "late_results_total",
	Help:      "Results dropped because no pending task matched.",
})

// ─── Connections ────────────────────────────────────────────────────────────

// NodesByStatus tracks registered workers per status.
var NodesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "nodes",
	Help:      "Registered workers by status.",
}, []string{"status"})

// AuxClients tracks connected aux clients.
var AuxClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "aux_clients",
	Help:      "Connected aux clients.",
})

// Observers tracks subscribed observer connections.
var Observers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "observers",
	Help:      "Subscribed observer connections.",
})

// AuthFailures counts rejected authenticate attempts.
var AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "auth_failures_total",
	Help:      "Rejected authentication attempts.",
})

// ─── Sessions ───────────────────────────────────────────────────────────────

// Sessions tracks live conversation sessions.
var Sessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "sessions",
	Help:      "Live conversation sessions.",
})

// Outcome maps a result to its TasksFinished label.
func Outcome(success bool, code string) string {
	if success {
		return "OK"
	}
	if code == "" {
		return "UNKNOWN"
	}
	return code
}
