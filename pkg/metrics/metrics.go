// Package metrics exposes the process's Prometheus collectors: ledger
// chain growth, workflow and task throughput, settlement signal outcomes,
// and agent dispatch counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uaef"

var (
	// Registry holds the application's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	ledgerSequence = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "latest_sequence",
		Help:      "Highest sequence number appended to the trust ledger.",
	})

	ledgerEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "events_total",
		Help:      "Total ledger events recorded, by event type.",
	}, []string{"event_type"})

	workflowExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "executions_total",
		Help:      "Total workflow executions, by terminal status.",
	}, []string{"status"})

	taskExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "tasks_total",
		Help:      "Total task executions, by task type and outcome.",
	}, []string{"task_type", "outcome"})

	agentDispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agents",
		Name:      "dispatches_total",
		Help:      "Total agent dispatch attempts, by agent type and outcome.",
	}, []string{"agent_type", "outcome"})

	agentDispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "agents",
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of agent dispatch calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"agent_type"})

	settlementSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "signals_total",
		Help:      "Total settlement signals generated, by status.",
	}, []string{"status"})

	settlementAmount = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "signal_amount",
		Help:      "Distribution of settlement signal amounts.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"currency"})
)

func init() {
	Registry.MustRegister(
		ledgerSequence,
		ledgerEventsTotal,
		workflowExecutionsTotal,
		taskExecutionsTotal,
		agentDispatchesTotal,
		agentDispatchDuration,
		settlementSignalsTotal,
		settlementAmount,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetLedgerSequence publishes the ledger's current tip sequence number.
func SetLedgerSequence(seq int64) {
	ledgerSequence.Set(float64(seq))
}

// RecordLedgerEvent counts one appended ledger event by its type.
func RecordLedgerEvent(eventType string) {
	ledgerEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordWorkflowExecution counts a workflow reaching a terminal status.
func RecordWorkflowExecution(status string) {
	workflowExecutionsTotal.WithLabelValues(status).Inc()
}

// RecordTaskExecution counts a task execution outcome by its task type.
func RecordTaskExecution(taskType, outcome string) {
	taskExecutionsTotal.WithLabelValues(taskType, outcome).Inc()
}

// RecordAgentDispatch counts and times one Dispatch call against an agent
// of the given agent type.
func RecordAgentDispatch(agentType, outcome string, duration time.Duration) {
	agentDispatchesTotal.WithLabelValues(agentType, outcome).Inc()
	agentDispatchDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// RecordSettlementSignal counts a settlement signal by its current status
// and observes its amount.
func RecordSettlementSignal(status, currency string, amount float64) {
	settlementSignalsTotal.WithLabelValues(status).Inc()
	if currency == "" {
		currency = "USD"
	}
	settlementAmount.WithLabelValues(currency).Observe(amount)
}
