package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the pipeline.
type Metrics struct {
	EventsFetched    *prometheus.CounterVec
	EventsNormalized *prometheus.CounterVec
	EventsDeadLetter *prometheus.CounterVec
	GraphIngests     prometheus.Counter
	DecisionsTotal   *prometheus.CounterVec
	AlertsTimedOut   prometheus.Counter
	AlertsFailed     prometheus.Counter
	CircuitOpens     *prometheus.CounterVec
	CyclesSkipped    *prometheus.CounterVec
}

// New registers all instruments on a fresh registry and returns both. Tests
// pass their own registry; the daemon serves it at /metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgraph_events_fetched_total",
			Help: "Raw events fetched, by source",
		}, []string{"source"}),
		EventsNormalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgraph_events_normalized_total",
			Help: "Events successfully normalized, by source",
		}, []string{"source"}),
		EventsDeadLetter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgraph_events_deadletter_total",
			Help: "Events dead-lettered, by stage",
		}, []string{"stage"}),
		GraphIngests: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskgraph_graph_ingests_total",
			Help: "Successful graph ingestions",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgraph_decisions_total",
			Help: "Decisions delivered, by action",
		}, []string{"action"}),
		AlertsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskgraph_alerts_timed_out_total",
			Help: "Alerts escalated after exceeding the SLA deadline",
		}),
		AlertsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskgraph_alerts_failed_total",
			Help: "Alerts abandoned on unrecoverable internal error",
		}),
		CircuitOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgraph_circuit_opens_total",
			Help: "Circuit breaker open transitions, by source",
		}, []string{"source"}),
		CyclesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgraph_cycles_skipped_total",
			Help: "Fetch cycles skipped, by source and reason",
		}, []string{"source", "reason"}),
	}
}
