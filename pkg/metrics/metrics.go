// Package metrics exposes the broker's operational counters and gauges over
// Prometheus's client_golang, the collection library already wired into
// this module for the chain adapters' own instrumentation needs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the deal-tick and queue-tick drivers report
// against, plus the HTTP handler that serves them.
type Registry struct {
	reg *prometheus.Registry

	DealTicks       prometheus.Counter
	DealTickErrors  prometheus.Counter
	ActiveDeals     prometheus.Gauge
	DealsByStage    *prometheus.GaugeVec
	DepositsSeen    *prometheus.CounterVec
	ReorgsDetected  *prometheus.CounterVec
	QueueTicks      prometheus.Counter
	QueueDispatched *prometheus.CounterVec
	QueueGasBumps   *prometheus.CounterVec
	LeaseContention prometheus.Counter
}

// New builds a Registry with every metric registered under the
// "atomicbroker" namespace.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		DealTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atomicbroker",
			Subsystem: "statemachine",
			Name:      "deal_ticks_total",
			Help:      "Number of completed deal-tick fan-out rounds.",
		}),
		DealTickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atomicbroker",
			Subsystem: "statemachine",
			Name:      "deal_tick_errors_total",
			Help:      "Number of deal evaluations that returned an error.",
		}),
		ActiveDeals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "atomicbroker",
			Subsystem: "statemachine",
			Name:      "active_deals",
			Help:      "Number of deals not yet CLOSED.",
		}),
		DealsByStage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "atomicbroker",
			Subsystem: "statemachine",
			Name:      "deals_by_stage",
			Help:      "Number of deals currently in each stage.",
		}, []string{"stage"}),
		DepositsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomicbroker",
			Subsystem: "depositwatcher",
			Name:      "deposits_seen_total",
			Help:      "Deposits observed by chain and asset.",
		}, []string{"chain", "asset"}),
		ReorgsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomicbroker",
			Subsystem: "depositwatcher",
			Name:      "reorgs_detected_total",
			Help:      "Deposits or queue items that fell back to confirms=-1.",
		}, []string{"chain"}),
		QueueTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atomicbroker",
			Subsystem: "queueworker",
			Name:      "queue_ticks_total",
			Help:      "Number of completed queue-tick fan-out rounds.",
		}),
		QueueDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomicbroker",
			Subsystem: "queueworker",
			Name:      "items_dispatched_total",
			Help:      "Queue items dispatched, by chain and purpose.",
		}, []string{"chain", "purpose"}),
		QueueGasBumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomicbroker",
			Subsystem: "queueworker",
			Name:      "gas_bumps_total",
			Help:      "Gas-price bump resubmissions, by chain.",
		}, []string{"chain"}),
		LeaseContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atomicbroker",
			Subsystem: "lease",
			Name:      "acquire_contention_total",
			Help:      "Lease acquisitions that lost to a concurrently-held lease.",
		}),
	}

	reg.MustRegister(
		m.DealTicks, m.DealTickErrors, m.ActiveDeals, m.DealsByStage,
		m.DepositsSeen, m.ReorgsDetected,
		m.QueueTicks, m.QueueDispatched, m.QueueGasBumps,
		m.LeaseContention,
	)
	return m
}

// Handler returns the HTTP handler that serves this registry's metrics in
// the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
