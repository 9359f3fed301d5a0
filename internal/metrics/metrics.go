// Package metrics holds the Prometheus instruments of the execution core.
// Every method is safe on a nil *Metrics, so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the execution runtime.
type Metrics struct {
	registry *prometheus.Registry

	SubmissionsTotal    *prometheus.CounterVec // labels: outcome
	DuplicatesTotal     prometheus.Counter
	GateRejectionsTotal *prometheus.CounterVec // labels: reason
	BrokerErrorsTotal   *prometheus.CounterVec // labels: op
	FillsTotal          *prometheus.CounterVec // labels: kind=partial|final|untracked
	TradeIDFallbacks    prometheus.Counter
	BrokerSubmitDur     prometheus.Histogram

	// Coordinator
	DecisionsTotal *prometheus.CounterVec // labels: action, skip_reason

	// Runtime and reconciliation
	CycleDur        prometheus.Histogram
	ActiveOrders    prometheus.Gauge
	RestoredOrders  prometheus.Gauge
	ReconcileDrifts *prometheus.CounterVec // labels: kind
}

// NewMetrics creates the instruments on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_order_submissions_total",
			Help: "Order submissions by outcome (accepted, gate_rejected, broker_rejected, failed)",
		}, []string{"outcome"}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klear_duplicate_submissions_total",
			Help: "Submissions refused because the internal order id was already submitted",
		}),
		GateRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_risk_gate_rejections_total",
			Help: "Orders rejected by the pre-trade risk gate",
		}, []string{"reason"}),
		BrokerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_broker_errors_total",
			Help: "Broker collaborator failures by operation",
		}, []string{"op"}),
		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_fills_total",
			Help: "Fill notifications processed",
		}, []string{"kind"}),
		TradeIDFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klear_trade_id_fallback_total",
			Help: "Submissions that had no registered trade id and got a generated one",
		}),
		BrokerSubmitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klear_broker_submit_duration_seconds",
			Help:    "Broker submit_order latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_coordinator_decisions_total",
			Help: "Coordinator decisions by action and skip reason",
		}, []string{"action", "skip_reason"}),

		CycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klear_runtime_cycle_duration_seconds",
			Help:    "Runtime loop cycle latency",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klear_active_orders",
			Help: "Orders in a non-terminal state",
		}),
		RestoredOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klear_restored_orders",
			Help: "Pending orders restored from the transaction log at startup",
		}),
		ReconcileDrifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_reconcile_drifts_total",
			Help: "Drift found between local and broker state",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SubmissionsTotal,
		m.DuplicatesTotal,
		m.GateRejectionsTotal,
		m.BrokerErrorsTotal,
		m.FillsTotal,
		m.TradeIDFallbacks,
		m.BrokerSubmitDur,
		m.DecisionsTotal,
		m.CycleDur,
		m.ActiveOrders,
		m.RestoredOrders,
		m.ReconcileDrifts,
	)

	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.DuplicatesTotal.Inc()
}

// GateRejected counts a rejection. Reasons carrying prices are collapsed by
// the caller to keep label cardinality bounded.
func (m *Metrics) GateRejected(reason string) {
	if m == nil {
		return
	}
	m.GateRejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) BrokerError(op string) {
	if m == nil {
		return
	}
	m.BrokerErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) Fill(kind string) {
	if m == nil {
		return
	}
	m.FillsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) TradeIDFallback() {
	if m == nil {
		return
	}
	m.TradeIDFallbacks.Inc()
}

func (m *Metrics) ObserveBrokerSubmit(d time.Duration) {
	if m == nil {
		return
	}
	m.BrokerSubmitDur.Observe(d.Seconds())
}

func (m *Metrics) Decision(action, skipReason string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(action, skipReason).Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDur.Observe(d.Seconds())
}

func (m *Metrics) SetActiveOrders(n int) {
	if m == nil {
		return
	}
	m.ActiveOrders.Set(float64(n))
}

func (m *Metrics) SetRestoredOrders(n int) {
	if m == nil {
		return
	}
	m.RestoredOrders.Set(float64(n))
}

func (m *Metrics) Drift(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReconcileDrifts.WithLabelValues(kind).Add(float64(n))
}
