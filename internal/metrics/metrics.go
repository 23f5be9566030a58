// Package metrics exposes Prometheus metrics for the execution core.
//
// Primary series:
//   - trader_orders_total{venue,side}        – orders submitted
//   - trader_order_rejections_total{venue}   – synchronous venue declines
//   - trader_gate_rejections_total           – intents blocked by the safety gate
//   - trader_open_positions                  – current ledger position count
//   - trader_exits_total{kind,side}          – supervisor exits by trigger
//   - trader_discrepancies_total{kind}       – reconciliation findings
//   - trader_recon_runs_total{result}        – reconciliation passes (ok|error)
//   - trader_session_alive{venue}            – venue session health (0/1)
//   - trader_quotes_total                    – quotes consumed
//
// All series are registered in init() and served by the HTTP handler wired
// up in the trader binary at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders submitted to a venue",
		},
		[]string{"venue", "side"},
	)

	orderRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_order_rejections_total",
			Help: "Orders synchronously declined by a venue",
		},
		[]string{"venue"},
	)

	gateRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_gate_rejections_total",
			Help: "Trade intents blocked by the safety gate",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Current number of ledger positions",
		},
	)

	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_exits_total",
			Help: "Supervisor exits by trigger (stop_loss|take_profit) and closed side",
		},
		[]string{"kind", "side"},
	)

	discrepancies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_discrepancies_total",
			Help: "Reconciliation discrepancies by kind",
		},
		[]string{"kind"},
	)

	reconRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_recon_runs_total",
			Help: "Reconciliation passes by result (ok|error)",
		},
		[]string{"result"},
	)

	sessionAlive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_session_alive",
			Help: "Venue session health (1 alive, 0 dead)",
		},
		[]string{"venue"},
	)

	quotes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_quotes_total",
			Help: "Quotes consumed from venue feeds",
		},
	)
)

func init() {
	prometheus.MustRegister(orders, orderRejections, gateRejections)
	prometheus.MustRegister(openPositions, exits)
	prometheus.MustRegister(discrepancies, reconRuns, sessionAlive, quotes)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }

// Helper setters used across the engine, supervisor, and reconciler.

func IncOrder(venue, side string)    { orders.WithLabelValues(venue, side).Inc() }
func IncOrderRejection(venue string) { orderRejections.WithLabelValues(venue).Inc() }
func IncGateRejection()              { gateRejections.Inc() }
func SetOpenPositions(n int)         { openPositions.Set(float64(n)) }
func IncExit(kind, side string)      { exits.WithLabelValues(kind, side).Inc() }
func IncDiscrepancy(kind string)     { discrepancies.WithLabelValues(kind).Inc() }
func IncReconRun(result string)      { reconRuns.WithLabelValues(result).Inc() }
func SetSessionAlive(venue string, alive bool) {
	v := 0.0
	if alive {
		v = 1.0
	}
	sessionAlive.WithLabelValues(venue).Set(v)
}
func IncQuote() { quotes.Inc() }
