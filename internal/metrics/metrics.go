// Package metrics exposes Prometheus collectors for the paper engine.
//
//   - papertrader_balance_usdt{variant}                  current simulated balance
//   - papertrader_open_positions{variant}                positions in the open set
//   - papertrader_active_managed_positions{variant}      positions counting toward the admission ceiling
//   - papertrader_fills_total{variant,kind}              realized fills (STOP or rung label)
//   - papertrader_gatekeeper_blocks_total{variant,rule}  admission denials
//   - papertrader_price_unavailable_total{variant}       positions skipped for lack of a price
//   - papertrader_signals_total{variant,outcome}         signal records consumed by outcome
//   - papertrader_iteration_seconds{variant}             engine iteration latency
//   - papertrader_iteration_failures_total{variant}      iterations that ended in a recovered failure
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Balance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "papertrader_balance_usdt",
			Help: "Simulated account balance",
		},
		[]string{"variant"},
	)

	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "papertrader_open_positions",
			Help: "Positions in the open set",
		},
		[]string{"variant"},
	)

	ActiveManaged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "papertrader_active_managed_positions",
			Help: "Positions counting toward the active-managed ceiling",
		},
		[]string{"variant"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "papertrader_fills_total",
			Help: "Realized fills by kind",
		},
		[]string{"variant", "kind"},
	)

	GatekeeperBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "papertrader_gatekeeper_blocks_total",
			Help: "Admission denials by rule",
		},
		[]string{"variant", "rule"},
	)

	PriceUnavailable = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "papertrader_price_unavailable_total",
			Help: "Position updates skipped because no price was available",
		},
		[]string{"variant"},
	)

	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "papertrader_signals_total",
			Help: "Signal records consumed by outcome",
		},
		[]string{"variant", "outcome"},
	)

	IterationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "papertrader_iteration_seconds",
			Help:    "Engine iteration latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"variant"},
	)

	IterationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "papertrader_iteration_failures_total",
			Help: "Iterations that failed and were restarted",
		},
		[]string{"variant"},
	)
)

func init() {
	prometheus.MustRegister(
		Balance,
		OpenPositions,
		ActiveManaged,
		Fills,
		GatekeeperBlocks,
		PriceUnavailable,
		Signals,
		IterationSeconds,
		IterationFailures,
	)
}
