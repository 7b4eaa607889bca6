// Package telemetry registers and serves the orchestrator's Prometheus
// metrics.
//
//   - orchestrator_variant_trades_total{variant,result}      – trades by win|loss
//   - orchestrator_variant_net_pnl_usd{variant}               – per-variant net PnL (gauge)
//   - orchestrator_variant_sharpe_ratio{variant}               – per-variant Sharpe (gauge)
//   - orchestrator_variant_drawdown_pct{variant}               – per-variant max drawdown (gauge)
//   - orchestrator_variant_circuit_breaker_state{variant}      – 0=closed,1=open (gauge)
//   - orchestrator_variant_promotions_total{variant}           – promotion-eligible crossings
//   - orchestrator_positions_opened_total{variant,side}        – paper entries
//   - orchestrator_exit_reasons_total{variant,reason}          – exits split by reason
//   - orchestrator_stop_replacements_total{symbol}             – successful stop replaces
//   - orchestrator_reconciler_drift_total{symbol,kind}         – detected drift events
//   - orchestrator_rate_backoff_total                          – global backoff engagements
//   - orchestrator_heap_bytes / orchestrator_resident_bytes     – process memory gauges
//
// Registered in init() on the default Prometheus registry; Server (server.go)
// exposes them on /metrics alongside /healthz.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	variantTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_variant_trades_total",
			Help: "Trades closed, by variant and result (win|loss).",
		},
		[]string{"variant", "result"},
	)

	variantNetPnl = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_variant_net_pnl_usd",
			Help: "Cumulative net PnL per variant.",
		},
		[]string{"variant"},
	)

	variantSharpe = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_variant_sharpe_ratio",
			Help: "Annualized Sharpe ratio per variant.",
		},
		[]string{"variant"},
	)

	variantDrawdown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_variant_drawdown_pct",
			Help: "Max drawdown percentage per variant.",
		},
		[]string{"variant"},
	)

	variantCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_variant_circuit_breaker_state",
			Help: "0=closed, 1=open.",
		},
		[]string{"variant"},
	)

	variantPromotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_variant_promotions_total",
			Help: "Times a variant crossed the promotion gate.",
		},
		[]string{"variant"},
	)

	positionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_positions_opened_total",
			Help: "Paper positions opened, by variant and side.",
		},
		[]string{"variant", "side"},
	)

	exitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_exit_reasons_total",
			Help: "Exits split by variant and reason.",
		},
		[]string{"variant", "reason"},
	)

	stopReplacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_stop_replacements_total",
			Help: "Successful stop-loss replacements, by symbol.",
		},
		[]string{"symbol"},
	)

	reconcilerDrift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_reconciler_drift_total",
			Help: "Detected drift events, by symbol and kind.",
		},
		[]string{"symbol", "kind"},
	)

	rateBackoff = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_rate_backoff_total",
			Help: "Times the global rate backoff engaged.",
		},
	)

	heapBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_heap_bytes",
			Help: "Process heap bytes in use, sampled at publish time.",
		},
	)

	residentBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_resident_bytes",
			Help: "Process resident set size, sampled at publish time.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		variantTrades, variantNetPnl, variantSharpe, variantDrawdown,
		variantCircuitState, variantPromotions, positionsOpened, exitReasons,
		stopReplacements, reconcilerDrift, rateBackoff, heapBytes, residentBytes,
	)
}

// ObserveTrade records a closed trade's result for variant.
func ObserveTrade(variant string, won bool) {
	result := "loss"
	if won {
		result = "win"
	}
	variantTrades.WithLabelValues(variant, result).Inc()
}

// SetVariantGauges updates the per-variant point-in-time gauges.
func SetVariantGauges(variant string, netPnl, sharpe, drawdownPct float64, circuitOpen bool) {
	variantNetPnl.WithLabelValues(variant).Set(netPnl)
	variantSharpe.WithLabelValues(variant).Set(sharpe)
	variantDrawdown.WithLabelValues(variant).Set(drawdownPct)
	state := 0.0
	if circuitOpen {
		state = 1.0
	}
	variantCircuitState.WithLabelValues(variant).Set(state)
}

// IncPromotionEligible counts a promotion-gate crossing for variant.
func IncPromotionEligible(variant string) { variantPromotions.WithLabelValues(variant).Inc() }

// IncPositionOpened counts a paper entry.
func IncPositionOpened(variant, side string) { positionsOpened.WithLabelValues(variant, side).Inc() }

// IncExitReason counts a paper exit by reason.
func IncExitReason(variant, reason string) { exitReasons.WithLabelValues(variant, reason).Inc() }

// IncStopReplacement counts a successful stop-loss replace for symbol.
func IncStopReplacement(symbol string) { stopReplacements.WithLabelValues(symbol).Inc() }

// IncReconcilerDrift counts a detected drift event.
func IncReconcilerDrift(symbol, kind string) { reconcilerDrift.WithLabelValues(symbol, kind).Inc() }

// IncRateBackoff counts a global backoff engagement.
func IncRateBackoff() { rateBackoff.Inc() }

// SetMemoryGauges records the latest sampled memory footprint.
func SetMemoryGauges(heap, resident uint64) {
	heapBytes.Set(float64(heap))
	residentBytes.Set(float64(resident))
}
