// Package risk enforces portfolio-level exposure limits across every symbol
// the orchestrator trades with real capital — a supplement beyond spec.md's
// per-variant circuit breaker (C10/C11 isolate paper-trading failures; this
// package isolates the main strategy's live-capital exposure).
//
// The risk manager runs as a standalone goroutine receiving PositionReports
// from the main strategy's tick loop and checks them against configured
// limits:
//
//   - Per-symbol exposure:  caps USD notional exposure in any single symbol
//   - Global exposure:      caps total USD notional exposure across all symbols
//   - Net directional exposure: caps the leveraged long-minus-short imbalance
//     across the whole book, so a string of same-direction entries can't
//     concentrate the portfolio on one side of the market even while every
//     individual symbol stays within its own cap
//   - Daily loss:           triggers the kill switch if realized+unrealized PnL exceeds threshold
//   - Rapid price movement: triggers the kill switch if mark price moves more than
//     KillSwitchDropPct within KillSwitchWindowSec seconds
//   - Liquidation proximity: triggers a per-symbol kill switch if mark price
//     closes to within MinLiquidationDistancePct of the LiquidationPrice
//     carried by the position's report, independent of raw PnL — a
//     leveraged position can be within its daily-loss budget and still be
//     one tick from forced liquidation
//
// When a limit is breached, the manager emits a KillSignal on KillCh(). The
// orchestrator reads this signal and halts trading (globally or per-symbol).
// After a kill, the kill switch stays active for CooldownAfterKill, during
// which the strategy skips new entries.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-orchestrator/pkg/types"
)

// Config tunes the portfolio-level kill switch.
type Config struct {
	MaxPositionPerSymbol      float64
	MaxGlobalExposure         float64
	MaxActiveSymbols          int
	MaxNetDirectionalExposure float64 // cap on |longExposure - shortExposure| across the book
	MinLiquidationDistancePct float64 // kill a symbol once mark price is this close to liquidation
	KillSwitchDropPct         float64
	KillSwitchWindowSec       int
	MaxDailyLoss              float64
	CooldownAfterKill         time.Duration
}

// PositionReport is sent by the main strategy's tick loop every cycle. It
// contains the current leveraged exposure, liquidation price, and PnL for
// risk evaluation.
type PositionReport struct {
	Symbol           string
	Side             types.Side
	Leverage         int
	MarkPrice        float64
	LiquidationPrice float64 // 0 means unknown/not leveraged; proximity check is skipped
	ExposureUSD      float64 // notional = size * markPrice
	UnrealizedPnL    float64
	RealizedPnL      float64
	Timestamp        time.Time
}

// signedExposure returns ExposureUSD with a sign reflecting direction: positive
// for Long, negative for Short, used to track the book's net directional tilt.
func (r PositionReport) signedExposure() float64 {
	if r.Side == types.Short {
		return -r.ExposureUSD
	}
	return r.ExposureUSD
}

// KillSignal tells the orchestrator to halt trading. If Symbol is empty, it
// means halt across ALL symbols (global kill).
type KillSignal struct {
	Symbol string
	Reason string
}

// priceAnchor stores a reference price at a point in time for detecting
// rapid price movements within a rolling window.
type priceAnchor struct {
	price     float64
	timestamp time.Time
}

// Manager enforces risk limits across all actively-traded symbols. It
// aggregates position reports, checks limits, and emits kill signals when
// breached.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu               sync.RWMutex
	positions        map[string]PositionReport
	totalExposure    float64
	netExposure      float64 // signed, long-positive / short-negative
	totalRealizedPnL float64
	killSwitchActive bool
	killSwitchUntil  time.Time
	priceAnchors     map[string]priceAnchor

	reportCh chan PositionReport
	killCh   chan KillSignal
}

// NewManager creates a risk manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		positions:    make(map[string]PositionReport),
		priceAnchors: make(map[string]priceAnchor),
		reportCh:     make(chan PositionReport, 100),
		killCh:       make(chan KillSignal, 10),
	}
}

// Run starts the risk monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking).
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report", "symbol", report.Symbol)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// RemoveSymbol cleans up state for a symbol no longer traded.
func (rm *Manager) RemoveSymbol(symbol string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.positions, symbol)
	delete(rm.priceAnchors, symbol)
	rm.recomputeTotalsLocked()
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// RemainingBudget returns how much additional USD notional exposure is
// allowed for the given symbol: the minimum of per-symbol and global
// headroom. Returns 0 if either limit is already exceeded.
func (rm *Manager) RemainingBudget(symbol string) float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var currentExposure float64
	if pos, ok := rm.positions[symbol]; ok {
		currentExposure = pos.ExposureUSD
	}

	perSymbol := rm.cfg.MaxPositionPerSymbol - currentExposure
	global := rm.cfg.MaxGlobalExposure - rm.totalExposure

	remaining := perSymbol
	if global < remaining {
		remaining = global
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot reports current aggregate risk metrics.
func (rm *Manager) Snapshot() Snapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var totalUnrealizedPnL float64
	for _, pos := range rm.positions {
		totalUnrealizedPnL += pos.UnrealizedPnL
	}

	var exposurePct float64
	if rm.cfg.MaxGlobalExposure > 0 {
		exposurePct = (rm.totalExposure / rm.cfg.MaxGlobalExposure) * 100
	}

	var killReason string
	if rm.killSwitchActive {
		killReason = "cooldown"
	}

	return Snapshot{
		GlobalExposure:            rm.totalExposure,
		MaxGlobalExposure:         rm.cfg.MaxGlobalExposure,
		NetExposure:               rm.netExposure,
		MaxNetDirectionalExposure: rm.cfg.MaxNetDirectionalExposure,
		ExposurePct:               exposurePct,
		KillSwitchActive:          rm.killSwitchActive,
		KillSwitchUntil:           rm.killSwitchUntil,
		KillSwitchReason:          killReason,
		TotalRealizedPnL:          rm.totalRealizedPnL,
		TotalUnrealizedPnL:        totalUnrealizedPnL,
		MaxPositionPerSymbol:      rm.cfg.MaxPositionPerSymbol,
		MaxDailyLoss:              rm.cfg.MaxDailyLoss,
		MaxActiveSymbols:          rm.cfg.MaxActiveSymbols,
		CurrentActiveSymbols:      len(rm.positions),
	}
}

// Snapshot represents aggregate risk metrics, exported for telemetry.
type Snapshot struct {
	GlobalExposure            float64
	MaxGlobalExposure         float64
	NetExposure               float64
	MaxNetDirectionalExposure float64
	ExposurePct               float64
	KillSwitchActive          bool
	KillSwitchUntil           time.Time
	KillSwitchReason          string
	TotalRealizedPnL          float64
	TotalUnrealizedPnL        float64
	MaxPositionPerSymbol      float64
	MaxDailyLoss              float64
	MaxActiveSymbols          int
	CurrentActiveSymbols      int
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.positions[report.Symbol] = report
	rm.recomputeTotalsLocked()

	if report.ExposureUSD > rm.cfg.MaxPositionPerSymbol {
		rm.emitKill(report.Symbol, "per-symbol position limit breached")
	}
	if rm.totalExposure > rm.cfg.MaxGlobalExposure {
		rm.emitKill("", "global exposure limit breached")
	}
	if rm.cfg.MaxNetDirectionalExposure > 0 {
		net := rm.netExposure
		if net < 0 {
			net = -net
		}
		if net > rm.cfg.MaxNetDirectionalExposure {
			rm.emitKill("", fmt.Sprintf("net directional exposure limit breached: %.2f", rm.netExposure))
		}
	}

	var totalUnrealizedPnL float64
	for _, pos := range rm.positions {
		totalUnrealizedPnL += pos.UnrealizedPnL
	}
	if rm.totalRealizedPnL+totalUnrealizedPnL < -rm.cfg.MaxDailyLoss {
		rm.emitKill("", "max daily loss breached")
	}

	rm.checkPriceMovement(report)
	rm.checkLiquidationProximity(report)
}

func (rm *Manager) recomputeTotalsLocked() {
	rm.totalExposure = 0
	rm.totalRealizedPnL = 0
	rm.netExposure = 0
	for _, pos := range rm.positions {
		rm.totalExposure += pos.ExposureUSD
		rm.totalRealizedPnL += pos.RealizedPnL
		rm.netExposure += pos.signedExposure()
	}
}

// checkPriceMovement detects rapid price swings using a rolling anchor. On
// each report, it compares mark price to the anchor set at the start of the
// window. If the anchor is older than KillSwitchWindowSec, it resets. If
// price moved more than KillSwitchDropPct from anchor, the kill switch fires.
func (rm *Manager) checkPriceMovement(report PositionReport) {
	window := time.Duration(rm.cfg.KillSwitchWindowSec) * time.Second

	anchor, ok := rm.priceAnchors[report.Symbol]
	if !ok || report.Timestamp.Sub(anchor.timestamp) > window {
		rm.priceAnchors[report.Symbol] = priceAnchor{price: report.MarkPrice, timestamp: report.Timestamp}
		return
	}
	if anchor.price == 0 {
		return
	}

	pctChange := (report.MarkPrice - anchor.price) / anchor.price
	if pctChange < 0 {
		pctChange = -pctChange
	}

	if pctChange > rm.cfg.KillSwitchDropPct {
		rm.emitKill(report.Symbol, fmt.Sprintf(
			"rapid price movement: %.1f%% in %ds",
			pctChange*100, rm.cfg.KillSwitchWindowSec,
		))
	}
}

// checkLiquidationProximity fires a per-symbol kill once mark price closes to
// within MinLiquidationDistancePct of the position's liquidation price. A
// LiquidationPrice of 0 means none was supplied (e.g. no open
// leveraged position) and the check is skipped.
func (rm *Manager) checkLiquidationProximity(report PositionReport) {
	if report.LiquidationPrice == 0 || report.MarkPrice == 0 || rm.cfg.MinLiquidationDistancePct <= 0 {
		return
	}

	distance := (report.MarkPrice - report.LiquidationPrice) / report.MarkPrice
	if distance < 0 {
		distance = -distance
	}

	if distance < rm.cfg.MinLiquidationDistancePct {
		rm.emitKill(report.Symbol, fmt.Sprintf(
			"liquidation proximity: %.2f%% from liquidation price %.4f (leverage %dx)",
			distance*100, report.LiquidationPrice, report.Leverage,
		))
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKill activates the kill switch, starts the cooldown timer, and sends a
// KillSignal. If the channel is full, the stale signal is drained first so
// the latest kill reason is always delivered. Caller holds rm.mu.
func (rm *Manager) emitKill(symbol, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)

	rm.logger.Error("KILL SWITCH", "symbol", symbol, "reason", reason, "cooldown_until", rm.killSwitchUntil)

	sig := KillSignal{Symbol: symbol, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}
