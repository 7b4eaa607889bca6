// Package reconcile implements the Reconciler (C9): a timer-driven pass
// comparing locally tracked positions against exchange truth, grounded on
// the teacher's periodic book-refresh timer idiom (timer fires, a single
// pass runs to completion, errors are logged rather than propagated).
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/exchange"
	"perp-orchestrator/internal/stopengine"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/pkg/types"
)

// HaltFunc halts trading globally; injected so the Reconciler never depends
// on the orchestrator's concrete shutdown mechanics.
type HaltFunc func(reason string)

// Config tunes the reconciliation timer.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns a conservative 30s reconciliation interval.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second}
}

// Reconciler runs on a timer, comparing AccountStateStore positions against
// exchange truth and keeping stopMeta honest via the Stop Manager.
type Reconciler struct {
	cfg     Config
	client  exchange.Client
	account *store.AccountStateStore
	stopMgr *stopengine.Manager
	bus     *events.Bus
	halt    HaltFunc
	logger  *slog.Logger
}

// New constructs a Reconciler. halt may be nil only in tests that never
// trigger a ghost position.
func New(cfg Config, client exchange.Client, account *store.AccountStateStore, stopMgr *stopengine.Manager, bus *events.Bus, halt HaltFunc, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{
		cfg: cfg, client: client, account: account, stopMgr: stopMgr, bus: bus, halt: halt,
		logger: logger.With("component", "reconciler"),
	}
}

// Run blocks, firing Tick on every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs exactly one reconciliation pass. It never returns failure to its
// caller; every outcome is reported via drift score, events, and alerts.
func (r *Reconciler) Tick(ctx context.Context) {
	local := r.account.Positions()

	exchangePositions, err := r.client.GetAllPositions(ctx)
	if err != nil {
		r.logger.Warn("reconciliation skipped: getAllPositions failed", "error", err)
		return
	}
	remote := make(map[string]types.ExchangePosition, len(exchangePositions))
	for _, p := range exchangePositions {
		remote[p.Symbol] = p
	}

	anyDrift := false
	for symbol, pos := range local {
		if _, ok := remote[symbol]; !ok {
			anyDrift = true
			r.handleGhost(symbol)
			continue
		}
		if r.verifyAndFixStop(ctx, symbol, pos) {
			anyDrift = true
		}
	}

	for symbol := range remote {
		if _, ok := local[symbol]; !ok {
			r.logger.Warn("unexpected exchange position with no local tracking", "symbol", symbol)
		}
	}

	if !anyDrift {
		r.account.ClearDrift()
	}
}

// handleGhost registers drift, halts trading globally, and drops the local
// position — a local position the exchange no longer has is never
// resurrected automatically.
func (r *Reconciler) handleGhost(symbol string) {
	drift := r.account.RegisterDrift()
	r.logger.Error("ghost position detected, halting trading", "symbol", symbol, "driftScore", drift.Score)
	r.bus.Publish(events.TypeReconcilerDrift, types.ReconcilerDriftEvent{Symbol: symbol, Kind: "ghost", Score: drift.Score})
	if r.halt != nil {
		r.halt("ghost position: " + symbol)
	}
	r.account.ClearPosition(symbol)
}

// verifyAndFixStop checks the symbol's stop against exchange truth and
// repairs it via the Stop Manager if missing or wrong. Returns true if
// drift was detected on this symbol.
func (r *Reconciler) verifyAndFixStop(ctx context.Context, symbol string, pos types.Position) bool {
	result, err := r.stopMgr.VerifyStops(ctx, symbol, pos.CurrentSL)
	if err != nil {
		r.logger.Warn("verifyStops failed", "symbol", symbol, "error", err)
		return false
	}
	if !result.MissingStop && !result.WrongStop {
		return false
	}

	kind := "wrong_stop"
	if result.MissingStop {
		kind = "missing_stop"
	}
	drift := r.account.RegisterDrift()
	r.bus.Publish(events.TypeReconcilerDrift, types.ReconcilerDriftEvent{Symbol: symbol, Kind: kind, Score: drift.Score})

	if _, err := r.stopMgr.ReplaceStopLoss(ctx, symbol, pos.Side, pos.RemainingSize, pos.CurrentSL, pos.PositionID, pos.SLOrderID); err != nil {
		r.logger.Warn("reconciliation replaceStopLoss failed", "symbol", symbol, "error", err)
	}
	return true
}
