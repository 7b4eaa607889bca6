package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"perp-orchestrator/pkg/types"
)

func testRiskConfig() Config {
	return Config{
		MaxPositionPerSymbol: 100,
		MaxGlobalExposure:    500,
		MaxActiveSymbols:     5,
		KillSwitchDropPct:    0.10,
		KillSwitchWindowSec:  60,
		MaxDailyLoss:         50,
		CooldownAfterKill:    5 * time.Minute,
	}
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(testRiskConfig(), logger)
}

func TestProcessReportUnderLimits(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{
		Symbol:        "BTC-PERP",
		ExposureUSD:   50,
		RealizedPnL:   0,
		UnrealizedPnL: 0,
		MarkPrice:     50000,
		Timestamp:     time.Now(),
	})

	if rm.killSwitchActive {
		t.Error("kill switch should not fire for report under limits")
	}

	select {
	case sig := <-rm.killCh:
		t.Errorf("unexpected kill signal: %+v", sig)
	default:
	}
}

func TestProcessReportPerSymbolBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{
		Symbol:      "BTC-PERP",
		ExposureUSD: 150,
		MarkPrice:   50000,
		Timestamp:   time.Now(),
	})

	if !rm.killSwitchActive {
		t.Error("kill switch should fire for per-symbol breach")
	}

	select {
	case sig := <-rm.killCh:
		if sig.Symbol != "BTC-PERP" {
			t.Errorf("kill signal symbol = %q, want BTC-PERP", sig.Symbol)
		}
	default:
		t.Error("expected kill signal on channel")
	}
}

func TestProcessReportGlobalBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	syms := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	for _, s := range syms {
		rm.processReport(PositionReport{Symbol: s, ExposureUSD: 90, MarkPrice: 50000, Timestamp: time.Now()})
	}

	if !rm.killSwitchActive {
		t.Error("kill switch should fire for global exposure breach")
	}

	drained := 0
	for {
		select {
		case <-rm.killCh:
			drained++
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Error("expected at least one kill signal")
	}
}

func TestProcessReportDailyLossBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{
		Symbol:        "BTC-PERP",
		ExposureUSD:   10,
		RealizedPnL:   -30,
		UnrealizedPnL: -25,
		MarkPrice:     50000,
		Timestamp:     time.Now(),
	})

	if !rm.killSwitchActive {
		t.Error("kill switch should fire for daily loss breach")
	}
}

func TestCheckPriceMovementNormal(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	now := time.Now()

	rm.processReport(PositionReport{Symbol: "BTC-PERP", MarkPrice: 50000, Timestamp: now})
	rm.processReport(PositionReport{Symbol: "BTC-PERP", MarkPrice: 52000, Timestamp: now.Add(10 * time.Second)})

	select {
	case <-rm.killCh:
		t.Error("should not fire kill for a 4% move")
	default:
	}
}

func TestCheckPriceMovementSpike(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	now := time.Now()

	rm.processReport(PositionReport{Symbol: "BTC-PERP", MarkPrice: 50000, Timestamp: now})
	rm.processReport(PositionReport{Symbol: "BTC-PERP", MarkPrice: 35000, Timestamp: now.Add(10 * time.Second)})

	if !rm.killSwitchActive {
		t.Error("kill switch should fire for a 30% price spike")
	}
}

func TestRemainingBudget(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	remaining := rm.RemainingBudget("BTC-PERP")
	if remaining != 100 {
		t.Errorf("remaining = %v, want 100", remaining)
	}

	rm.processReport(PositionReport{Symbol: "BTC-PERP", ExposureUSD: 60, MarkPrice: 50000, Timestamp: time.Now()})

	remaining = rm.RemainingBudget("BTC-PERP")
	if remaining != 40 {
		t.Errorf("remaining = %v, want 40", remaining)
	}
}

func TestRemainingBudgetGlobalConstrained(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	for i := 0; i < 5; i++ {
		rm.processReport(PositionReport{Symbol: "other-" + string(rune('A'+i)), ExposureUSD: 95, MarkPrice: 50000, Timestamp: time.Now()})
	}
	for {
		select {
		case <-rm.killCh:
		default:
			goto done2
		}
	}
done2:

	remaining := rm.RemainingBudget("BTC-PERP")
	if remaining != 25 {
		t.Errorf("remaining = %v, want 25 (global constrained)", remaining)
	}
}

func TestIsKillSwitchCooldown(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	rm.cfg.CooldownAfterKill = 100 * time.Millisecond

	rm.processReport(PositionReport{Symbol: "BTC-PERP", ExposureUSD: 200, MarkPrice: 50000, Timestamp: time.Now()})

	if !rm.IsKillSwitchActive() {
		t.Error("kill switch should be active immediately after breach")
	}

	time.Sleep(150 * time.Millisecond)

	if rm.IsKillSwitchActive() {
		t.Error("kill switch should expire after cooldown")
	}
}

func TestRemoveSymbolRecomputesTotals(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	now := time.Now()

	rm.processReport(PositionReport{Symbol: "s1", ExposureUSD: 60, RealizedPnL: 5, MarkPrice: 50000, Timestamp: now})
	rm.processReport(PositionReport{Symbol: "s2", ExposureUSD: 70, RealizedPnL: 3, MarkPrice: 50000, Timestamp: now})

	if got := rm.totalExposure; got != 130 {
		t.Fatalf("totalExposure before remove = %v, want 130", got)
	}
	if got := rm.totalRealizedPnL; got != 8 {
		t.Fatalf("totalRealizedPnL before remove = %v, want 8", got)
	}

	rm.RemoveSymbol("s2")

	if got := rm.totalExposure; got != 60 {
		t.Fatalf("totalExposure after remove = %v, want 60", got)
	}
	if got := rm.totalRealizedPnL; got != 5 {
		t.Fatalf("totalRealizedPnL after remove = %v, want 5", got)
	}
}

func TestProcessReportNetDirectionalExposureBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	rm.cfg.MaxNetDirectionalExposure = 100
	now := time.Now()

	rm.processReport(PositionReport{Symbol: "s1", Side: types.Long, ExposureUSD: 60, MarkPrice: 50000, Timestamp: now})
	if rm.killSwitchActive {
		t.Fatal("kill switch should not fire yet, net exposure is only 60")
	}

	rm.processReport(PositionReport{Symbol: "s2", Side: types.Long, ExposureUSD: 60, MarkPrice: 50000, Timestamp: now})

	if !rm.killSwitchActive {
		t.Error("kill switch should fire once net directional (same-side) exposure exceeds the cap")
	}
	if got := rm.netExposure; got != 120 {
		t.Fatalf("netExposure = %v, want 120", got)
	}
}

func TestProcessReportNetDirectionalExposureOffsettingSidesDoNotBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	rm.cfg.MaxNetDirectionalExposure = 100
	now := time.Now()

	rm.processReport(PositionReport{Symbol: "s1", Side: types.Long, ExposureUSD: 90, MarkPrice: 50000, Timestamp: now})
	rm.processReport(PositionReport{Symbol: "s2", Side: types.Short, ExposureUSD: 90, MarkPrice: 50000, Timestamp: now})

	if rm.killSwitchActive {
		t.Error("offsetting long/short exposure should not breach the net directional cap")
	}
	if got := rm.netExposure; got != 0 {
		t.Fatalf("netExposure = %v, want 0 (fully offsetting)", got)
	}
}

func TestCheckLiquidationProximityFires(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	rm.cfg.MinLiquidationDistancePct = 0.10

	rm.processReport(PositionReport{
		Symbol:           "BTC-PERP",
		Side:             types.Long,
		Leverage:         10,
		MarkPrice:        45100,
		LiquidationPrice: 45000,
		Timestamp:        time.Now(),
	})

	if !rm.killSwitchActive {
		t.Error("kill switch should fire when mark price is within MinLiquidationDistancePct of liquidation")
	}
}

func TestCheckLiquidationProximitySkippedWithoutLiquidationPrice(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	rm.cfg.MinLiquidationDistancePct = 0.10

	rm.processReport(PositionReport{
		Symbol:    "BTC-PERP",
		Side:      types.Long,
		MarkPrice: 45100,
		Timestamp: time.Now(),
	})

	if rm.killSwitchActive {
		t.Error("liquidation proximity check should be a no-op when LiquidationPrice is unset")
	}
}

func TestCheckLiquidationProximitySafeDistanceDoesNotFire(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	rm.cfg.MinLiquidationDistancePct = 0.10

	rm.processReport(PositionReport{
		Symbol:           "BTC-PERP",
		Side:             types.Long,
		Leverage:         10,
		MarkPrice:        50000,
		LiquidationPrice: 45000,
		Timestamp:        time.Now(),
	})

	if rm.killSwitchActive {
		t.Error("kill switch should not fire when 10% away from liquidation with a 10% minimum distance")
	}
}
