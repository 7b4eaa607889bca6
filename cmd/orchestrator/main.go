// Perp Orchestrator — a live perpetual-futures strategy orchestrator.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/store             — market/account state (C2)
//	internal/ratebudget        — priority token buckets + global backoff (C3)
//	internal/orders            — stop/exit payload validation (C4)
//	internal/execsim           — paper fill/mark/exit simulation (C5)
//	internal/trailing          — trailing-stop policy (C6)
//	internal/stopengine        — stop replace coordinator + manager (C7/C8)
//	internal/reconcile         — exchange/local drift detection (C9)
//	internal/variant           — one paper-trading strategy instance (C10)
//	internal/optimizer         — variant generation, promotion gate, telemetry (C11)
//	internal/exchange          — venue adapter (REST + WS) and dry-run double
//	internal/telemetry         — Prometheus registry and /metrics server
//
// How it makes money:
//
//	The main strategy places real orders on a perpetual-futures venue,
//	protected at all times by a stop-loss maintained through C7/C8. In
//	parallel, C11 runs experimental paper-trading variants against the same
//	market data to discover parameter sets worth promoting to real capital.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/exchange"
	"perp-orchestrator/internal/optimizer"
	"perp-orchestrator/internal/quant"
	"perp-orchestrator/internal/ratebudget"
	"perp-orchestrator/internal/reconcile"
	"perp-orchestrator/internal/risk"
	"perp-orchestrator/internal/stopengine"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/internal/telemetry"
	"perp-orchestrator/internal/variant"
	"perp-orchestrator/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ORC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	bus := events.New(logger)
	marketStore := store.NewMarketStateStore()
	accountStore := store.NewAccountStateStore()

	var client exchange.Client
	if cfg.DryRun {
		client = exchange.NewDryRunClient(logger)
	} else {
		client = exchange.NewRESTClient(cfg.Exchange.BaseURL, cfg.Exchange.Timeout, logger)
	}

	rateBudgetCfg := cfg.RateBudgetManagerConfig()
	rateMgr := ratebudget.New(rateBudgetCfg, bus, logger)
	stopMgr := stopengine.NewManager(cfg.StopManagerConfig(), client, rateMgr, accountStore, bus, logger)
	for _, sym := range cfg.Trading.Symbols {
		stopMgr.RegisterSymbol(defaultSymbolSpecs(sym))
	}

	halted := make(chan string, 1)
	halt := func(reason string) {
		logger.Error("trading halted by reconciler", "reason", reason)
		select {
		case halted <- reason:
		default:
		}
	}
	reconciler := reconcile.New(reconcile.DefaultConfig(), client, accountStore, stopMgr, bus, halt, logger)

	riskMgr := risk.NewManager(cfg.RiskManagerConfig(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciler.Run(ctx)
	go riskMgr.Run(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-riskMgr.KillCh():
				halt(fmt.Sprintf("risk kill switch: %s (symbol=%s)", sig.Reason, sig.Symbol))
			}
		}
	}()
	go publishRateMetrics(ctx, rateMgr, rateBudgetCfg.MetricsWindow)

	controllers := make(map[string]*optimizer.Controller, len(cfg.Trading.Symbols))
	for _, sym := range cfg.Trading.Symbols {
		optCfg := cfg.OptimizerConfigFor(sym, decimal.NewFromInt(1000))
		ctrl := optimizer.New(optCfg, neutralSignal, bus, logger)
		if err := ctrl.Start(ctx); err != nil {
			logger.Error("failed to start optimizer", "symbol", sym, "error", err)
			os.Exit(1)
		}
		controllers[sym] = ctrl
	}

	var telemetrySrv *telemetry.Server
	if cfg.Telemetry.Enabled {
		telemetrySrv = telemetry.NewServer(cfg.Telemetry.Addr)
		telemetrySrv.Start()
		logger.Info("telemetry server started", "addr", cfg.Telemetry.Addr)
	}

	feed := exchange.NewMarketFeed(cfg.Exchange.WSURL, rateMgr, logger)
	if err := feed.Subscribe(cfg.Trading.Symbols); err != nil {
		logger.Error("failed to subscribe market feed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market feed stopped", "error", err)
		}
	}()
	go dispatchTicks(ctx, feed, marketStore, accountStore, controllers, riskMgr)

	logger.Info("perp orchestrator started",
		"symbols", cfg.Trading.Symbols,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case reason := <-halted:
		logger.Error("shutting down after halt", "reason", reason)
	}

	cancel()
	for sym, ctrl := range controllers {
		logger.Info("stopping optimizer", "symbol", sym)
		ctrl.Stop()
	}
	if telemetrySrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := telemetrySrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry server shutdown", "error", err)
		}
	}
	_ = feed.Close()
}

// publishRateMetrics periodically emits the rate budget's rolling-window
// metrics snapshot, driving the highLag/highJitter events that depend on a
// regular sampling cadence rather than the request hot path.
func publishRateMetrics(ctx context.Context, rateMgr *ratebudget.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rateMgr.PublishMetrics()
		}
	}
}

// dispatchTicks fans every market-feed tick out to the store, to each
// symbol's optimizer controller, and — for symbols carrying a real position
// — to the portfolio risk manager.
func dispatchTicks(ctx context.Context, feed *exchange.MarketFeed, marketStore *store.MarketStateStore, accountStore *store.AccountStateStore, controllers map[string]*optimizer.Controller, riskMgr *risk.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-feed.TickEvents():
			if !ok {
				return
			}
			marketStore.UpdateFromTicker(tick)
			if ctrl, ok := controllers[tick.Symbol]; ok {
				ctrl.OnMarketUpdate(tick)
			}
			reportRealPositionRisk(tick, accountStore, riskMgr)
		}
	}
}

// reportRealPositionRisk feeds the portfolio risk manager with the latest
// mark-to-market exposure for any real (non-variant) position on tick.Symbol.
func reportRealPositionRisk(tick types.Tick, accountStore *store.AccountStateStore, riskMgr *risk.Manager) {
	pos, ok := accountStore.GetPosition(tick.Symbol)
	if !ok {
		return
	}
	markPrice, _ := tick.MarkPrice.Float64()
	diff, err := quant.PriceDiff(pos.Side, pos.EntryPrice, tick.MarkPrice)
	if err != nil {
		return
	}
	unrealized, err := quant.UnrealizedPnl(diff, pos.RemainingSize, decimal.NewFromInt(1))
	if err != nil {
		return
	}
	exposure, _ := pos.RemainingSize.Mul(tick.MarkPrice).Float64()
	unrealizedF, _ := unrealized.Float64()

	var liqPrice float64
	if estimate, err := quant.EstimatedLiquidationPrice(pos.Side, pos.EntryPrice, pos.Leverage); err == nil {
		liqPrice, _ = estimate.Float64()
	}

	riskMgr.Report(risk.PositionReport{
		Symbol:           tick.Symbol,
		Side:             pos.Side,
		Leverage:         pos.Leverage,
		MarkPrice:        markPrice,
		LiquidationPrice: liqPrice,
		ExposureUSD:      exposure,
		UnrealizedPnL:    unrealizedF,
		Timestamp:        time.Now(),
	})
}

// neutralSignal is the default SignalFunc wired when no external indicator
// source is configured — indicator computation is out of scope (spec.md §1)
// and is expected to be supplied by the caller in a real deployment.
func neutralSignal(symbol string, tick types.Tick) (variant.Signal, error) {
	return variant.Signal{Type: variant.SignalNeutral, Score: decimal.Zero}, nil
}

// defaultSymbolSpecs is a placeholder tick/lot size pair used until a real
// venue's instrument-specs endpoint is wired; spec.md's exchange adapter
// interface has no such call.
func defaultSymbolSpecs(symbol string) types.SymbolSpecs {
	return types.SymbolSpecs{Symbol: symbol, TickSize: decimal.NewFromFloat(0.1), LotSize: decimal.NewFromFloat(0.001)}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
