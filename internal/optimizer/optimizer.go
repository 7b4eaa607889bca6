// Package optimizer implements the Live Optimizer Controller (C11): the
// orchestrator that generates a variant set, feeds every tick to each one,
// runs the promotion gate, and publishes periodic telemetry. Grounded on the
// teacher's engine.Engine lifecycle (ctx/cancel/WaitGroup, idempotent
// Start/Stop, a registry guarded by RWMutex) generalized from per-market
// maker goroutines to per-variant paper traders.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/telemetry"
	"perp-orchestrator/internal/variant"
	"perp-orchestrator/pkg/types"
)

// Controller owns the variant set and drives their lifecycle.
type Controller struct {
	cfg      Config
	signalFn variant.SignalFunc
	bus      *events.Bus
	logger   *slog.Logger

	mu       sync.RWMutex
	variants map[string]*variant.Variant
	order    []string // stable iteration/reporting order
	lastTick map[string]types.Tick

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Controller. signalFn is shared by every generated variant.
func New(cfg Config, signalFn variant.SignalFunc, bus *events.Bus, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		signalFn: signalFn,
		bus:      bus,
		logger:   logger.With("component", "optimizer"),
		variants: make(map[string]*variant.Variant),
		lastTick: make(map[string]types.Tick),
	}
}

// Start generates the variant set and begins the telemetry publish loop.
// Idempotent: a second call on an already-running Controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	generated := GenerateVariants(c.cfg, c.logger)
	if len(generated) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("optimizer: no variants generated, check Profiles")
	}

	for _, vc := range generated {
		vc.CircuitBreakerThreshold = c.cfg.ErrorHandling.CircuitBreakerThreshold
		vc.CircuitBreakerResetMs = c.cfg.ErrorHandling.CircuitBreakerResetMs
		v := variant.New(vc, c.signalFn, c.bus, c.logger)
		c.variants[v.ID()] = v
		c.order = append(c.order, v.ID())
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	count := len(c.order)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.telemetryLoop(runCtx)

	c.bus.Publish(events.TypeOptimizerStarted, types.OptimizerStartedEvent{VariantCount: count})
	c.logger.Info("optimizer started", "variants", count)
	return nil
}

// Stop flattens every open position at its symbol's last known mid price
// (falling back to the mark price when the last tick lacks a bid or ask),
// halts the telemetry loop, and waits for it to exit. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	count := len(c.order)

	for _, id := range c.order {
		v := c.variants[id]
		if !v.HasPosition() {
			continue
		}
		last, ok := c.lastTick[v.Symbol()]
		if !ok {
			continue
		}
		price := last.MarkPrice
		if last.BestBid.Sign() > 0 && last.BestAsk.Sign() > 0 {
			price = last.BestBid.Add(last.BestAsk).Div(decimal.NewFromInt(2))
		}
		v.CloseManual(price)
	}
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.bus.Publish(events.TypeOptimizerStopped, types.OptimizerStoppedEvent{VariantCount: count})
	c.logger.Info("optimizer stopped")
}

// OnMarketUpdate fans tick out to every variant trading tick.Symbol. Each
// variant's ProcessTick is already self-isolating, so one variant's failure
// never blocks delivery to the rest.
func (c *Controller) OnMarketUpdate(tick types.Tick) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.lastTick[tick.Symbol] = tick
	var matched []*variant.Variant
	for _, id := range c.order {
		v := c.variants[id]
		if v.Symbol() == tick.Symbol {
			matched = append(matched, v)
		}
	}
	c.mu.Unlock()

	for _, v := range matched {
		v.ProcessTick(tick)
	}
}

// EvaluatePromotion runs the promotion gate against variantID's current
// metrics snapshot.
func (c *Controller) EvaluatePromotion(variantID string) (PromotionDecision, error) {
	c.mu.RLock()
	v, ok := c.variants[variantID]
	c.mu.RUnlock()
	if !ok {
		return PromotionDecision{}, fmt.Errorf("optimizer: unknown variant %q", variantID)
	}

	decision := evaluatePromotion(v.Metrics(), c.cfg.Promotion)
	if decision.Promote {
		telemetry.IncPromotionEligible(variantID)
		c.bus.Publish(events.TypeVariantPromotionEligible, types.VariantPromotionEligibleEvent{VariantID: variantID, Score: decision.Score})
	}
	return decision, nil
}

// GetStatus reports every variant's circuit breaker state, keyed by ID.
func (c *Controller) GetStatus() map[string]types.CircuitBreakerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.CircuitBreakerState, len(c.order))
	for _, id := range c.order {
		out[id] = c.variants[id].CircuitBreakerState()
	}
	return out
}

// GetPerformanceComparison returns every variant's metrics snapshot, keyed
// by ID, for ranking variants against one another.
func (c *Controller) GetPerformanceComparison() map[string]types.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.Metrics, len(c.order))
	for _, id := range c.order {
		out[id] = c.variants[id].Metrics()
	}
	return out
}

// GetResults is an alias of GetPerformanceComparison kept for callers that
// want the final snapshot after Stop rather than a live comparison.
func (c *Controller) GetResults() map[string]types.Metrics {
	return c.GetPerformanceComparison()
}

// ExportSnapshot builds one TelemetryMetricsEvent from the current state,
// without publishing it — used by callers that want a point-in-time read
// (e.g. an HTTP status endpoint) outside the periodic publish loop.
func (c *Controller) ExportSnapshot() types.TelemetryMetricsEvent {
	mem := telemetry.Sample()
	perVariant := c.GetPerformanceComparison()
	return types.TelemetryMetricsEvent{
		PublishedAt:   time.Now(),
		HeapBytes:     mem.HeapBytes,
		ResidentBytes: mem.ResidentBytes,
		Aggregate:     aggregate(perVariant),
		PerVariant:    perVariant,
	}
}

// telemetryLoop publishes a TelemetryMetricsEvent every cfg.PublishInterval
// until ctx is cancelled.
func (c *Controller) telemetryLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.cfg.PublishInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishTelemetry()
		}
	}
}

func (c *Controller) publishTelemetry() {
	snap := c.ExportSnapshot()
	for id, m := range snap.PerVariant {
		netPnl, _ := m.TotalNetPnl.Float64()
		state := c.GetStatus()[id] == types.CircuitOpen
		telemetry.SetVariantGauges(id, netPnl, m.SharpeRatio, m.MaxDrawdown, state)
	}
	c.bus.Publish(events.TypeTelemetryMetrics, snap)
}

// aggregate combines every variant's metrics into one portfolio-level view.
// Win rate is recomputed from the summed counters rather than averaged across
// variants, so it stays consistent with the aggregate's own
// TradesCount/WinCount; Sharpe is the plain mean of the per-variant Sharpe
// ratios.
func aggregate(perVariant map[string]types.Metrics) types.Metrics {
	var agg types.Metrics
	agg.TotalNetPnl = decimal.Zero
	agg.AvgPnLPerTrade = decimal.Zero
	agg.AvgROI = decimal.Zero
	agg.PeakBalance = decimal.Zero

	var sharpeSum float64
	for _, m := range perVariant {
		agg.TradesCount += m.TradesCount
		agg.WinCount += m.WinCount
		agg.LossCount += m.LossCount
		agg.TotalNetPnl = agg.TotalNetPnl.Add(m.TotalNetPnl)
		agg.PeakBalance = agg.PeakBalance.Add(m.PeakBalance)
		if m.MaxDrawdown > agg.MaxDrawdown {
			agg.MaxDrawdown = m.MaxDrawdown
		}
		sharpeSum += m.SharpeRatio
	}
	if agg.TradesCount > 0 {
		agg.WinRate = float64(agg.WinCount) / float64(agg.TradesCount)
		agg.AvgPnLPerTrade = agg.TotalNetPnl.Div(decimal.NewFromInt(int64(agg.TradesCount)))
	}
	if n := len(perVariant); n > 0 {
		agg.SharpeRatio = sharpeSum / float64(n)
	}
	return agg
}
