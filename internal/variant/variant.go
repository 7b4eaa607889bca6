// Package variant implements the Variant (C10): one paper-trading instance
// of a strategy permutation, grounded on the teacher's strategy.Maker shape
// (one goroutine-friendly struct per tradeable unit, owning its own
// position/metrics, isolated error handling via a per-tick catch boundary)
// generalized from quote maintenance to a simulated entry/trail/exit
// lifecycle plus a circuit breaker.
package variant

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/errs"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/execsim"
	"perp-orchestrator/internal/quant"
	"perp-orchestrator/internal/trailing"
	"perp-orchestrator/pkg/types"
)

const (
	maxTradeHistory         = 200
	annualizationPeriods    = 250 // T in the Sharpe √T annualization
	defaultBreakerThreshold = 5
)

var (
	hundred           = decimal.NewFromInt(100)
	defaultResetDelay = 5 * time.Minute
)

// SignalType is the external signal function's directional verdict.
type SignalType string

const (
	SignalStrongBuy  SignalType = "strong_buy"
	SignalStrongSell SignalType = "strong_sell"
	SignalNeutral    SignalType = "neutral"
)

// Signal is the external strategy signal a Variant consults when flat.
type Signal struct {
	Type  SignalType
	Score decimal.Decimal
}

// SignalFunc produces a Signal for symbol given the latest tick; injected so
// Variant has no opinion on indicator computation.
type SignalFunc func(symbol string, tick types.Tick) (Signal, error)

// Config holds one variant's parameterization — a profile plus whatever
// dimensions the optimizer's ablation generator varied.
type Config struct {
	VariantID      string
	ProfileName    string
	CustomParams   map[string]string
	Symbol         string
	Multiplier     decimal.Decimal
	Leverage       int
	PositionSizePercent decimal.Decimal
	StartingBalance decimal.Decimal
	MakerFee, TakerFee decimal.Decimal
	SlippagePercent decimal.Decimal
	FillModel       types.FillModel
	FillProbability decimal.Decimal
	InitialSLRoi, InitialTPRoi decimal.Decimal
	Trailing        trailing.Config
	BuyThreshold    decimal.Decimal // minimum Signal.Score to open a long
	SellThreshold   decimal.Decimal // maximum Signal.Score to open a short
	PaperTradingEnabled bool

	CircuitBreakerThreshold int
	CircuitBreakerResetMs   time.Duration
	SimSeed                 int64
}

// openPosition is a PaperPosition plus the bookkeeping needed to close it
// exactly, kept variant-local since a Variant never has more than one open
// position at a time.
type openPosition struct {
	types.PaperPosition
	EntryFee        decimal.Decimal
	Margin          decimal.Decimal
	FundingAccrued  decimal.Decimal
	TakeProfitPrice decimal.Decimal
}

// Variant is one paper-trading strategy instance owned by the Optimizer.
type Variant struct {
	cfg      Config
	sim      *execsim.Simulator
	signalFn SignalFunc
	bus      *events.Bus
	logger   *slog.Logger

	createdAt time.Time

	mu              sync.Mutex
	position        *openPosition
	metrics         types.Metrics
	tradeHistory    []types.Trade
	errorCount      int
	lastErr         error
	circuitState    types.CircuitBreakerState
	circuitOpenedAt time.Time
}

// New constructs a Variant. signalFn must be non-nil.
func New(cfg Config, signalFn SignalFunc, bus *events.Bus, logger *slog.Logger) *Variant {
	if cfg.Multiplier.IsZero() {
		cfg.Multiplier = decimal.NewFromInt(1)
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = defaultBreakerThreshold
	}
	if cfg.CircuitBreakerResetMs <= 0 {
		cfg.CircuitBreakerResetMs = defaultResetDelay
	}
	return &Variant{
		cfg:          cfg,
		sim:          execsim.New(cfg.SimSeed),
		signalFn:     signalFn,
		bus:          bus,
		logger:       logger.With("component", "variant", "variantId", cfg.VariantID),
		createdAt:    time.Now(),
		circuitState: types.CircuitClosed,
		metrics:      types.Metrics{PeakBalance: cfg.StartingBalance},
	}
}

// ID returns the variant's identifier.
func (v *Variant) ID() string { return v.cfg.VariantID }

// Symbol returns the symbol this variant trades.
func (v *Variant) Symbol() string { return v.cfg.Symbol }

// Metrics returns a snapshot of the variant's performance.
func (v *Variant) Metrics() types.Metrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.metrics
}

// CircuitBreakerState reports the current trip-switch state.
func (v *Variant) CircuitBreakerState() types.CircuitBreakerState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.circuitState
}

// HasPosition reports whether the variant currently holds a paper position.
func (v *Variant) HasPosition() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position != nil
}

// ProcessTick drives the variant's lifecycle for one market update. Every
// exception raised inside is caught here — it never propagates to the
// Optimizer or to other variants.
func (v *Variant) ProcessTick(tick types.Tick) {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			v.recordErrorLocked(fmt.Errorf("panic: %v", r))
		}
	}()

	if v.circuitState == types.CircuitOpen {
		if time.Since(v.circuitOpenedAt) < v.cfg.CircuitBreakerResetMs {
			return
		}
		v.circuitState = types.CircuitClosed
		v.errorCount = 0
		v.bus.Publish(events.TypeVariantCircuitBreakerClosed, types.VariantCircuitBreakerClosedEvent{VariantID: v.cfg.VariantID})
	}

	var err error
	if v.position != nil {
		err = v.manageOpenPositionLocked(tick)
	} else {
		err = v.maybeOpenPositionLocked(tick)
	}
	if err != nil {
		v.recordErrorLocked(err)
	}
}

// CloseManual force-closes any open position at price with reason
// "manual" — used by the Optimizer on stop() to flatten every variant.
func (v *Variant) CloseManual(price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.position == nil {
		return
	}
	if err := v.closePositionLocked(price, types.ExitManual); err != nil {
		v.recordErrorLocked(err)
	}
}

// recordErrorLocked implements the circuit breaker policy: accumulate
// errorCount, open the breaker past threshold. Caller holds v.mu.
func (v *Variant) recordErrorLocked(err error) {
	v.lastErr = err
	v.errorCount++
	v.logger.Warn("variant error", "error", err, "errorCount", v.errorCount)
	v.bus.Publish(events.TypeVariantError, types.VariantErrorEvent{VariantID: v.cfg.VariantID, Err: err.Error()})

	if v.circuitState == types.CircuitClosed && v.errorCount >= v.cfg.CircuitBreakerThreshold {
		v.circuitState = types.CircuitOpen
		v.circuitOpenedAt = time.Now()
		v.bus.Publish(events.TypeVariantCircuitBreakerOpened, types.VariantCircuitBreakerOpenedEvent{VariantID: v.cfg.VariantID, ErrorCount: v.errorCount})
	}
}

// manageOpenPositionLocked marks the position, evaluates the trailing-stop
// policy, and closes on a stop-loss or take-profit hit.
func (v *Variant) manageOpenPositionLocked(tick types.Tick) error {
	pos := v.position
	fundingFee := tick.FundingRate.Mul(pos.RemainingSize).Mul(tick.MarkPrice).Mul(v.cfg.Multiplier)
	pos.FundingAccrued = pos.FundingAccrued.Add(fundingFee)

	mtm, err := execsim.MarkToMarket(pos.Side, pos.EntryPrice, pos.RemainingSize, v.cfg.Multiplier, pos.EntryFee, pos.Margin, tick.MarkPrice, pos.FundingAccrued)
	if err != nil {
		return errs.VariantErr("processTick.markToMarket", err)
	}

	trailResult, err := trailing.NextStop(pos.Side, pos.EntryPrice, pos.CurrentSL, mtm.UnrealizedROI, pos.LastROIStep, pos.Leverage, v.cfg.MakerFee, v.cfg.TakerFee, v.cfg.Trailing, pos.BreakEvenArmed)
	if err != nil {
		return errs.VariantErr("processTick.nextStop", err)
	}
	pos.CurrentSL = trailResult.NewStop
	pos.LastROIStep = trailResult.NewLastStep
	pos.BreakEvenArmed = trailResult.BreakEvenArmed

	slHit := stopTriggered(pos.Side, tick.MarkPrice, pos.CurrentSL)
	tpHit := takeProfitTriggered(pos.Side, tick.MarkPrice, pos.TakeProfitPrice)
	if !slHit && !tpHit {
		return nil
	}

	reason := types.ExitStopLoss
	exitPrice := pos.CurrentSL
	if tpHit && !slHit {
		reason = types.ExitTakeProfit
		exitPrice = pos.TakeProfitPrice
	}
	return v.closePositionLocked(exitPrice, reason)
}

// maybeOpenPositionLocked consults the external signal and opens a paper
// position when the variant's own thresholds qualify it.
func (v *Variant) maybeOpenPositionLocked(tick types.Tick) error {
	sig, err := v.signalFn(v.cfg.Symbol, tick)
	if err != nil {
		return errs.VariantErr("processTick.signal", err)
	}
	side, ok := v.qualifies(sig)
	if !ok || !v.cfg.PaperTradingEnabled {
		return nil
	}

	balance := v.cfg.StartingBalance.Add(v.metrics.TotalNetPnl)
	entry, err := v.sim.SimulateEntry(
		balance, v.cfg.PositionSizePercent, v.cfg.Leverage, side, tick.MarkPrice,
		v.cfg.FillModel, tick.BestBid, v.cfg.MakerFee, v.cfg.TakerFee, v.cfg.SlippagePercent, v.cfg.FillProbability, v.cfg.Multiplier,
	)
	if err != nil {
		return errs.VariantErr("processTick.simulateEntry", err)
	}

	initialSL, err := trailing.CalculateInitialStop(side, entry.EntryFillPrice, v.cfg.InitialSLRoi, v.cfg.Leverage)
	if err != nil {
		return errs.VariantErr("processTick.initialStop", err)
	}
	takeProfit, err := quant.CalcTakeProfitPrice(side, entry.EntryFillPrice, v.cfg.InitialTPRoi, v.cfg.Leverage)
	if err != nil {
		return errs.VariantErr("processTick.initialTakeProfit", err)
	}

	v.position = &openPosition{
		PaperPosition: types.PaperPosition{
			Position: types.Position{
				Symbol:        v.cfg.Symbol,
				Side:          side,
				EntryPrice:    entry.EntryFillPrice,
				Size:          entry.Size,
				Leverage:      v.cfg.Leverage,
				RemainingSize: entry.Size,
				InitialSL:     initialSL,
				CurrentSL:     initialSL,
				EntryFeeRate:  entry.FeeRateUsed,
			},
			Experimental: true,
			VariantID:    v.cfg.VariantID,
			OpenedAt:     time.Now(),
		},
		EntryFee:        entry.EntryFee,
		Margin:          entry.Margin,
		TakeProfitPrice: takeProfit,
	}

	v.bus.Publish(events.TypeVariantPositionOpened, types.VariantPositionOpenedEvent{VariantID: v.cfg.VariantID, Symbol: v.cfg.Symbol, Side: side})
	return nil
}

// qualifies applies the variant's own thresholds to the signal's score,
// deciding both whether to trade and which side to take.
func (v *Variant) qualifies(sig Signal) (types.Side, bool) {
	switch sig.Type {
	case SignalStrongBuy:
		if sig.Score.GreaterThanOrEqual(v.cfg.BuyThreshold) {
			return types.Long, true
		}
	case SignalStrongSell:
		if sig.Score.LessThanOrEqual(v.cfg.SellThreshold) {
			return types.Short, true
		}
	}
	return "", false
}

// closePositionLocked simulates the exit, records the trade, and resets the
// variant to flat.
func (v *Variant) closePositionLocked(exitPrice decimal.Decimal, reason types.ExitReason) error {
	pos := v.position
	exit, err := execsim.SimulateExit(pos.Side, pos.EntryPrice, pos.RemainingSize, v.cfg.Multiplier, pos.EntryFee, exitPrice, v.cfg.TakerFee, v.cfg.SlippagePercent, pos.FundingAccrued, pos.Margin)
	if err != nil {
		return errs.VariantErr("processTick.simulateExit", err)
	}

	trade := types.Trade{
		Entry: pos.EntryPrice, Exit: exit.ExitFillPrice, Side: pos.Side, Size: pos.RemainingSize,
		Leverage: pos.Leverage, GrossPnl: exit.GrossRealized, NetPnl: exit.NetRealized, ROI: exit.RealizedROI,
		TotalFees: pos.EntryFee.Add(exit.ExitFee), FundingFees: pos.FundingAccrued,
		ExitReason: reason, OpenedAt: pos.OpenedAt, ClosedAt: time.Now(),
		VariantID: v.cfg.VariantID, Experimental: true,
	}
	v.recordTradeLocked(trade)
	v.position = nil

	v.bus.Publish(events.TypeVariantPositionClosed, types.VariantPositionClosedEvent{
		VariantID: v.cfg.VariantID, Symbol: pos.Symbol, ExitReason: reason, NetPnl: exit.NetRealized.String(),
	})
	return nil
}

// recordTradeLocked updates the bounded trade history and recomputes
// metrics, maintaining the invariant winCount+lossCount == tradesCount.
func (v *Variant) recordTradeLocked(trade types.Trade) {
	v.tradeHistory = append(v.tradeHistory, trade)
	if len(v.tradeHistory) > maxTradeHistory {
		v.tradeHistory = v.tradeHistory[len(v.tradeHistory)-maxTradeHistory:]
	}

	m := &v.metrics
	m.TradesCount++
	if trade.NetPnl.Sign() > 0 {
		m.WinCount++
	} else {
		m.LossCount++
	}
	m.TotalNetPnl = m.TotalNetPnl.Add(trade.NetPnl)
	count := decimal.NewFromInt(int64(m.TradesCount))
	m.AvgPnLPerTrade = m.TotalNetPnl.Div(count)

	roiSum := decimal.Zero
	for _, t := range v.tradeHistory {
		roiSum = roiSum.Add(t.ROI)
	}
	// tradeHistory may have been trimmed; avgROI is exact only up to the
	// trimming window, which is the same bound applied to Returns below.
	m.AvgROI = roiSum.Div(decimal.NewFromInt(int64(len(v.tradeHistory))))
	m.WinRate = float64(m.WinCount) / float64(m.TradesCount)

	roiFloat, _ := trade.ROI.Float64()
	m.Returns = append(m.Returns, roiFloat)
	if len(m.Returns) > maxTradeHistory {
		m.Returns = m.Returns[len(m.Returns)-maxTradeHistory:]
	}
	m.SharpeRatio = computeSharpe(m.Returns)

	if m.PeakBalance.IsZero() {
		m.PeakBalance = v.cfg.StartingBalance
	}
	balance := v.cfg.StartingBalance.Add(m.TotalNetPnl)
	if balance.GreaterThan(m.PeakBalance) {
		m.PeakBalance = balance
	}
	if m.PeakBalance.Sign() > 0 {
		drawdown, _ := m.PeakBalance.Sub(balance).Div(m.PeakBalance).Mul(hundred).Float64()
		if drawdown > m.MaxDrawdown {
			m.MaxDrawdown = drawdown
		}
	}
}

// computeSharpe annualizes the mean/stddev of per-trade returns by √250, the
// convention spec.md fixes for this system.
func computeSharpe(returns []float64) float64 {
	n := len(returns)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(n))
	if stddev == 0 {
		return 0
	}
	return (mean / stddev) * math.Sqrt(float64(annualizationPeriods))
}

// stopTriggered reports whether mark has crossed the protective stop.
func stopTriggered(side types.Side, mark, stop decimal.Decimal) bool {
	if stop.IsZero() {
		return false
	}
	if side == types.Long {
		return mark.LessThanOrEqual(stop)
	}
	return mark.GreaterThanOrEqual(stop)
}

// takeProfitTriggered reports whether mark has crossed the take-profit level.
func takeProfitTriggered(side types.Side, mark, tp decimal.Decimal) bool {
	if tp.IsZero() {
		return false
	}
	if side == types.Long {
		return mark.GreaterThanOrEqual(tp)
	}
	return mark.LessThanOrEqual(tp)
}
