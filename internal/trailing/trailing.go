// Package trailing implements the Trailing-Stop Policy (C6): a pure
// function computing the next protective stop given ROI progress, grounded
// on the teacher's strategy.Maker.computeQuotes shape (pure function of
// market state + config producing a clamped, tick-rounded target) applied
// to ROI-based stop computation instead of bid/ask spread computation.
package trailing

import (
	"math"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/quant"
	"perp-orchestrator/pkg/types"
)

// Config holds the trailing-stop tunables from the configuration surface
// (§6): initialSLRoi/initialTPRoi live in the position, not here.
type Config struct {
	BreakEvenBuffer     decimal.Decimal // % ROI added to breakEvenROI, default 0.1
	TrailingStepPercent decimal.Decimal // staircase step size, default 0.15
	TrailingMovePercent decimal.Decimal // % of the ROI price move given back; the stop keeps (1 − this/100) of it, default 0.05
	Mode                string          // only "staircase" honored
}

// Result is the outcome of a nextStop evaluation.
type Result struct {
	NewStop        decimal.Decimal
	NewLastStep    int
	Reason         types.TrailingReason
	BreakEvenArmed bool
}

// NextStop evaluates whether the protective stop should move. The
// monotonic invariant (long stops never decrease, short stops never
// increase) is enforced unconditionally: any candidate that fails to
// tighten the stop is rejected and returns no_change with the old stop.
func NextStop(
	side types.Side,
	entryPrice, currentStop, currentROI decimal.Decimal,
	lastROIStep int,
	leverage int,
	feeIn, feeOut decimal.Decimal,
	cfg Config,
	breakEvenArmed bool,
) (Result, error) {
	breakEvenROI, err := quant.FeeAdjustedBreakEven(feeIn, feeOut, leverage, cfg.BreakEvenBuffer)
	if err != nil {
		return Result{}, err
	}

	if !breakEvenArmed && currentROI.GreaterThanOrEqual(breakEvenROI) {
		target := breakEvenTarget(side, entryPrice, cfg.BreakEvenBuffer, leverage)
		if tightens(side, target, currentStop) {
			return Result{NewStop: target, NewLastStep: lastROIStep, Reason: types.TrailingBreakEven, BreakEvenArmed: true}, nil
		}
		return Result{NewStop: currentStop, NewLastStep: lastROIStep, Reason: types.TrailingNoChange, BreakEvenArmed: false}, nil
	}

	if breakEvenArmed && cfg.Mode == "staircase" {
		progress := currentROI.Sub(breakEvenROI)
		step := floorDiv(progress, cfg.TrailingStepPercent)
		if step > lastROIStep {
			target := staircaseTarget(side, entryPrice, currentROI, leverage, cfg.TrailingMovePercent)
			if tightens(side, target, currentStop) {
				return Result{NewStop: target, NewLastStep: step, Reason: types.TrailingStaircaseStep, BreakEvenArmed: true}, nil
			}
		}
	}

	return Result{NewStop: currentStop, NewLastStep: lastROIStep, Reason: types.TrailingNoChange, BreakEvenArmed: breakEvenArmed}, nil
}

// CalculateInitialStop delegates to Decimal Math for the opening stop.
func CalculateInitialStop(side types.Side, entry, slRoiPercent decimal.Decimal, leverage int) (decimal.Decimal, error) {
	return quant.CalcStopLossPrice(side, entry, slRoiPercent, leverage)
}

// breakEvenTarget moves the stop to entry ± buffer/leverage/100, favorable
// to the side (a long's break-even stop sits slightly above entry).
func breakEvenTarget(side types.Side, entry, bufferPercent decimal.Decimal, leverage int) decimal.Decimal {
	lev := decimal.NewFromInt(int64(leverage))
	move := entry.Mul(bufferPercent).Div(lev).Div(decimal.NewFromInt(100))
	if side == types.Long {
		return entry.Add(move)
	}
	return entry.Sub(move)
}

// staircaseTarget computes entry ± priceMoveFromROI(currentROI,leverage) ×
// (1 − trailingMovePercent/100), sign by side.
func staircaseTarget(side types.Side, entry, currentROI decimal.Decimal, leverage int, trailingMovePercent decimal.Decimal) decimal.Decimal {
	lev := decimal.NewFromInt(int64(leverage))
	priceMove := entry.Mul(currentROI).Div(lev).Div(decimal.NewFromInt(100))
	retained := decimal.NewFromInt(1).Sub(trailingMovePercent.Div(decimal.NewFromInt(100)))
	adjustedMove := priceMove.Mul(retained)
	if side == types.Long {
		return entry.Add(adjustedMove)
	}
	return entry.Sub(adjustedMove)
}

// tightens reports whether candidate moves the stop in the favorable
// direction relative to current: long stops only increase, short stops
// only decrease.
func tightens(side types.Side, candidate, current decimal.Decimal) bool {
	if current.IsZero() {
		return true
	}
	if side == types.Long {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// floorDiv computes floor(progress / step), treating a non-positive or zero
// step as "never step" (progress stays at step 0).
func floorDiv(progress, step decimal.Decimal) int {
	if step.Sign() <= 0 {
		return 0
	}
	ratio, _ := progress.Div(step).Float64()
	if ratio < 0 {
		return 0
	}
	return int(math.Floor(ratio))
}
