// Package quant implements fixed-precision price/fee/ROI arithmetic shared
// by the Execution Simulator, Trailing-Stop Policy, and Stop Manager.
//
// Every operation here is pure and side-effect free; it takes
// shopspring/decimal values (at least 28 significant digits, far past the
// "≥20 significant digits" requirement float64 cannot meet) and returns
// either a result or an InvalidInputError. No operation here ever retries,
// logs, or talks to the network — that discipline is what lets every other
// component trust its arithmetic blindly.
package quant

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/errs"
	"perp-orchestrator/pkg/types"
)

var hundred = decimal.NewFromInt(100)

func finite(d decimal.Decimal) bool {
	f, _ := d.Float64()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// PriceDiff returns the signed price movement favorable to side.
func PriceDiff(side types.Side, entry, exit decimal.Decimal) (decimal.Decimal, error) {
	if !finite(entry) || !finite(exit) {
		return decimal.Zero, errs.InvalidInput("priceDiff", fmt.Errorf("non-finite price"))
	}
	if side == types.Long {
		return exit.Sub(entry), nil
	}
	return entry.Sub(exit), nil
}

// UnrealizedPnl = priceDiff × size × multiplier.
func UnrealizedPnl(priceDiff, size, multiplier decimal.Decimal) (decimal.Decimal, error) {
	if !finite(priceDiff) || !finite(size) || !finite(multiplier) {
		return decimal.Zero, errs.InvalidInput("unrealizedPnl", fmt.Errorf("non-finite input"))
	}
	return priceDiff.Mul(size).Mul(multiplier), nil
}

// NetPnl = gross − notional×(feeIn+feeOut) − funding.
func NetPnl(gross, notional, feeIn, feeOut, funding decimal.Decimal) (decimal.Decimal, error) {
	for _, d := range []decimal.Decimal{gross, notional, feeIn, feeOut, funding} {
		if !finite(d) {
			return decimal.Zero, errs.InvalidInput("netPnl", fmt.Errorf("non-finite input"))
		}
	}
	fees := notional.Mul(feeIn.Add(feeOut))
	return gross.Sub(fees).Sub(funding), nil
}

// LeveragedRoiPercent = (netPnl/margin)×100.
func LeveragedRoiPercent(netPnl, margin decimal.Decimal) (decimal.Decimal, error) {
	if !finite(netPnl) || !finite(margin) {
		return decimal.Zero, errs.InvalidInput("leveragedRoiPercent", fmt.Errorf("non-finite input"))
	}
	if margin.IsZero() {
		return decimal.Zero, errs.InvalidInput("leveragedRoiPercent", fmt.Errorf("margin must be non-zero"))
	}
	return netPnl.Div(margin).Mul(hundred), nil
}

// priceMoveFromROI inverts leverage: priceMove = entry×roi/leverage/100.
func priceMoveFromROI(entry, roiPercent decimal.Decimal, leverage int) decimal.Decimal {
	lev := decimal.NewFromInt(int64(leverage))
	return entry.Mul(roiPercent).Div(lev).Div(hundred)
}

// CalcStopLossPrice returns the price that realizes exactly −slRoiPercent at
// mark. priceMove is inverse to leverage, with sign applied by side: a Long
// stop sits below entry, a Short stop sits above it.
func CalcStopLossPrice(side types.Side, entry, slRoiPercent decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if err := validateEntryLeverage(entry, leverage); err != nil {
		return decimal.Zero, err
	}
	if !finite(slRoiPercent) {
		return decimal.Zero, errs.InvalidInput("calcStopLossPrice", fmt.Errorf("non-finite slRoiPercent"))
	}
	move := priceMoveFromROI(entry, slRoiPercent, leverage)
	if side == types.Long {
		return entry.Sub(move), nil
	}
	return entry.Add(move), nil
}

// CalcTakeProfitPrice is symmetric to CalcStopLossPrice, moving favorably.
func CalcTakeProfitPrice(side types.Side, entry, tpRoiPercent decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if err := validateEntryLeverage(entry, leverage); err != nil {
		return decimal.Zero, err
	}
	if !finite(tpRoiPercent) {
		return decimal.Zero, errs.InvalidInput("calcTakeProfitPrice", fmt.Errorf("non-finite tpRoiPercent"))
	}
	move := priceMoveFromROI(entry, tpRoiPercent, leverage)
	if side == types.Long {
		return entry.Add(move), nil
	}
	return entry.Sub(move), nil
}

// EstimatedLiquidationPrice approximates the isolated-margin liquidation
// price at entry×(1∓1/leverage): a Long position liquidates below entry, a
// Short liquidates above it. This ignores maintenance-margin ratio and fee
// accrual, both venue-specific; callers that receive an exchange-reported
// liquidation price should prefer that over this estimate.
func EstimatedLiquidationPrice(side types.Side, entry decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if err := validateEntryLeverage(entry, leverage); err != nil {
		return decimal.Zero, err
	}
	lev := decimal.NewFromInt(int64(leverage))
	move := entry.Div(lev)
	if side == types.Long {
		return entry.Sub(move), nil
	}
	return entry.Add(move), nil
}

// FeeAdjustedBreakEven expresses the ROI% threshold needed for a round trip
// to cover both fees plus a safety buffer.
func FeeAdjustedBreakEven(feeIn, feeOut decimal.Decimal, leverage int, bufferPercent decimal.Decimal) (decimal.Decimal, error) {
	if leverage <= 0 {
		return decimal.Zero, errs.InvalidInput("feeAdjustedBreakEven", fmt.Errorf("leverage must be > 0"))
	}
	if !finite(feeIn) || !finite(feeOut) || !finite(bufferPercent) {
		return decimal.Zero, errs.InvalidInput("feeAdjustedBreakEven", fmt.Errorf("non-finite input"))
	}
	lev := decimal.NewFromInt(int64(leverage))
	return feeIn.Add(feeOut).Mul(lev).Mul(hundred).Add(bufferPercent), nil
}

// RoundToTickSize performs half-away-from-zero rounding to the nearest
// multiple of tick. The rounding is done explicitly with Floor/Ceil in
// halfAwayFromZero rather than through the decimal library's Round helpers.
func RoundToTickSize(price, tick decimal.Decimal) (decimal.Decimal, error) {
	if !finite(price) {
		return decimal.Zero, errs.InvalidInput("roundToTickSize", fmt.Errorf("non-finite price"))
	}
	if tick.Sign() <= 0 {
		return decimal.Zero, errs.InvalidInput("roundToTickSize", fmt.Errorf("tick must be > 0"))
	}
	units := price.Div(tick)
	rounded := halfAwayFromZero(units)
	return rounded.Mul(tick), nil
}

// RoundToLotSize floors size to the nearest multiple of lot.
func RoundToLotSize(size, lot decimal.Decimal) (decimal.Decimal, error) {
	if !finite(size) {
		return decimal.Zero, errs.InvalidInput("roundToLotSize", fmt.Errorf("non-finite size"))
	}
	if lot.Sign() <= 0 {
		return decimal.Zero, errs.InvalidInput("roundToLotSize", fmt.Errorf("lot must be > 0"))
	}
	units := size.Div(lot).Floor()
	return units.Mul(lot), nil
}

func halfAwayFromZero(d decimal.Decimal) decimal.Decimal {
	if d.Sign() >= 0 {
		return d.Add(decimal.NewFromFloat(0.5)).Floor()
	}
	return d.Sub(decimal.NewFromFloat(0.5)).Ceil()
}

func validateEntryLeverage(entry decimal.Decimal, leverage int) error {
	if !finite(entry) {
		return errs.InvalidInput("quant", fmt.Errorf("non-finite entry"))
	}
	if entry.Sign() <= 0 {
		return errs.InvalidInput("quant", fmt.Errorf("entry must be > 0"))
	}
	if leverage <= 0 || leverage > 100 {
		return errs.InvalidInput("quant", fmt.Errorf("leverage must be in [1,100], got %d", leverage))
	}
	return nil
}
