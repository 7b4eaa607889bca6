// Package execsim implements the Execution Simulator (C5): paper
// entry/mark-to-market/exit with realistic fees and slippage. It is pure
// and deterministic given seeded randomness, grounded on the teacher's
// strategy.Inventory average-entry-price accounting generalized from spot
// accumulation to leveraged entry/mark/exit, and on chidi150c-coinbase's
// broker_paper.go for the paper-fill idiom.
package execsim

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/errs"
	"perp-orchestrator/internal/quant"
	"perp-orchestrator/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// EntryState is the result of simulating a paper entry.
type EntryState struct {
	EntryFillPrice decimal.Decimal
	Size           decimal.Decimal
	EntryFee       decimal.Decimal
	Margin         decimal.Decimal
	Notional       decimal.Decimal
	FeeRateUsed    decimal.Decimal
}

// ExitState is the result of simulating a paper exit.
type ExitState struct {
	ExitFillPrice decimal.Decimal
	GrossRealized decimal.Decimal
	NetRealized   decimal.Decimal
	RealizedROI   decimal.Decimal
	ExitFee       decimal.Decimal
}

// MTMResult is the result of marking an open paper position.
type MTMResult struct {
	UnrealizedGross decimal.Decimal
	UnrealizedNet   decimal.Decimal
	UnrealizedROI   decimal.Decimal
}

// Simulator draws fill-probability randomness from its own seeded source,
// never the global math/rand state, so two variants never perturb each
// other's reproducibility.
type Simulator struct {
	rng *rand.Rand
}

// New creates a Simulator seeded deterministically for one Variant.
func New(seed int64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewSource(seed))}
}

// SimulateEntry opens a paper position.
func (s *Simulator) SimulateEntry(
	accountBalance, positionSizePercent decimal.Decimal,
	leverage int,
	side types.Side,
	midPrice decimal.Decimal,
	fillModel types.FillModel,
	limitPrice decimal.Decimal,
	makerFee, takerFee, slippagePercent, fillProbability decimal.Decimal,
	multiplier decimal.Decimal,
) (EntryState, error) {
	if err := validateEntryInputs(accountBalance, positionSizePercent, leverage, side, midPrice); err != nil {
		return EntryState{}, err
	}
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}

	margin := accountBalance.Mul(positionSizePercent).Div(hundred)
	notional := margin.Mul(decimal.NewFromInt(int64(leverage)))

	var fillPrice, feeUsed decimal.Decimal
	switch fillModel {
	case types.FillProbabilisticLimit:
		if s.rng.Float64() < mustFloat(fillProbability) && !limitPrice.IsZero() {
			fillPrice = limitPrice
			feeUsed = makerFee
		} else {
			fillPrice = applySlippage(side, midPrice, slippagePercent, true)
			feeUsed = takerFee
		}
	default: // types.FillTaker
		fillPrice = applySlippage(side, midPrice, slippagePercent, true)
		feeUsed = takerFee
	}

	size := notional.Div(fillPrice.Mul(multiplier))
	entryFee := notional.Mul(feeUsed)

	return EntryState{
		EntryFillPrice: fillPrice,
		Size:           size,
		EntryFee:       entryFee,
		Margin:         margin,
		Notional:       notional,
		FeeRateUsed:    feeUsed,
	}, nil
}

// MarkToMarket computes unrealized PnL/ROI for an open paper position. Exit
// fee is deliberately not deducted here — it is only known at close.
func MarkToMarket(side types.Side, entry, size, multiplier, entryFee, margin, currentPrice, funding decimal.Decimal) (MTMResult, error) {
	pd, err := quant.PriceDiff(side, entry, currentPrice)
	if err != nil {
		return MTMResult{}, err
	}
	gross, err := quant.UnrealizedPnl(pd, size, multiplier)
	if err != nil {
		return MTMResult{}, err
	}
	net := gross.Sub(entryFee).Sub(funding)
	roi, err := quant.LeveragedRoiPercent(net, margin)
	if err != nil {
		return MTMResult{}, err
	}
	return MTMResult{UnrealizedGross: gross, UnrealizedNet: net, UnrealizedROI: roi}, nil
}

// SimulateExit closes a paper position at targetExitPrice, applying adverse
// slippage and both entry+exit fees.
func SimulateExit(
	side types.Side, entry, size, multiplier, entryFee decimal.Decimal,
	targetExitPrice, takerFee, slippagePercent, funding, margin decimal.Decimal,
) (ExitState, error) {
	exitPrice := applySlippage(side, targetExitPrice, slippagePercent, false)
	notional := size.Mul(exitPrice).Mul(multiplier)
	exitFee := notional.Mul(takerFee)

	pd, err := quant.PriceDiff(side, entry, exitPrice)
	if err != nil {
		return ExitState{}, err
	}
	gross, err := quant.UnrealizedPnl(pd, size, multiplier)
	if err != nil {
		return ExitState{}, err
	}
	net := gross.Sub(entryFee.Add(exitFee)).Sub(funding)
	roi, err := quant.LeveragedRoiPercent(net, margin)
	if err != nil {
		return ExitState{}, err
	}

	return ExitState{
		ExitFillPrice: exitPrice,
		GrossRealized: gross,
		NetRealized:   net,
		RealizedROI:   roi,
		ExitFee:       exitFee,
	}, nil
}

// CalculateBreakEven returns the price at which netRealized would be exactly
// zero, accounting for both fees and both slippages.
func CalculateBreakEven(side types.Side, entry, entryFee, takerFee, slippagePercent, size, multiplier decimal.Decimal) decimal.Decimal {
	// netRealized = 0 when grossRealized == entryFee + exitFee(priceDependent).
	// exitFee = notional(exit) × takerFee, which itself depends on exit price;
	// solved directly for a taker exit with slippage applied symmetrically.
	slipFactor := slippagePercent.Div(hundred)
	feeFactor := takerFee

	// With S = size*multiplier:
	// For Long: need (exit*(1-slip) - entry)*S == entryFee + exit*(1-slip)*S*feeFactor
	// => exit = (entryFee + entry*S) / (S*(1-slip)*(1-feeFactor))
	// For Short: need (entry - exit*(1+slip))*S == entryFee + exit*(1+slip)*S*feeFactor
	// => exit = (entry*S - entryFee) / (S*(1+slip)*(1+feeFactor))
	one := decimal.NewFromInt(1)
	sizeMult := size.Mul(multiplier)
	denom := sizeMult.Mul(one.Sub(slipFactor)).Mul(one.Sub(feeFactor))
	if side == types.Short {
		denom = sizeMult.Mul(one.Add(slipFactor)).Mul(one.Add(feeFactor))
	}
	if denom.IsZero() {
		return decimal.Zero
	}
	numer := entryFee.Add(entry.Mul(sizeMult))
	if side == types.Short {
		numer = entry.Mul(sizeMult).Sub(entryFee)
	}
	return numer.Div(denom)
}

// applySlippage applies adverse slippage: on entry a long pays more and a
// short receives less; on exit the adversity flips (long receives less,
// short pays more).
func applySlippage(side types.Side, price, slippagePercent decimal.Decimal, isEntry bool) decimal.Decimal {
	factor := slippagePercent.Div(hundred)
	long := side == types.Long
	worseForLong := long == isEntry // long pays more on entry, receives less on exit
	if worseForLong {
		return price.Mul(decimal.NewFromInt(1).Add(factor))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(factor))
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func validateEntryInputs(balance, positionSizePercent decimal.Decimal, leverage int, side types.Side, midPrice decimal.Decimal) error {
	if balance.Sign() <= 0 {
		return errs.InvalidInput("simulateEntry", errBalance)
	}
	if positionSizePercent.Sign() <= 0 || positionSizePercent.GreaterThan(hundred) {
		return errs.InvalidInput("simulateEntry", errPositionSizePercent)
	}
	if leverage < 1 || leverage > 100 {
		return errs.InvalidInput("simulateEntry", errLeverage)
	}
	if side != types.Long && side != types.Short {
		return errs.InvalidInput("simulateEntry", errSide)
	}
	if midPrice.Sign() <= 0 {
		return errs.InvalidInput("simulateEntry", errMidPrice)
	}
	return nil
}
