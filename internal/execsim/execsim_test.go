package execsim

import (
	"testing"

	"github.com/shopspring/decimal"

	"perp-orchestrator/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestSimulateEntryTakerLong(t *testing.T) {
	t.Parallel()
	sim := New(1)

	entry, err := sim.SimulateEntry(
		d("1000"), d("10"), 10, types.Long, d("50000"),
		types.FillTaker, decimal.Zero,
		d("0.0002"), d("0.0006"), d("0.02"), decimal.Zero,
		decimal.NewFromInt(1),
	)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.EntryFillPrice.Equal(d("50010")) {
		t.Errorf("entryFillPrice = %s, want 50010", entry.EntryFillPrice)
	}
	wantSize := d("1000").Div(d("50010"))
	if !entry.Size.Sub(wantSize).Abs().LessThan(d("0.0001")) {
		t.Errorf("size = %s, want ~%s", entry.Size, wantSize)
	}
	wantFee := d("0.6")
	if !entry.EntryFee.Sub(wantFee).Abs().LessThan(d("0.01")) {
		t.Errorf("entryFee = %s, want ~%s", entry.EntryFee, wantFee)
	}
}

func TestRoundTripNoMoveIsPureFeeLoss(t *testing.T) {
	t.Parallel()
	sim := New(2)

	entry, err := sim.SimulateEntry(
		d("1000"), d("100"), 10, types.Long, d("50000"),
		types.FillTaker, decimal.Zero,
		d("0.0006"), d("0.0006"), decimal.Zero, decimal.Zero,
		decimal.NewFromInt(1),
	)
	if err != nil {
		t.Fatal(err)
	}

	exit, err := SimulateExit(types.Long, entry.EntryFillPrice, entry.Size, decimal.NewFromInt(1), entry.EntryFee,
		entry.EntryFillPrice, d("0.0006"), decimal.Zero, decimal.Zero, entry.Margin)
	if err != nil {
		t.Fatal(err)
	}

	wantLoss := entry.EntryFee.Add(exit.ExitFee).Neg()
	diff := exit.NetRealized.Sub(wantLoss).Abs()
	if diff.GreaterThan(d("0.01")) {
		t.Errorf("netRealized = %s, want ~%s (pure fee loss)", exit.NetRealized, wantLoss)
	}
}

func TestNetRealizedNeverExceedsGrossRealized(t *testing.T) {
	t.Parallel()
	sim := New(3)

	entry, err := sim.SimulateEntry(
		d("1000"), d("50"), 10, types.Short, d("50000"),
		types.FillTaker, decimal.Zero,
		d("0.0002"), d("0.0006"), d("0.02"), decimal.Zero,
		decimal.NewFromInt(1),
	)
	if err != nil {
		t.Fatal(err)
	}

	exit, err := SimulateExit(types.Short, entry.EntryFillPrice, entry.Size, decimal.NewFromInt(1), entry.EntryFee,
		d("48000"), d("0.0006"), d("0.02"), decimal.Zero, entry.Margin)
	if err != nil {
		t.Fatal(err)
	}
	if exit.NetRealized.GreaterThan(exit.GrossRealized) {
		t.Errorf("netRealized %s exceeds grossRealized %s", exit.NetRealized, exit.GrossRealized)
	}
}

func TestSimulateEntryRejectsInvalidBalance(t *testing.T) {
	t.Parallel()
	sim := New(4)
	_, err := sim.SimulateEntry(
		decimal.Zero, d("100"), 10, types.Long, d("50000"),
		types.FillTaker, decimal.Zero, d("0.0002"), d("0.0006"), d("0.02"), decimal.Zero, decimal.NewFromInt(1),
	)
	if err == nil {
		t.Error("expected error for zero accountBalance")
	}
}

func TestMarkToMarketEntrySlippageAloneIsNegative(t *testing.T) {
	t.Parallel()
	sim := New(5)

	entry, err := sim.SimulateEntry(
		d("1000"), d("100"), 10, types.Long, d("50000"),
		types.FillTaker, decimal.Zero, d("0.0002"), d("0.0006"), d("0.02"), decimal.Zero, decimal.NewFromInt(1),
	)
	if err != nil {
		t.Fatal(err)
	}

	mtm, err := MarkToMarket(types.Long, entry.EntryFillPrice, entry.Size, decimal.NewFromInt(1), entry.EntryFee, entry.Margin, d("50000"), decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if !mtm.UnrealizedROI.IsNegative() {
		t.Errorf("unrealizedROI = %s, want negative (entry slippage alone)", mtm.UnrealizedROI)
	}
}
