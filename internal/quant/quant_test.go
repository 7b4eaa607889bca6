package quant

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

func TestPriceDiffLongShort(t *testing.T) {
	t.Parallel()

	pd, err := PriceDiff(types.Long, d("50000"), d("51000"))
	if err != nil {
		t.Fatal(err)
	}
	if !pd.Equal(d("1000")) {
		t.Errorf("long priceDiff = %s, want 1000", pd)
	}

	pd, err = PriceDiff(types.Short, d("50000"), d("51000"))
	if err != nil {
		t.Fatal(err)
	}
	if !pd.Equal(d("-1000")) {
		t.Errorf("short priceDiff = %s, want -1000", pd)
	}
}

func TestNetPnlNeverExceedsGross(t *testing.T) {
	t.Parallel()

	gross := d("100")
	notional := d("1000")
	feeIn := d("0.0006")
	feeOut := d("0.0006")
	funding := d("0.5")

	net, err := NetPnl(gross, notional, feeIn, feeOut, funding)
	if err != nil {
		t.Fatal(err)
	}
	if net.GreaterThan(gross) {
		t.Errorf("netPnl %s exceeds grossPnl %s", net, gross)
	}
}

func TestCalcStopLossPriceInverseToLeverage(t *testing.T) {
	t.Parallel()

	entry := d("50010")
	stop, err := CalcStopLossPrice(types.Long, entry, d("0.5"), 10)
	if err != nil {
		t.Fatal(err)
	}
	want := d("49984.995")
	if !stop.Equal(want) {
		t.Errorf("stop = %s, want %s", stop, want)
	}
}

func TestRoundToTickSizeHalfAwayFromZero(t *testing.T) {
	t.Parallel()

	got, err := RoundToTickSize(d("50005.55"), d("0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d("50005.6")) {
		t.Errorf("rounded = %s, want 50005.6", got)
	}

	got, err = RoundToTickSize(d("-50005.55"), d("0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d("-50005.6")) {
		t.Errorf("rounded = %s, want -50005.6", got)
	}
}

func TestRoundToLotSizeFloors(t *testing.T) {
	t.Parallel()

	got, err := RoundToLotSize(d("1.99"), d("0.5"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d("1.5")) {
		t.Errorf("rounded = %s, want 1.5", got)
	}
}

func TestRoundToTickSizeRejectsNonPositiveTick(t *testing.T) {
	t.Parallel()

	if _, err := RoundToTickSize(d("100"), d("0")); err == nil {
		t.Error("expected error for zero tick")
	}
	if _, err := RoundToTickSize(d("100"), d("-1")); err == nil {
		t.Error("expected error for negative tick")
	}
}

func TestFeeAdjustedBreakEven(t *testing.T) {
	t.Parallel()

	be, err := FeeAdjustedBreakEven(d("0.0006"), d("0.0006"), 10, d("0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if !be.Equal(d("1.3")) {
		t.Errorf("breakEvenROI = %s, want 1.3", be)
	}
}

func TestCalcStopLossPriceRejectsInvalidLeverage(t *testing.T) {
	t.Parallel()

	if _, err := CalcStopLossPrice(types.Long, d("100"), d("0.5"), 0); err == nil {
		t.Error("expected error for zero leverage")
	}
	if _, err := CalcStopLossPrice(types.Long, d("100"), d("0.5"), 101); err == nil {
		t.Error("expected error for leverage > 100")
	}
}
