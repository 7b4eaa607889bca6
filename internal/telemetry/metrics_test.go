package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTradeIncrementsCorrectResultLabel(t *testing.T) {
	ObserveTrade("t-metrics-win", true)
	ObserveTrade("t-metrics-loss", false)

	if got := testutil.ToFloat64(variantTrades.WithLabelValues("t-metrics-win", "win")); got != 1 {
		t.Fatalf("win counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(variantTrades.WithLabelValues("t-metrics-loss", "loss")); got != 1 {
		t.Fatalf("loss counter = %v, want 1", got)
	}
}

func TestSetVariantGaugesReflectsCircuitState(t *testing.T) {
	SetVariantGauges("t-metrics-gauges", 12.5, 1.8, 3.2, true)
	if got := testutil.ToFloat64(variantCircuitState.WithLabelValues("t-metrics-gauges")); got != 1 {
		t.Fatalf("circuit state gauge = %v, want 1 (open)", got)
	}
	if got := testutil.ToFloat64(variantNetPnl.WithLabelValues("t-metrics-gauges")); got != 12.5 {
		t.Fatalf("net pnl gauge = %v, want 12.5", got)
	}
}

func TestSampleUpdatesMemoryGauges(t *testing.T) {
	snap := Sample()
	if snap.HeapBytes == 0 {
		t.Fatal("expected non-zero heap sample")
	}
	if got := testutil.ToFloat64(heapBytes); got == 0 {
		t.Fatal("expected heap gauge to be set")
	}
}
