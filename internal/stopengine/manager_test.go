package stopengine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/pkg/types"
)

func dd(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestManager(client *mockClient) *Manager {
	cfg := DefaultManagerConfig()
	bus := events.New(testLogger())
	account := store.NewAccountStateStore()
	m := NewManager(cfg, client, fastRateManager(), account, bus, testLogger())
	m.RegisterSymbol(types.SymbolSpecs{Symbol: "BTC-PERP", TickSize: dd("0.1"), LotSize: dd("0.001")})
	return m
}

func TestReplaceStopLossPlacesInitialStop(t *testing.T) {
	t.Parallel()
	client := &mockClient{}
	m := newTestManager(client)

	out, err := m.ReplaceStopLoss(context.Background(), "BTC-PERP", types.Long, dd("0.02"), dd("49984.99"), "pos1", "")
	if err != nil {
		t.Fatalf("ReplaceStopLoss: %v", err)
	}
	if out.Skipped {
		t.Fatal("expected the first call to not be skipped")
	}
	if !out.Success || out.OrderID == "" {
		t.Fatalf("expected success with an orderId, got %+v", out)
	}
}

func TestReplaceStopLossDebouncesRapidSmallMove(t *testing.T) {
	t.Parallel()
	client := &mockClient{}
	m := newTestManager(client)

	first, err := m.ReplaceStopLoss(context.Background(), "BTC-PERP", types.Long, dd("0.02"), dd("50005"), "pos1", "")
	if err != nil {
		t.Fatalf("first ReplaceStopLoss: %v", err)
	}
	if first.Skipped {
		t.Fatal("first call should not be skipped")
	}

	// Second call arrives immediately with a sub-threshold move (< 2 ticks
	// of 0.1 = 0.2), matching spec scenario 5.
	second, err := m.ReplaceStopLoss(context.Background(), "BTC-PERP", types.Long, dd("0.02"), dd("50005.05"), "pos1", "")
	if err != nil {
		t.Fatalf("second ReplaceStopLoss: %v", err)
	}
	if !second.Skipped {
		t.Fatal("expected the second call to be debounced (skipped)")
	}
	if client.placeStopCalls != 1 {
		t.Errorf("placeStopCalls = %d, want 1 (debounce must prevent a second exchange call)", client.placeStopCalls)
	}
}

func TestReplaceStopLossAllowsMoveAfterInterval(t *testing.T) {
	t.Parallel()
	client := &mockClient{}
	m := newTestManager(client)
	m.cfg.MinUpdateInterval = 10 * time.Millisecond

	if _, err := m.ReplaceStopLoss(context.Background(), "BTC-PERP", types.Long, dd("0.02"), dd("50005"), "pos1", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	out, err := m.ReplaceStopLoss(context.Background(), "BTC-PERP", types.Long, dd("0.02"), dd("50005.05"), "pos1", "")
	if err != nil {
		t.Fatalf("ReplaceStopLoss: %v", err)
	}
	if out.Skipped {
		t.Error("expected the replace to proceed once the debounce interval has elapsed")
	}
	if client.placeStopCalls != 2 {
		t.Errorf("placeStopCalls = %d, want 2", client.placeStopCalls)
	}
}

func TestReplaceStopLossRejectsUnregisteredSymbol(t *testing.T) {
	t.Parallel()
	client := &mockClient{}
	m := newTestManager(client)

	_, err := m.ReplaceStopLoss(context.Background(), "UNKNOWN-PERP", types.Long, dd("0.02"), dd("100"), "pos1", "")
	if err == nil {
		t.Error("expected an error for an unregistered symbol")
	}
}

func TestManagerConfigValidateRejectsWrongStopPriceType(t *testing.T) {
	t.Parallel()
	cfg := DefaultManagerConfig()
	cfg.StopPriceType = "LAST"
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to reject a non-MP stopPriceType")
	}
}
