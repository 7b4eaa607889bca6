package reconcile

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/ratebudget"
	"perp-orchestrator/internal/stopengine"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/pkg/types"
)

type fakeClient struct {
	mu        sync.Mutex
	positions []types.ExchangePosition
	openStops map[string][]types.OpenStopOrder
	placed    int
}

func (f *fakeClient) PlaceOrder(ctx context.Context, payload types.ExitOrderPayload) (types.PlaceOrderResult, error) {
	return types.PlaceOrderResult{OrderID: "exit-1"}, nil
}

func (f *fakeClient) PlaceStopOrder(ctx context.Context, payload types.StopOrderPayload) (types.PlaceOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed++
	return types.PlaceOrderResult{OrderID: "stop-1", Price: payload.StopPrice}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, orderID string) error     { return nil }
func (f *fakeClient) CancelStopOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeClient) GetAllPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeClient) GetOpenStopOrders(ctx context.Context, symbol string) ([]types.OpenStopOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openStops[symbol], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStopManager(client *fakeClient) *stopengine.Manager {
	bus := events.New(testLogger())
	rateMgr := ratebudget.New(ratebudget.DefaultConfig(), bus, testLogger())
	account := store.NewAccountStateStore()
	m := stopengine.NewManager(stopengine.DefaultManagerConfig(), client, rateMgr, account, bus, testLogger())
	m.RegisterSymbol(types.SymbolSpecs{Symbol: "BTC-PERP", TickSize: decimal.NewFromFloat(0.1), LotSize: decimal.NewFromFloat(0.001)})
	return m
}

func TestGhostPositionHaltsAndClearsLocal(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	account := store.NewAccountStateStore()
	account.RecordPosition(types.Position{Symbol: "BTC-PERP", Side: types.Long, RemainingSize: decimal.NewFromInt(1)})

	stopMgr := newTestStopManager(client)
	bus := events.New(testLogger())

	var halted bool
	var haltedReason string
	halt := func(reason string) { halted = true; haltedReason = reason }

	r := New(DefaultConfig(), client, account, stopMgr, bus, halt, testLogger())
	r.Tick(context.Background())

	if !halted {
		t.Fatal("expected halt() to be called for a ghost position")
	}
	if haltedReason == "" {
		t.Error("expected a non-empty halt reason")
	}
	if _, ok := account.GetPosition("BTC-PERP"); ok {
		t.Error("expected the ghost position to be cleared locally")
	}
}

func TestMissingStopTriggersReplace(t *testing.T) {
	t.Parallel()
	client := &fakeClient{positions: []types.ExchangePosition{{Symbol: "BTC-PERP", CurrentQty: "1"}}}
	account := store.NewAccountStateStore()
	account.RecordPosition(types.Position{
		Symbol: "BTC-PERP", Side: types.Long, RemainingSize: decimal.NewFromFloat(0.02),
		CurrentSL: decimal.NewFromFloat(49984.99), PositionID: "pos1",
	})

	stopMgr := newTestStopManager(client)
	bus := events.New(testLogger())
	r := New(DefaultConfig(), client, account, stopMgr, bus, nil, testLogger())

	r.Tick(context.Background())

	if client.placed == 0 {
		t.Error("expected a missing stop to trigger a replaceStopLoss call")
	}
}

func TestCleanPassClearsDrift(t *testing.T) {
	t.Parallel()
	client := &fakeClient{positions: []types.ExchangePosition{{Symbol: "BTC-PERP", CurrentQty: "1"}}}
	account := store.NewAccountStateStore()
	account.RegisterDrift() // pre-existing drift from a prior pass
	account.RecordPosition(types.Position{
		Symbol: "BTC-PERP", Side: types.Long, RemainingSize: decimal.NewFromFloat(0.02),
		CurrentSL: decimal.NewFromFloat(49984.99), PositionID: "pos1",
	})

	stopMgr := newTestStopManager(client)
	// Seed an already-correct stop order so VerifyStops reports neither
	// missing nor wrong.
	client.openStops = map[string][]types.OpenStopOrder{
		"BTC-PERP": {{OrderID: "o1", ClientOid: "stop:BTC-PERP:pos1:sl:1", StopPrice: "49984.99"}},
	}

	bus := events.New(testLogger())
	r := New(DefaultConfig(), client, account, stopMgr, bus, nil, testLogger())
	r.Tick(context.Background())

	health := account.GetHealthStatus()
	if health.Drift.Score != 0 {
		t.Errorf("drift score = %d, want 0 after a clean reconciliation pass", health.Drift.Score)
	}
}

func TestUnexpectedExchangePositionDoesNotPanic(t *testing.T) {
	t.Parallel()
	client := &fakeClient{positions: []types.ExchangePosition{{Symbol: "ETH-PERP", CurrentQty: "5"}}}
	account := store.NewAccountStateStore()
	stopMgr := newTestStopManager(client)
	bus := events.New(testLogger())
	r := New(DefaultConfig(), client, account, stopMgr, bus, nil, testLogger())

	r.Tick(context.Background()) // must not panic and must not register drift
	health := account.GetHealthStatus()
	if health.Drift.Score != 0 {
		t.Errorf("drift score = %d, want 0 for an unexpected (not ghost) position", health.Drift.Score)
	}
}
