package stopengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"perp-orchestrator/internal/errs"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/ratebudget"
	"perp-orchestrator/pkg/types"
)

// mockClient is a scripted exchange.Client double: the first failCount calls
// to PlaceStopOrder return a transient error, after which every call
// succeeds. PlaceOrder (used by emergencyClose) is scripted independently.
type mockClient struct {
	mu sync.Mutex

	failPlaceStopCount int
	placeStopCalls     int
	cancelCalls        int

	alwaysFailEmergency bool
	emergencyCalls      int

	seq int
}

func (m *mockClient) nextID() string {
	m.seq++
	return fmt.Sprintf("order-%d", m.seq)
}

func (m *mockClient) PlaceOrder(ctx context.Context, payload types.ExitOrderPayload) (types.PlaceOrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyCalls++
	if m.alwaysFailEmergency {
		return types.PlaceOrderResult{}, errs.TransientExchange("placeOrder", fmt.Errorf("simulated emergency failure"))
	}
	return types.PlaceOrderResult{OrderID: m.nextID()}, nil
}

func (m *mockClient) PlaceStopOrder(ctx context.Context, payload types.StopOrderPayload) (types.PlaceOrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeStopCalls++
	if m.placeStopCalls <= m.failPlaceStopCount {
		return types.PlaceOrderResult{}, errs.TransientExchange("placeStopOrder", fmt.Errorf("simulated transient failure %d", m.placeStopCalls))
	}
	return types.PlaceOrderResult{OrderID: m.nextID(), Price: payload.StopPrice}, nil
}

func (m *mockClient) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (m *mockClient) CancelStopOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	return nil
}

func (m *mockClient) GetAllPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	return nil, nil
}

func (m *mockClient) GetOpenStopOrders(ctx context.Context, symbol string) ([]types.OpenStopOrder, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastRateManager() *ratebudget.Manager {
	cfg := ratebudget.DefaultConfig()
	return ratebudget.New(cfg, events.New(testLogger()), testLogger())
}

func testPayload(symbol, positionID string, side types.Side, stopPrice string) types.StopOrderPayload {
	stopDir := types.StopDown
	if side == types.Short {
		stopDir = types.StopUp
	}
	wireSide := "sell"
	if side == types.Short {
		wireSide = "buy"
	}
	return types.StopOrderPayload{
		ClientOid:     fmt.Sprintf("stop:%s:%s:sl:1", symbol, positionID),
		Side:          wireSide,
		Symbol:        symbol,
		Type:          "market",
		Stop:          string(stopDir),
		StopPrice:     stopPrice,
		StopPriceType: "MP",
		Size:          "0.02",
		ReduceOnly:    true,
	}
}

func TestReplaceStopOrderHappyPath(t *testing.T) {
	t.Parallel()
	client := &mockClient{}
	bus := events.New(testLogger())
	coord := NewCoordinator("BTC-PERP", client, fastRateManager(), bus, DefaultCoordinatorConfig(), testLogger())
	defer coord.Stop()

	res, err := coord.ReplaceStopOrder(context.Background(), ReplaceParams{
		PositionID: "pos1", Side: types.Long, Payload: testPayload("BTC-PERP", "pos1", types.Long, "49984.99"),
	})
	if err != nil {
		t.Fatalf("ReplaceStopOrder: %v", err)
	}
	if !res.Success || res.OrderID == "" {
		t.Fatalf("expected success with an orderId, got %+v", res)
	}
	if res.FinalState != types.StateIdle {
		t.Errorf("finalState = %v, want Idle", res.FinalState)
	}
}

func TestReplaceStopOrderRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	client := &mockClient{failPlaceStopCount: 2}
	bus := events.New(testLogger())
	cfg := DefaultCoordinatorConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	coord := NewCoordinator("ETH-PERP", client, fastRateManager(), bus, cfg, testLogger())
	defer coord.Stop()

	res, err := coord.ReplaceStopOrder(context.Background(), ReplaceParams{
		PositionID: "pos2", Side: types.Long, Payload: testPayload("ETH-PERP", "pos2", types.Long, "3000"),
	})
	if err != nil {
		t.Fatalf("ReplaceStopOrder: %v", err)
	}
	if !res.Success {
		t.Fatal("expected eventual success after retries")
	}
	if client.placeStopCalls != 3 {
		t.Errorf("placeStopCalls = %d, want 3 (2 failures + 1 success)", client.placeStopCalls)
	}
}

func TestReplaceStopOrderEscalatesToSuccessfulEmergencyClose(t *testing.T) {
	t.Parallel()
	client := &mockClient{failPlaceStopCount: 1000} // always fails
	bus := events.New(testLogger())
	cfg := DefaultCoordinatorConfig()
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	coord := NewCoordinator("BTC-PERP", client, fastRateManager(), bus, cfg, testLogger())
	defer coord.Stop()

	res, err := coord.ReplaceStopOrder(context.Background(), ReplaceParams{
		PositionID: "pos3", Side: types.Long, Payload: testPayload("BTC-PERP", "pos3", types.Long, "49000"),
	})
	if err == nil {
		t.Fatal("expected a StopUnprotected error alongside the successful emergency close")
	}
	if !errs.Is(err, errs.KindStopUnprotected) {
		t.Errorf("err kind = %v, want StopUnprotected", err)
	}
	if !res.Success {
		t.Error("expected emergency close itself to report success")
	}
	if client.emergencyCalls != 1 {
		t.Errorf("emergencyCalls = %d, want 1", client.emergencyCalls)
	}
}

func TestReplaceStopOrderEscalatesToCriticalUnprotected(t *testing.T) {
	t.Parallel()
	client := &mockClient{failPlaceStopCount: 1000, alwaysFailEmergency: true}
	bus := events.New(testLogger())
	cfg := DefaultCoordinatorConfig()
	cfg.MaxRetries = 1
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	coord := NewCoordinator("BTC-PERP", client, fastRateManager(), bus, cfg, testLogger())
	defer coord.Stop()

	res, err := coord.ReplaceStopOrder(context.Background(), ReplaceParams{
		PositionID: "pos4", Side: types.Long, Payload: testPayload("BTC-PERP", "pos4", types.Long, "49000"),
	})
	if err == nil || !errs.Is(err, errs.KindCriticalUnprotected) {
		t.Fatalf("expected CriticalUnprotected error, got %v", err)
	}
	if res.FinalState != types.StateCriticalUnprotected {
		t.Errorf("finalState = %v, want CriticalUnprotected", res.FinalState)
	}
}
