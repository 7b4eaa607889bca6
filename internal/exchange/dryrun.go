package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"perp-orchestrator/pkg/types"
)

// DryRunClient satisfies Client without ever calling the network, grounded
// on the teacher's cfg.DryRun early-return idiom in PostOrders/CancelOrders.
// It is the adapter the orchestrator wires up when running against the
// Execution Simulator instead of a live venue.
type DryRunClient struct {
	logger *slog.Logger
	seq    int64

	mu    sync.Mutex
	stops map[string]types.OpenStopOrder // orderID -> resting stop, keyed globally
}

// NewDryRunClient creates a dry-run adapter.
func NewDryRunClient(logger *slog.Logger) *DryRunClient {
	return &DryRunClient{
		logger: logger.With("component", "exchange_dryrun"),
		stops:  make(map[string]types.OpenStopOrder),
	}
}

func (d *DryRunClient) nextID(prefix string) string {
	n := atomic.AddInt64(&d.seq, 1)
	return fmt.Sprintf("dry-run-%s-%d", prefix, n)
}

func (d *DryRunClient) PlaceOrder(ctx context.Context, payload types.ExitOrderPayload) (types.PlaceOrderResult, error) {
	d.logger.Info("DRY-RUN: would place exit order", "clientOid", payload.ClientOid, "symbol", payload.Symbol)
	return types.PlaceOrderResult{OrderID: d.nextID("exit")}, nil
}

func (d *DryRunClient) PlaceStopOrder(ctx context.Context, payload types.StopOrderPayload) (types.PlaceOrderResult, error) {
	id := d.nextID("stop")
	d.logger.Info("DRY-RUN: would place stop order", "clientOid", payload.ClientOid, "symbol", payload.Symbol, "stopPrice", payload.StopPrice)

	d.mu.Lock()
	d.stops[id] = types.OpenStopOrder{OrderID: id, ClientOid: payload.ClientOid, StopPrice: payload.StopPrice}
	d.mu.Unlock()

	return types.PlaceOrderResult{OrderID: id, Price: payload.StopPrice}, nil
}

func (d *DryRunClient) CancelOrder(ctx context.Context, orderID string) error {
	d.logger.Info("DRY-RUN: would cancel order", "orderId", orderID)
	return nil
}

func (d *DryRunClient) CancelStopOrder(ctx context.Context, orderID string) error {
	d.logger.Info("DRY-RUN: would cancel stop order", "orderId", orderID)
	d.mu.Lock()
	delete(d.stops, orderID)
	d.mu.Unlock()
	return nil
}

func (d *DryRunClient) GetAllPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	return nil, nil
}

func (d *DryRunClient) GetOpenStopOrders(ctx context.Context, symbol string) ([]types.OpenStopOrder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := "stop:" + symbol + ":"
	out := make([]types.OpenStopOrder, 0, len(d.stops))
	for _, o := range d.stops {
		if strings.HasPrefix(o.ClientOid, prefix) {
			out = append(out, o)
		}
	}
	return out, nil
}
