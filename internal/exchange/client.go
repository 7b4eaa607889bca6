// Package exchange implements the venue REST and WebSocket adapters injected
// into the orchestrator (§6 External Interfaces): order placement/cancel,
// stop-order placement/cancel, position and open-stop-order reads, and the
// market data feed. Every mutating call is governed upstream by the
// Rate/Budget Manager — this package never rate-limits itself — and 429s are
// surfaced as a distinguishable error kind so the Stop Replace Coordinator
// can feed them back into C3.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"perp-orchestrator/internal/errs"
	"perp-orchestrator/pkg/types"
)

// Client is the exchange adapter interface every trading component depends
// on, never a concrete transport. A dry-run and a REST implementation both
// satisfy it.
type Client interface {
	PlaceOrder(ctx context.Context, payload types.ExitOrderPayload) (types.PlaceOrderResult, error)
	PlaceStopOrder(ctx context.Context, payload types.StopOrderPayload) (types.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelStopOrder(ctx context.Context, orderID string) error
	GetAllPositions(ctx context.Context) ([]types.ExchangePosition, error)
	GetOpenStopOrders(ctx context.Context, symbol string) ([]types.OpenStopOrder, error)
}

// RESTClient is the live venue adapter. It wraps a resty HTTP client with
// retry on 5xx/network errors; 429s are never retried here — they are
// surfaced to the caller so C7 can feed Report429() into C3.
type RESTClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewRESTClient creates a REST client against baseURL with a fixed timeout
// and retry on transient server errors only.
func NewRESTClient(baseURL string, timeout time.Duration, logger *slog.Logger) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{http: httpClient, logger: logger.With("component", "exchange")}
}

type orderResponseEnvelope struct {
	Data struct {
		OrderID string `json:"orderId"`
		Price   string `json:"price"`
	} `json:"data"`
}

type positionsEnvelope struct {
	Data []types.ExchangePosition `json:"data"`
}

type openStopOrdersEnvelope struct {
	Data struct {
		Items []types.OpenStopOrder `json:"items"`
	} `json:"data"`
}

// PlaceOrder submits a reduce-only market exit order.
func (c *RESTClient) PlaceOrder(ctx context.Context, payload types.ExitOrderPayload) (types.PlaceOrderResult, error) {
	var out orderResponseEnvelope
	resp, err := c.http.R().SetContext(ctx).SetBody(payload).SetResult(&out).Post("/orders")
	if err != nil {
		return types.PlaceOrderResult{}, errs.TransientExchange("placeOrder", err)
	}
	if classErr := classifyStatus("placeOrder", resp); classErr != nil {
		return types.PlaceOrderResult{}, classErr
	}
	if out.Data.OrderID == "" {
		return types.PlaceOrderResult{}, errs.PermanentExchange("placeOrder", fmt.Errorf("response missing orderId"))
	}
	return types.PlaceOrderResult{OrderID: out.Data.OrderID, Price: out.Data.Price}, nil
}

// PlaceStopOrder submits a stop-loss/take-profit trigger order.
func (c *RESTClient) PlaceStopOrder(ctx context.Context, payload types.StopOrderPayload) (types.PlaceOrderResult, error) {
	var out orderResponseEnvelope
	resp, err := c.http.R().SetContext(ctx).SetBody(payload).SetResult(&out).Post("/stop-orders")
	if err != nil {
		return types.PlaceOrderResult{}, errs.TransientExchange("placeStopOrder", err)
	}
	if classErr := classifyStatus("placeStopOrder", resp); classErr != nil {
		return types.PlaceOrderResult{}, classErr
	}
	if out.Data.OrderID == "" {
		return types.PlaceOrderResult{}, errs.PermanentExchange("placeStopOrder", fmt.Errorf("response missing orderId"))
	}
	return types.PlaceOrderResult{OrderID: out.Data.OrderID, Price: out.Data.Price}, nil
}

// CancelOrder cancels a resting market/limit order. An order already filled
// or canceled venue-side is reported as success (OrderAlreadyTerminal), not
// a failure.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.cancel(ctx, "/orders/"+orderID, "cancelOrder")
}

// CancelStopOrder cancels a resting stop trigger order.
func (c *RESTClient) CancelStopOrder(ctx context.Context, orderID string) error {
	return c.cancel(ctx, "/stop-orders/"+orderID, "cancelStopOrder")
}

func (c *RESTClient) cancel(ctx context.Context, path, op string) error {
	resp, err := c.http.R().SetContext(ctx).Delete(path)
	if err != nil {
		return errs.TransientExchange(op, err)
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusConflict {
		return errs.OrderAlreadyTerminal(op, fmt.Errorf("order already terminal: status %d", resp.StatusCode()))
	}
	return classifyStatus(op, resp)
}

// GetAllPositions fetches every open position the venue currently holds for
// this account.
func (c *RESTClient) GetAllPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	var out positionsEnvelope
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/positions")
	if err != nil {
		return nil, errs.TransientExchange("getAllPositions", err)
	}
	if classErr := classifyStatus("getAllPositions", resp); classErr != nil {
		return nil, classErr
	}
	return out.Data, nil
}

// GetOpenStopOrders lists resting stop orders for a symbol.
func (c *RESTClient) GetOpenStopOrders(ctx context.Context, symbol string) ([]types.OpenStopOrder, error) {
	var out openStopOrdersEnvelope
	resp, err := c.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&out).Get("/stop-orders")
	if err != nil {
		return nil, errs.TransientExchange("getOpenStopOrders", err)
	}
	if classErr := classifyStatus("getOpenStopOrders", resp); classErr != nil {
		return nil, classErr
	}
	return out.Data.Items, nil
}

// classifyStatus maps an HTTP response status to a domain error kind. 429 and
// 5xx are transient; other 4xx are permanent rejections.
func classifyStatus(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return errs.RateLimited(op, fmt.Errorf("status 429: %s", resp.String()))
	case code >= 500:
		return errs.TransientExchange(op, fmt.Errorf("status %d: %s", code, resp.String()))
	default:
		return errs.PermanentExchange(op, fmt.Errorf("status %d: %s", code, resp.String()))
	}
}
