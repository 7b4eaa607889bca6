// ws.go implements the market data WebSocket feed: ticker, order book,
// funding, and candle updates normalized into types.Tick. It auto-reconnects
// with exponential backoff (1s -> 30s max) and reports every reconnect to
// the Rate/Budget Manager for telemetry, grounded on the teacher's WSFeed
// connect/ping/reconnect loop generalized from order-book-only events to the
// full tick surface this orchestrator consumes.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-orchestrator/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	tickBufferSize   = 256
)

// wireTick is the on-the-wire shape for a ticker/book/funding/candle update
// before normalization into types.Tick.
type wireTick struct {
	EventType   string  `json:"event_type"`
	Symbol      string  `json:"symbol"`
	MarkPrice   string  `json:"markPrice"`
	LastPrice   string  `json:"lastPrice"`
	BestBid     string  `json:"bestBid"`
	BestAsk     string  `json:"bestAsk"`
	FundingRate string  `json:"fundingRate"`
	Seq         uint64  `json:"seq"`
	TsExchange  int64   `json:"tsExchange"`
}

// ReconnectReporter receives a reconnect count whenever the feed re-dials,
// satisfied by *ratebudget.Manager without exchange depending on it directly.
type ReconnectReporter interface {
	ReportReconnect()
}

// MarketFeed maintains a single WebSocket connection to the venue's public
// market channel and normalizes every message into a Tick on TickEvents().
type MarketFeed struct {
	url    string
	logger *slog.Logger
	onReconnect ReconnectReporter

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickCh chan types.Tick
}

// NewMarketFeed creates a market data feed. onReconnect may be nil.
func NewMarketFeed(wsURL string, onReconnect ReconnectReporter, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		url:         wsURL,
		logger:      logger.With("component", "ws_market"),
		onReconnect: onReconnect,
		subscribed:  make(map[string]bool),
		tickCh:      make(chan types.Tick, tickBufferSize),
	}
}

// TickEvents returns a read-only channel of normalized ticks.
func (f *MarketFeed) TickEvents() <-chan types.Tick { return f.tickCh }

// Subscribe adds symbols to the live subscription set and, if connected,
// sends the subscribe message immediately.
func (f *MarketFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()
	return f.writeJSON(map[string]any{"operation": "subscribe", "symbols": symbols})
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) error {
	backoff := time.Second
	first := true

	for {
		err := f.connectAndRead(ctx, first)
		first = false
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("market feed disconnected, reconnecting", "error", err, "backoff", backoff)
		if f.onReconnect != nil {
			f.onReconnect.ReportReconnect()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *MarketFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *MarketFeed) connectAndRead(ctx context.Context, initial bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("market feed connected", "initial", initial)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *MarketFeed) resubscribeAll() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()
	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{"operation": "subscribe", "symbols": symbols})
}

func (f *MarketFeed) dispatch(data []byte) {
	var wt wireTick
	if err := json.Unmarshal(data, &wt); err != nil {
		f.logger.Debug("ignoring non-json market message", "data", string(data))
		return
	}
	switch wt.EventType {
	case "ticker", "orderbook", "funding", "candle":
		tick := normalizeTick(wt)
		select {
		case f.tickCh <- tick:
		default:
			f.logger.Warn("tick channel full, dropping event", "symbol", wt.Symbol)
		}
	default:
		f.logger.Debug("ignoring market event", "type", wt.EventType)
	}
}

func normalizeTick(wt wireTick) types.Tick {
	parse := func(s string) (v decimalOrZero) { return parseDecimalOrZero(s) }
	return types.Tick{
		Symbol:      wt.Symbol,
		MarkPrice:   parse(wt.MarkPrice).d,
		LastPrice:   parse(wt.LastPrice).d,
		BestBid:     parse(wt.BestBid).d,
		BestAsk:     parse(wt.BestAsk).d,
		FundingRate: parse(wt.FundingRate).d,
		TsExchange:  time.UnixMilli(wt.TsExchange),
		TsLocal:     time.Now(),
		Seq:         wt.Seq,
	}
}

func (f *MarketFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("ping")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *MarketFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil // queued for the next connect's resubscribeAll
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *MarketFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("market feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
