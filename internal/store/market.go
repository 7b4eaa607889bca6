// Package store holds the two in-memory state snapshots the rest of the
// system reads from: MarketStateStore (latest normalized tick per symbol)
// and AccountStateStore (position/stop/drift bookkeeping).
//
// Both stores follow the same shape the teacher's market.Book uses: an
// RWMutex-protected struct, one exported method per update source, and
// derived read methods that never torn-read a partially applied update.
// Unlike the teacher's file-backed internal/store, there is no disk
// persistence here — variant and account state does not survive a
// restart, intentionally (see DESIGN.md).
package store

import (
	"sync"
	"time"

	"perp-orchestrator/pkg/types"
)

// MarketStateStore holds the latest normalized tick per symbol with
// sequence-guarded last-writer-wins semantics.
type MarketStateStore struct {
	mu    sync.RWMutex
	ticks map[string]types.Tick
}

// NewMarketStateStore creates an empty market store.
func NewMarketStateStore() *MarketStateStore {
	return &MarketStateStore{ticks: make(map[string]types.Tick)}
}

// UpdateFromTicker applies a new mark/last/bid/ask tick. Out-of-order
// updates (seq strictly less than the stored seq) are silently dropped.
func (m *MarketStateStore) UpdateFromTicker(tick types.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.ticks[tick.Symbol]
	if ok && tick.Seq < existing.Seq {
		return
	}
	if tick.Seq < existing.Seq+1 {
		tick.Seq = existing.Seq + 1
	}
	m.ticks[tick.Symbol] = tick
}

// UpdateFromOrderBook refreshes only the bid/ask/spread fields, preserving
// whatever mark/last price is already stored — each updater mutates only
// the fields it owns.
func (m *MarketStateStore) UpdateFromOrderBook(symbol string, bestBid, bestAsk types.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.ticks[symbol]
	if !ok {
		existing = types.Tick{Symbol: symbol}
	}
	if bestBid.Seq < existing.Seq {
		return
	}
	existing.BestBid = bestBid.BestBid
	existing.BestAsk = bestAsk.BestAsk
	existing.Spread = bestAsk.BestAsk.Sub(bestBid.BestBid)
	existing.Seq = existing.Seq + 1
	existing.TsLocal = time.Now()
	m.ticks[symbol] = existing
}

// UpdateFromFunding refreshes only the funding rate field.
func (m *MarketStateStore) UpdateFromFunding(symbol string, fundingRate types.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.ticks[symbol]
	if !ok {
		existing = types.Tick{Symbol: symbol}
	}
	existing.FundingRate = fundingRate.FundingRate
	existing.TsLocal = time.Now()
	m.ticks[symbol] = existing
}

// UpdateFromCandle refreshes only the last-trade price field.
func (m *MarketStateStore) UpdateFromCandle(symbol string, lastPrice types.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.ticks[symbol]
	if !ok {
		existing = types.Tick{Symbol: symbol}
	}
	existing.LastPrice = lastPrice.LastPrice
	existing.TsLocal = time.Now()
	m.ticks[symbol] = existing
}

// UpdateIndicators is a no-op marker updater: indicator evaluation is an
// external collaborator (an injected pure function), so this store never
// holds indicator values itself — it only exists so callers that poll
// indicators alongside market data have a single store to read everything
// else from.
func (m *MarketStateStore) UpdateIndicators(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.ticks[symbol]; ok {
		existing.TsLocal = time.Now()
		m.ticks[symbol] = existing
	}
}

// GetTick returns the current snapshot for a symbol.
func (m *MarketStateStore) GetTick(symbol string) (types.Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.ticks[symbol]
	return t, ok
}
