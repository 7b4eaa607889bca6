package stopengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/errs"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/exchange"
	"perp-orchestrator/internal/orders"
	"perp-orchestrator/internal/quant"
	"perp-orchestrator/internal/ratebudget"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/pkg/types"
)

// ManagerConfig holds the §6 debounce/slippage tunables.
type ManagerConfig struct {
	StopPriceType        string // must be "MP"
	SlippageBufferPercent decimal.Decimal
	MinUpdateInterval     time.Duration
	MinMoveTicks          int64
	Coordinator           CoordinatorConfig
}

// DefaultManagerConfig returns the §6/§4.8 defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StopPriceType:         "MP",
		SlippageBufferPercent: decimal.Zero,
		MinUpdateInterval:     1500 * time.Millisecond,
		MinMoveTicks:          2,
		Coordinator:           DefaultCoordinatorConfig(),
	}
}

// Validate enforces the config precondition: STOP_PRICE_TYPE must be "MP".
func (c ManagerConfig) Validate() error {
	if c.StopPriceType != "MP" {
		return errs.InvalidInput("stopManagerConfig", fmt.Errorf(`stopPriceType must be "MP", got %q`, c.StopPriceType))
	}
	return nil
}

// ReplaceOutcome is the externally visible result of replaceStopLoss.
type ReplaceOutcome struct {
	Skipped   bool
	Success   bool
	OrderID   string
	StopPrice decimal.Decimal
}

// VerifyResult is the result of verifyStops.
type VerifyResult struct {
	MissingStop      bool
	WrongStop        bool
	CurrentStopPrice decimal.Decimal
}

// Manager is the Stop Manager (C8): it owns one Coordinator per symbol and
// converts trading intent into validated, idempotent, debounced calls.
type Manager struct {
	cfg     ManagerConfig
	client  exchange.Client
	rateMgr *ratebudget.Manager
	account *store.AccountStateStore
	bus     *events.Bus
	logger  *slog.Logger

	mu           sync.Mutex
	coordinators map[string]*Coordinator
	specs        map[string]types.SymbolSpecs
}

// NewManager creates a Stop Manager. Panics-equivalent: callers must check
// cfg.Validate() before constructing, matching C4's "fatal to the call"
// posture for a misconfigured stopPriceType.
func NewManager(cfg ManagerConfig, client exchange.Client, rateMgr *ratebudget.Manager, account *store.AccountStateStore, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		client:       client,
		rateMgr:      rateMgr,
		account:      account,
		bus:          bus,
		logger:       logger.With("component", "stop_manager"),
		coordinators: make(map[string]*Coordinator),
		specs:        make(map[string]types.SymbolSpecs),
	}
}

// RegisterSymbol records the venue-published tick/lot precision for a
// symbol; required before any replaceStopLoss call for that symbol.
func (m *Manager) RegisterSymbol(specs types.SymbolSpecs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[specs.Symbol] = specs
}

func (m *Manager) coordinatorFor(symbol string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coordinators[symbol]
	if !ok {
		c = NewCoordinator(symbol, m.client, m.rateMgr, m.bus, m.cfg.Coordinator, m.logger)
		m.coordinators[symbol] = c
	}
	return c
}

// EnsureInitialStops places the first protective stop for a freshly opened
// position using position.InitialSL.
func (m *Manager) EnsureInitialStops(ctx context.Context, position types.Position) (ReplaceOutcome, error) {
	return m.ReplaceStopLoss(ctx, position.Symbol, position.Side, position.RemainingSize, position.InitialSL, position.PositionID, "")
}

// ReplaceStopLoss applies a slippage buffer, rounds to venue precision,
// debounces against the last known stop, and — if a real move is warranted
// — delegates to the Coordinator via C3's critical class.
func (m *Manager) ReplaceStopLoss(ctx context.Context, symbol string, side types.Side, size, stopPrice decimal.Decimal, positionID, existingOrderID string) (ReplaceOutcome, error) {
	m.mu.Lock()
	specs, ok := m.specs[symbol]
	m.mu.Unlock()
	if !ok {
		return ReplaceOutcome{}, errs.InvalidInput("replaceStopLoss", fmt.Errorf("symbol %s not registered", symbol))
	}

	coord := m.coordinatorFor(symbol)
	if existingOrderID != "" && coord.CurrentOrderID() == "" {
		coord.SeedOrderID(existingOrderID)
	}

	adjusted := applySlippageBuffer(side, stopPrice, m.cfg.SlippageBufferPercent)
	roundedStop, err := quant.RoundToTickSize(adjusted, specs.TickSize)
	if err != nil {
		return ReplaceOutcome{}, err
	}
	roundedSize, err := quant.RoundToLotSize(size, specs.LotSize)
	if err != nil {
		return ReplaceOutcome{}, err
	}

	meta := m.account.GetStopMeta(symbol)
	if m.shouldDebounce(meta, roundedStop, specs.TickSize) {
		return ReplaceOutcome{Skipped: true, OrderID: meta.OrderID, StopPrice: meta.LastStopPrice}, nil
	}

	revision := m.account.NextStopRevision(symbol)
	clientOid := fmt.Sprintf("stop:%s:%s:%s:%d", symbol, positionID, types.StopKindSL, revision)
	stopDir := types.StopDown
	if side == types.Short {
		stopDir = types.StopUp
	}
	payload := orders.SanitizeStop(clientOid, orderSideFor(side), symbol, stopDir, roundedStop.String(), roundedSize.String())
	if payload.StopPriceType != m.cfg.StopPriceType {
		return ReplaceOutcome{}, errs.InvalidInput("replaceStopLoss", fmt.Errorf("stopPriceType mismatch"))
	}
	if err := orders.ValidateStopOrder(payload, side); err != nil {
		return ReplaceOutcome{}, err
	}

	result, err := coord.ReplaceStopOrder(ctx, ReplaceParams{PositionID: positionID, Side: side, Payload: payload})
	if err != nil {
		return ReplaceOutcome{}, err
	}

	m.account.RecordStopUpdate(symbol, types.StopMeta{LastStopPrice: roundedStop, OrderID: result.OrderID, Revision: revision})
	return ReplaceOutcome{Success: result.Success, OrderID: result.OrderID, StopPrice: roundedStop}, nil
}

// shouldDebounce implements §4.8 step 3: skip when both the time and price
// deltas since the last recorded stop are below threshold.
func (m *Manager) shouldDebounce(meta types.StopMeta, candidate decimal.Decimal, tick decimal.Decimal) bool {
	if meta.LastUpdateTs.IsZero() {
		return false
	}
	sinceLast := time.Since(meta.LastUpdateTs)
	if sinceLast >= m.cfg.MinUpdateInterval {
		return false
	}
	moveTicks := candidate.Sub(meta.LastStopPrice).Abs().Div(tick)
	minMove := decimal.NewFromInt(m.cfg.MinMoveTicks)
	return moveTicks.LessThan(minMove)
}

// VerifyStops enumerates open stop orders owned by this system (clientOid
// prefix stop:<symbol>:) and compares the latest against desiredStopPrice.
func (m *Manager) VerifyStops(ctx context.Context, symbol string, desiredStopPrice decimal.Decimal) (VerifyResult, error) {
	m.mu.Lock()
	specs, ok := m.specs[symbol]
	m.mu.Unlock()
	if !ok {
		return VerifyResult{}, errs.InvalidInput("verifyStops", fmt.Errorf("symbol %s not registered", symbol))
	}

	open, err := m.client.GetOpenStopOrders(ctx, symbol)
	if err != nil {
		return VerifyResult{}, err
	}
	prefix := "stop:" + symbol + ":"
	var latest *types.OpenStopOrder
	for i := range open {
		if strings.HasPrefix(open[i].ClientOid, prefix) {
			latest = &open[i]
		}
	}
	if latest == nil {
		return VerifyResult{MissingStop: true}, nil
	}

	currentPrice, err := decimal.NewFromString(latest.StopPrice)
	if err != nil {
		return VerifyResult{}, errs.InvalidInput("verifyStops", fmt.Errorf("unparseable stopPrice %q", latest.StopPrice))
	}
	tolerance := specs.TickSize
	wrong := currentPrice.Sub(desiredStopPrice).Abs().GreaterThan(tolerance)
	return VerifyResult{WrongStop: wrong, CurrentStopPrice: currentPrice}, nil
}

// applySlippageBuffer widens the stop slightly: a long's stop moves further
// down, a short's stop moves further up, so the trigger is less likely to
// be grazed by noise.
func applySlippageBuffer(side types.Side, stopPrice, bufferPercent decimal.Decimal) decimal.Decimal {
	if bufferPercent.IsZero() {
		return stopPrice
	}
	factor := bufferPercent.Div(decimal.NewFromInt(100))
	move := stopPrice.Mul(factor)
	if side == types.Long {
		return stopPrice.Sub(move)
	}
	return stopPrice.Add(move)
}

func orderSideFor(positionSide types.Side) string {
	if positionSide == types.Long {
		return "sell"
	}
	return "buy"
}
