// Package types defines shared data structures used across all packages.
//
// This is the common vocabulary for the orchestrator — side/position shape,
// tick data, stop metadata, trade records, and variant metrics. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a position: Long or Short.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the side opposite to s, used when building reduce-only
// exit payloads (a Long position is closed by a sell).
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// ExitReason enumerates why a trade closed.
type ExitReason string

const (
	ExitStopLoss        ExitReason = "stop_loss"
	ExitTakeProfit       ExitReason = "take_profit"
	ExitSignalReversal   ExitReason = "signal_reversal"
	ExitEmergencyClose   ExitReason = "emergency_close"
	ExitManual           ExitReason = "manual"
)

// CircuitBreakerState is the trip-switch state of a Variant.
type CircuitBreakerState string

const (
	CircuitClosed CircuitBreakerState = "closed"
	CircuitOpen   CircuitBreakerState = "open"
)

// TrailingReason explains why nextStop did or didn't move the stop.
type TrailingReason string

const (
	TrailingNoChange     TrailingReason = "no_change"
	TrailingBreakEven    TrailingReason = "break_even"
	TrailingStaircaseStep TrailingReason = "trailing_step"
)

// StopKind distinguishes stop-loss from take-profit client order IDs.
type StopKind string

const (
	StopKindSL StopKind = "sl"
	StopKindTP StopKind = "tp"
)

// CoordinatorState is the Stop Replace Coordinator's per-symbol state.
type CoordinatorState string

const (
	StateIdle             CoordinatorState = "idle"
	StateCanceling         CoordinatorState = "canceling"
	StatePlacing           CoordinatorState = "placing"
	StateConfirmed         CoordinatorState = "confirmed"
	StateError             CoordinatorState = "error"
	StateEmergencyClosing  CoordinatorState = "emergency_closing"
	StateCriticalUnprotected CoordinatorState = "critical_unprotected"
)

// FillModel selects how the Execution Simulator fills a paper entry.
type FillModel string

const (
	FillTaker             FillModel = "taker"
	FillProbabilisticLimit FillModel = "probabilistic_limit"
)

// Priority is a Rate/Budget Manager priority class.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// RequestOutcome is the result of a Rate/Budget Manager request() call.
type RequestOutcome string

const (
	Allowed  RequestOutcome = "allowed"
	Queued   RequestOutcome = "queued"
	Rejected RequestOutcome = "rejected"
)

// AlertLevel is the three-level alert taxonomy from the error design.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarn     AlertLevel = "warn"
	AlertCritical AlertLevel = "critical"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Tick is a normalized market update for one symbol. Seq is a monotonic
// sequence number; consumers must drop ticks whose Seq regresses.
type Tick struct {
	Symbol      string
	MarkPrice   decimal.Decimal
	LastPrice   decimal.Decimal
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	Spread      decimal.Decimal
	FundingRate decimal.Decimal
	TsExchange  time.Time
	TsLocal     time.Time
	Seq         uint64
}

// SymbolSpecs holds venue-published precision for a symbol.
type SymbolSpecs struct {
	Symbol   string
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Positions and stops
// ————————————————————————————————————————————————————————————————————————

// Position is a real, exchange-backed position owned exclusively by the
// main trader. Mutated only by its owner; destroyed on close.
type Position struct {
	Symbol              string
	Side                Side
	EntryPrice          decimal.Decimal
	Size                decimal.Decimal
	Leverage            int
	RemainingSize       decimal.Decimal
	SLOrderID           string
	EntryOrderID        string
	InitialSL           decimal.Decimal
	CurrentSL           decimal.Decimal
	LastROIStep         int
	BreakEvenArmed      bool
	EntryFeeRate        decimal.Decimal
	ExpectedExitFeeRate decimal.Decimal
	PositionID          string
}

// PaperPosition is a Position plus the bookkeeping a Variant needs. Mutated
// only by its owning Variant; never persisted across restarts.
type PaperPosition struct {
	Position
	Experimental   bool
	VariantID      string
	ConfigSnapshot string
	OpenedAt       time.Time
	LatencyMs      int64
}

// StopMeta tracks the last known state of a symbol's protective stop.
// Revision is a per-symbol monotone counter embedded in client order IDs.
type StopMeta struct {
	LastStopPrice decimal.Decimal
	LastUpdateTs  time.Time
	OrderID       string
	Revision      int64
}

// ————————————————————————————————————————————————————————————————————————
// Trades and metrics
// ————————————————————————————————————————————————————————————————————————

// Trade is a closed-position record.
type Trade struct {
	Entry        decimal.Decimal
	Exit         decimal.Decimal
	Side         Side
	Size         decimal.Decimal
	Leverage     int
	GrossPnl     decimal.Decimal
	NetPnl       decimal.Decimal
	ROI          decimal.Decimal
	TotalFees    decimal.Decimal
	FundingFees  decimal.Decimal
	ExitReason   ExitReason
	OpenedAt     time.Time
	ClosedAt     time.Time
	VariantID    string
	Experimental bool
}

// Metrics aggregates a Variant's (or the overall system's) trading
// performance. Invariant: WinCount + LossCount == TradesCount.
type Metrics struct {
	TradesCount   int
	WinCount      int
	LossCount     int
	TotalNetPnl   decimal.Decimal
	AvgPnLPerTrade decimal.Decimal
	AvgROI        decimal.Decimal
	WinRate       float64
	MaxDrawdown   float64
	PeakBalance   decimal.Decimal
	SharpeRatio   float64
	AvgLatencyMs  float64
	Returns       []float64
}

// ————————————————————————————————————————————————————————————————————————
// Rate/budget and drift
// ————————————————————————————————————————————————————————————————————————

// PriorityBucketState is a snapshot of one priority class's token bucket.
type PriorityBucketState struct {
	CurrentTokens float64
	MaxTokens     float64
	EffectiveRate float64
}

// RateBudgetState is the aggregate snapshot of the Rate/Budget Manager.
type RateBudgetState struct {
	Buckets          map[Priority]PriorityBucketState
	BackoffActive    bool
	BackoffUntil     time.Time
	CurrentBackoffMs int64
	Hits429          int64
	Recoveries       int64
}

// DriftState tracks reconciliation drift. Cleared atomically on a clean
// reconciliation pass; monotonically increases on every detected drift.
type DriftState struct {
	Score        int64
	StartedAt    time.Time
	LastUpdateAt time.Time
}

// HealthStatus is a coarse summary of account-store freshness.
type HealthStatus struct {
	LastPrivateWsHeartbeat time.Time
	Drift                  DriftState
}
