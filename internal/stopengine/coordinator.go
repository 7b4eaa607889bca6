// Package stopengine implements the Stop Replace Coordinator (C7) and Stop
// Manager (C8): a per-symbol serialized cancel-then-place state machine with
// retry, idempotency, and an emergency-close escalation path, grounded on
// the teacher's per-market single-worker queue idiom (one goroutine draining
// a buffered job channel owns all mutable state for that key, so callers
// never touch currentOrderID or state directly).
package stopengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"perp-orchestrator/internal/errs"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/exchange"
	"perp-orchestrator/internal/orders"
	"perp-orchestrator/internal/ratebudget"
	"perp-orchestrator/pkg/types"
)

// CoordinatorConfig tunes retry/backoff behavior.
type CoordinatorConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultCoordinatorConfig returns the §4.7 defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// ReplaceParams is the caller's intent for one replacement cycle.
type ReplaceParams struct {
	PositionID string
	Side       types.Side
	Payload    types.StopOrderPayload
}

// ReplaceResult is the outcome of a replaceStopOrder call.
type ReplaceResult struct {
	Success    bool
	OrderID    string
	FinalState types.CoordinatorState
}

type job struct {
	kind     string // "replace" or "emergency"
	replace  ReplaceParams
	emerg    emergencyParams
	resultCh chan jobResult
}

type jobResult struct {
	replace ReplaceResult
	err     error
}

type emergencyParams struct {
	positionID string
	side       types.Side
	size       string
	exitReason types.ExitReason
}

// Coordinator is the per-symbol cancel-then-place state machine. It owns
// currentOrderID and state exclusively via its single worker goroutine —
// no other code ever mutates them.
type Coordinator struct {
	symbol  string
	client  exchange.Client
	rateMgr *ratebudget.Manager
	bus     *events.Bus
	logger  *slog.Logger
	cfg     CoordinatorConfig

	jobCh chan job
	done  chan struct{}

	currentOrderID string
	state          types.CoordinatorState
	retryCount     int
}

// NewCoordinator starts a symbol's single-worker state machine. Call Stop to
// drain in-flight work; in-flight retries finish naturally and are never
// interrupted mid cancel-then-place.
func NewCoordinator(symbol string, client exchange.Client, rateMgr *ratebudget.Manager, bus *events.Bus, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	c := &Coordinator{
		symbol:  symbol,
		client:  client,
		rateMgr: rateMgr,
		bus:     bus,
		logger:  logger.With("component", "stopengine", "symbol", symbol),
		cfg:     cfg,
		jobCh:   make(chan job, 16),
		done:    make(chan struct{}),
		state:   types.StateIdle,
	}
	go c.run()
	return c
}

// Stop closes the job queue once drained; existing callers blocked in
// ReplaceStopOrder/EmergencyClose still receive their result.
func (c *Coordinator) Stop() {
	close(c.jobCh)
	<-c.done
}

// State returns the coordinator's current state (for diagnostics only).
func (c *Coordinator) State() types.CoordinatorState { return c.state }

// CurrentOrderID returns the last known live stop order ID.
func (c *Coordinator) CurrentOrderID() string { return c.currentOrderID }

// SeedOrderID lets the Stop Manager prime a coordinator with a stop order
// already known to be live (e.g. after process restart reconciliation).
func (c *Coordinator) SeedOrderID(orderID string) { c.currentOrderID = orderID }

func (c *Coordinator) run() {
	defer close(c.done)
	for j := range c.jobCh {
		switch j.kind {
		case "replace":
			res, err := c.doReplace(context.Background(), j.replace)
			j.resultCh <- jobResult{replace: res, err: err}
		case "emergency":
			res, err := c.doEmergencyClose(context.Background(), j.emerg)
			j.resultCh <- jobResult{replace: res, err: err}
		}
	}
}

// ReplaceStopOrder enqueues a replacement and blocks for its result. Further
// submissions while busy queue FIFO behind the single worker.
func (c *Coordinator) ReplaceStopOrder(ctx context.Context, params ReplaceParams) (ReplaceResult, error) {
	if err := orders.ValidateStopOrder(params.Payload, params.Side); err != nil {
		return ReplaceResult{}, err
	}
	resultCh := make(chan jobResult, 1)
	select {
	case c.jobCh <- job{kind: "replace", replace: params, resultCh: resultCh}:
	case <-ctx.Done():
		return ReplaceResult{}, ctx.Err()
	}
	select {
	case r := <-resultCh:
		return r.replace, r.err
	case <-ctx.Done():
		return ReplaceResult{}, ctx.Err()
	}
}

// EmergencyClose enqueues a reduce-only market close and blocks for its
// result. Safe to call directly (bypassing a failed replace), or internally
// from doReplace after retries are exhausted.
func (c *Coordinator) EmergencyClose(ctx context.Context, params emergencyParams) (ReplaceResult, error) {
	resultCh := make(chan jobResult, 1)
	select {
	case c.jobCh <- job{kind: "emergency", emerg: params, resultCh: resultCh}:
	case <-ctx.Done():
		return ReplaceResult{}, ctx.Err()
	}
	select {
	case r := <-resultCh:
		return r.replace, r.err
	case <-ctx.Done():
		return ReplaceResult{}, ctx.Err()
	}
}

// doReplace runs the Idle->Canceling->Placing->Confirmed->Idle happy path,
// retrying on transient error and escalating to emergency close once
// maxRetries is exhausted. Only the worker goroutine calls this.
func (c *Coordinator) doReplace(ctx context.Context, params ReplaceParams) (ReplaceResult, error) {
	for {
		c.state = types.StateCanceling
		if c.currentOrderID != "" {
			if err := c.cancelCurrent(ctx); err != nil && !errs.Is(err, errs.KindOrderAlreadyTerminal) {
				escalate, retryErr := c.afterError(ctx, params, err)
				if escalate {
					return c.escalate(ctx, params, err)
				}
				if retryErr != nil {
					return ReplaceResult{}, retryErr
				}
				continue
			}
		}

		c.state = types.StatePlacing
		res, err := c.placeNew(ctx, params.Payload)
		if err != nil {
			escalate, retryErr := c.afterError(ctx, params, err)
			if escalate {
				return c.escalate(ctx, params, err)
			}
			if retryErr != nil {
				return ReplaceResult{}, retryErr
			}
			continue
		}
		if res.OrderID == "" {
			hardErr := errs.PermanentExchange("replaceStopOrder", fmt.Errorf("place response missing orderId"))
			escalate, retryErr := c.afterError(ctx, params, hardErr)
			if escalate {
				return c.escalate(ctx, params, hardErr)
			}
			if retryErr != nil {
				return ReplaceResult{}, retryErr
			}
			continue
		}

		c.currentOrderID = res.OrderID
		c.retryCount = 0
		c.state = types.StateConfirmed
		c.state = types.StateIdle
		c.bus.Publish(events.TypeStopReplaced, types.StopReplacedEvent{Symbol: c.symbol, OrderID: res.OrderID, StopPrice: params.Payload.StopPrice})
		return ReplaceResult{Success: true, OrderID: res.OrderID, FinalState: types.StateIdle}, nil
	}
}

// afterError increments retryCount, reports 429s to C3, and either sleeps
// for the jittered backoff and signals a retry loop (escalate=false,
// err=nil) or signals escalation to emergency close (escalate=true).
func (c *Coordinator) afterError(ctx context.Context, params ReplaceParams, cause error) (escalate bool, err error) {
	c.state = types.StateError
	if errs.Is(cause, errs.KindRateLimited) {
		c.rateMgr.Report429()
	}
	c.retryCount++
	if c.retryCount > c.cfg.MaxRetries {
		return true, nil
	}
	delay := ratebudget.JitteredBackoffDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, c.retryCount-1)
	select {
	case <-time.After(delay):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// escalate transitions to EmergencyClosing and fires the market close. On
// success the trade is reported StopUnprotected (closed but via emergency);
// on failure the position is CriticalUnprotected and requires a human.
func (c *Coordinator) escalate(ctx context.Context, params ReplaceParams, cause error) (ReplaceResult, error) {
	c.state = types.StateEmergencyClosing
	res, err := c.doEmergencyClose(ctx, emergencyParams{
		positionID: params.PositionID,
		side:       params.Side,
		size:       params.Payload.Size,
		exitReason: types.ExitEmergencyClose,
	})
	if err != nil {
		c.state = types.StateCriticalUnprotected
		c.bus.PublishAlert(types.AlertCritical, fmt.Sprintf("emergency close failed for %s: %v", c.symbol, err))
		c.bus.Publish(events.TypeStopCritical, types.StopCriticalEvent{Symbol: c.symbol, Reason: err.Error()})
		return ReplaceResult{FinalState: types.StateCriticalUnprotected}, errs.CriticalUnprotected("escalate", err)
	}
	c.retryCount = 0
	c.currentOrderID = ""
	c.state = types.StateIdle
	return res, errs.StopUnprotected("escalate", cause)
}

func (c *Coordinator) cancelCurrent(ctx context.Context) error {
	outcome, err := c.rateMgr.Request(ctx, types.PriorityCritical, 1)
	if err != nil {
		return errs.TransientExchange("cancelStopOrder", err)
	}
	if outcome == types.Rejected {
		return errs.TransientExchange("cancelStopOrder", fmt.Errorf("rate budget rejected critical request"))
	}
	return c.client.CancelStopOrder(ctx, c.currentOrderID)
}

func (c *Coordinator) placeNew(ctx context.Context, payload types.StopOrderPayload) (types.PlaceOrderResult, error) {
	outcome, err := c.rateMgr.Request(ctx, types.PriorityCritical, 1)
	if err != nil {
		return types.PlaceOrderResult{}, errs.TransientExchange("placeStopOrder", err)
	}
	if outcome == types.Rejected {
		return types.PlaceOrderResult{}, errs.TransientExchange("placeStopOrder", fmt.Errorf("rate budget rejected critical request"))
	}
	return c.client.PlaceStopOrder(ctx, payload)
}

// doEmergencyClose builds and sends a reduce-only market order opposite the
// position's side through C3's critical class.
func (c *Coordinator) doEmergencyClose(ctx context.Context, params emergencyParams) (ReplaceResult, error) {
	clientOid := fmt.Sprintf("emergency_%s_%d", c.symbol, nowEpochMs())
	payload := orders.SanitizeExit(clientOid, exitSideFor(params.side), c.symbol, params.size)
	if err := orders.ValidateExitOrder(payload); err != nil {
		return ReplaceResult{}, err
	}

	outcome, err := c.rateMgr.Request(ctx, types.PriorityCritical, 1)
	if err != nil {
		return ReplaceResult{}, errs.TransientExchange("emergencyClose", err)
	}
	if outcome == types.Rejected {
		return ReplaceResult{}, errs.TransientExchange("emergencyClose", fmt.Errorf("rate budget rejected critical request"))
	}

	res, err := c.client.PlaceOrder(ctx, payload)
	if err != nil {
		return ReplaceResult{}, err
	}
	c.bus.Publish(events.TypeStopEmergency, types.StopEmergencyEvent{Symbol: c.symbol, ClientOid: clientOid, ExitReason: params.exitReason})
	return ReplaceResult{Success: true, OrderID: res.OrderID, FinalState: types.StateIdle}, nil
}

func exitSideFor(positionSide types.Side) string {
	if positionSide == types.Long {
		return "sell"
	}
	return "buy"
}

func nowEpochMs() int64 { return time.Now().UnixMilli() }
