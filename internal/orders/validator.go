// Package orders implements pure shape/idempotency validation on order
// payloads (C4), grounded on the teacher's buildOrderPayload "build then
// sanitize" idiom and the wire-shape structs in pkg/types. Validators never
// touch the network; a failure here indicates a programmer bug upstream,
// so a failure is returned as an *errs.ValidationError that is fatal to the
// call rather than a retryable error.
package orders

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"perp-orchestrator/internal/errs"
	"perp-orchestrator/pkg/types"
)

var clientOidStopRe = regexp.MustCompile(`^stop:[^:]+:[^:]+:(sl|tp):\d+$`)

// ValidateStopOrder checks every required field of a stop order payload.
func ValidateStopOrder(p types.StopOrderPayload, side types.Side) error {
	if p.ClientOid == "" {
		return &errs.ValidationError{Field: "clientOid", Reason: "must not be empty"}
	}
	if !clientOidStopRe.MatchString(p.ClientOid) {
		return &errs.ValidationError{Field: "clientOid", Reason: "must match stop:<symbol>:<positionId>:<kind>:<revision>"}
	}
	wantSide := orderSideFor(side)
	if strings.ToLower(p.Side) != wantSide {
		return &errs.ValidationError{Field: "side", Reason: fmt.Sprintf("must be opposite to position side (%s)", wantSide)}
	}
	if p.Type != "market" {
		return &errs.ValidationError{Field: "type", Reason: `must be "market"`}
	}
	if p.Stop != string(types.StopUp) && p.Stop != string(types.StopDown) {
		return &errs.ValidationError{Field: "stop", Reason: `must be "up" or "down"`}
	}
	wantStop := types.StopDown // a long's protective stop triggers on the way down
	if side == types.Short {
		wantStop = types.StopUp // a short's protective stop triggers on the way up
	}
	if p.Stop != string(wantStop) {
		return &errs.ValidationError{Field: "stop", Reason: fmt.Sprintf("must be %q for side %q", wantStop, side)}
	}
	if err := requirePositiveNumericString(p.StopPrice, "stopPrice"); err != nil {
		return err
	}
	if p.StopPriceType != "MP" {
		return &errs.ValidationError{Field: "stopPriceType", Reason: `must be "MP"`}
	}
	if err := requirePositiveNumericString(p.Size, "size"); err != nil {
		return err
	}
	if !p.ReduceOnly {
		return &errs.ValidationError{Field: "reduceOnly", Reason: "must be true"}
	}
	return nil
}

// ValidateExitOrder checks every required field of a reduce-only market exit.
func ValidateExitOrder(p types.ExitOrderPayload) error {
	if p.ClientOid == "" {
		return &errs.ValidationError{Field: "clientOid", Reason: "must not be empty"}
	}
	if p.Side != orderSideFor(types.Long) && p.Side != orderSideFor(types.Short) {
		return &errs.ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if p.Symbol == "" {
		return &errs.ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if p.Type != "market" {
		return &errs.ValidationError{Field: "type", Reason: `must be "market"`}
	}
	if err := requirePositiveNumericString(p.Size, "size"); err != nil {
		return err
	}
	if !p.ReduceOnly {
		return &errs.ValidationError{Field: "reduceOnly", Reason: "must be true"}
	}
	return nil
}

// orderSideFor maps a position Side to the wire side that would close it:
// closing a Long is a sell, closing a Short is a buy.
func orderSideFor(positionSide types.Side) string {
	if positionSide == types.Long {
		return "sell"
	}
	return "buy"
}

func requirePositiveNumericString(s, field string) error {
	if s == "" {
		return &errs.ValidationError{Field: field, Reason: "must not be empty"}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &errs.ValidationError{Field: field, Reason: "must be numeric"}
	}
	if v <= 0 {
		return &errs.ValidationError{Field: field, Reason: "must be > 0"}
	}
	return nil
}
