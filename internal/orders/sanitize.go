package orders

import "perp-orchestrator/pkg/types"

// Kind distinguishes which payload shape Sanitize is coercing.
type Kind string

const (
	KindStop Kind = "stop"
	KindExit Kind = "exit"
)

// SanitizeStop coerces a draft stop payload to the wire shape: numeric
// fields become strings, reduceOnly is forced true. Unknown keys can't leak
// through a typed struct, so "stripping unknown keys" is structural here
// rather than a runtime step.
func SanitizeStop(clientOid, side, symbol string, stop types.StopSide, stopPrice, size string) types.StopOrderPayload {
	return types.StopOrderPayload{
		ClientOid:     clientOid,
		Side:          side,
		Symbol:        symbol,
		Type:          "market",
		Stop:          string(stop),
		StopPrice:     stopPrice,
		StopPriceType: "MP",
		Size:          size,
		ReduceOnly:    true,
	}
}

// SanitizeExit coerces a draft exit payload to the reduce-only market shape.
func SanitizeExit(clientOid, side, symbol, size string) types.ExitOrderPayload {
	return types.ExitOrderPayload{
		ClientOid:  clientOid,
		Side:       side,
		Symbol:     symbol,
		Type:       "market",
		Size:       size,
		ReduceOnly: true,
	}
}
