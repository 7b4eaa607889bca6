package exchange

import "github.com/shopspring/decimal"

// decimalOrZero wraps a best-effort decimal parse: a malformed or empty wire
// field becomes zero rather than failing the whole tick, since a single
// missing field (e.g. fundingRate on a pure price update) shouldn't drop an
// otherwise-valid tick.
type decimalOrZero struct{ d decimal.Decimal }

func parseDecimalOrZero(s string) decimalOrZero {
	if s == "" {
		return decimalOrZero{d: decimal.Zero}
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimalOrZero{d: decimal.Zero}
	}
	return decimalOrZero{d: v}
}
