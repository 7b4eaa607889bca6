package orders

import (
	"testing"

	"perp-orchestrator/pkg/types"
)

func validStopPayload() types.StopOrderPayload {
	return SanitizeStop("stop:BTC-PERP:pos1:sl:1", "sell", "BTC-PERP", types.StopDown, "49984.995", "0.02")
}

func TestValidateStopOrderAccepted(t *testing.T) {
	t.Parallel()
	if err := ValidateStopOrder(validStopPayload(), types.Long); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestValidateStopOrderRejectsBadClientOid(t *testing.T) {
	t.Parallel()
	p := validStopPayload()
	p.ClientOid = "not-a-valid-id"
	if err := ValidateStopOrder(p, types.Long); err == nil {
		t.Error("expected error for malformed clientOid")
	}
}

func TestValidateStopOrderRejectsWrongSide(t *testing.T) {
	t.Parallel()
	p := validStopPayload()
	p.Side = "buy" // should be sell for a long's protective stop
	if err := ValidateStopOrder(p, types.Long); err == nil {
		t.Error("expected error for side matching position side")
	}
}

func TestValidateStopOrderRejectsWrongStopDirection(t *testing.T) {
	t.Parallel()
	p := validStopPayload()
	p.Stop = string(types.StopUp) // long stop must be "down"
	if err := ValidateStopOrder(p, types.Long); err == nil {
		t.Error("expected error for stop direction not matching side")
	}
}

func TestValidateStopOrderRejectsNonMarkPriceType(t *testing.T) {
	t.Parallel()
	p := validStopPayload()
	p.StopPriceType = "LP"
	if err := ValidateStopOrder(p, types.Long); err == nil {
		t.Error("expected error for stopPriceType != MP")
	}
}

func TestValidateStopOrderRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()
	p := validStopPayload()
	p.Size = "0"
	if err := ValidateStopOrder(p, types.Long); err == nil {
		t.Error("expected error for non-positive size")
	}
}

func TestValidateExitOrderAccepted(t *testing.T) {
	t.Parallel()
	p := SanitizeExit("emergency_BTC-PERP_123456", "sell", "BTC-PERP", "0.02")
	if err := ValidateExitOrder(p); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestValidateExitOrderRejectsMissingReduceOnly(t *testing.T) {
	t.Parallel()
	p := SanitizeExit("emergency_BTC-PERP_123456", "sell", "BTC-PERP", "0.02")
	p.ReduceOnly = false
	if err := ValidateExitOrder(p); err == nil {
		t.Error("expected error for reduceOnly=false")
	}
}
