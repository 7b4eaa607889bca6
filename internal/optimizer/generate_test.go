package optimizer

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestGenerateVariantsEmitsDefaultPlusAblations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiles = []ProfileConfig{{Name: "core", Base: baseProfile("core")}}
	cfg.LeverageVariations = []int{5, 20}
	cfg.PositionSizeVariations = []decimal.Decimal{d("5"), d("15")}
	cfg.ThresholdVariations = []decimal.Decimal{d("0.5"), d("0.9")}
	cfg.MaxConcurrentVariants = 100

	variants := GenerateVariants(cfg, testLogger())

	want := 1 + 2 + 2 + 2 // default + leverage + positionSize + threshold
	if len(variants) != want {
		t.Fatalf("len(variants) = %d, want %d", len(variants), want)
	}

	seen := map[string]bool{}
	for _, v := range variants {
		if seen[v.VariantID] {
			t.Fatalf("duplicate variant id %q", v.VariantID)
		}
		seen[v.VariantID] = true
	}
	if !seen["core-default"] {
		t.Fatal("expected a core-default variant")
	}
}

func TestGenerateVariantsVariesOneDimensionAtATime(t *testing.T) {
	cfg := DefaultConfig()
	base := baseProfile("core")
	cfg.Profiles = []ProfileConfig{{Name: "core", Base: base}}
	cfg.LeverageVariations = []int{25}
	cfg.MaxConcurrentVariants = 100

	variants := GenerateVariants(cfg, testLogger())
	for _, v := range variants {
		if v.VariantID == "core-leverage-25" {
			if v.Leverage != 25 {
				t.Fatalf("leverage = %d, want 25", v.Leverage)
			}
			if !v.PositionSizePercent.Equal(base.PositionSizePercent) {
				t.Fatal("expected positionSize to stay at the profile default for a leverage ablation")
			}
			return
		}
	}
	t.Fatal("expected a core-leverage-25 variant")
}

func TestGenerateVariantsCapsAtMaxConcurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiles = []ProfileConfig{{Name: "core", Base: baseProfile("core")}}
	cfg.LeverageVariations = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	cfg.MaxConcurrentVariants = 3

	variants := GenerateVariants(cfg, testLogger())
	if len(variants) != 3 {
		t.Fatalf("len(variants) = %d, want 3 (capped)", len(variants))
	}
}
