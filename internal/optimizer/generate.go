package optimizer

import (
	"fmt"
	"log/slog"

	"perp-orchestrator/internal/variant"
)

// GenerateVariants implements spec.md §4.11's variant generation algorithm:
// for each profile, emit a default variant, then emit parameter-ablation
// variants by varying one dimension at a time from the configured variation
// lists. The resulting list is capped at cfg.MaxConcurrentVariants; anything
// dropped is logged rather than silently discarded.
func GenerateVariants(cfg Config, logger *slog.Logger) []variant.Config {
	var out []variant.Config

	for _, p := range cfg.Profiles {
		def := p.Base
		def.VariantID = fmt.Sprintf("%s-default", p.Name)
		def.ProfileName = p.Name
		out = append(out, def)

		for _, lev := range cfg.LeverageVariations {
			v := p.Base
			v.Leverage = lev
			v.ProfileName = p.Name
			v.VariantID = fmt.Sprintf("%s-leverage-%d", p.Name, lev)
			out = append(out, v)
		}
		for _, size := range cfg.PositionSizeVariations {
			v := p.Base
			v.PositionSizePercent = size
			v.ProfileName = p.Name
			v.VariantID = fmt.Sprintf("%s-positionSize-%s", p.Name, size.String())
			out = append(out, v)
		}
		for _, buyThresh := range cfg.ThresholdVariations {
			v := p.Base
			v.BuyThreshold = buyThresh
			v.SellThreshold = buyThresh.Neg()
			v.ProfileName = p.Name
			v.VariantID = fmt.Sprintf("%s-threshold-%s", p.Name, buyThresh.String())
			out = append(out, v)
		}
	}

	if cfg.MaxConcurrentVariants > 0 && len(out) > cfg.MaxConcurrentVariants {
		dropped := len(out) - cfg.MaxConcurrentVariants
		if logger != nil {
			logger.Warn("variant generation exceeded cap, truncating", "generated", len(out), "cap", cfg.MaxConcurrentVariants, "dropped", dropped)
		}
		out = out[:cfg.MaxConcurrentVariants]
	}
	return out
}
