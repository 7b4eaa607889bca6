package optimizer

import (
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/variant"
)

// ProfileConfig names one base strategy permutation; Base is cloned and
// mutated by the variant-generation algorithm to produce ablations.
type ProfileConfig struct {
	Name string
	Base variant.Config
}

// PromotionConfig tunes evaluatePromotion's gate.
type PromotionConfig struct {
	MinSampleSize   int
	MinWinRate      float64
	MinAvgROI       float64
	MinSharpeRatio  float64
	ConfidenceLevel float64 // informational; the z threshold (1.96) corresponds to 0.95
}

// DefaultPromotionConfig returns the spec.md §4.11 defaults.
func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{
		MinSampleSize:   20,
		MinWinRate:      0.55,
		MinAvgROI:       1.0,
		MinSharpeRatio:  1.0,
		ConfidenceLevel: 0.95,
	}
}

// ErrorHandlingConfig tunes per-variant isolation.
type ErrorHandlingConfig struct {
	CircuitBreakerThreshold int
	CircuitBreakerResetMs   time.Duration
	MaxRetries              int
	RetryBackoffMs          time.Duration
}

// DefaultErrorHandlingConfig returns the spec.md defaults.
func DefaultErrorHandlingConfig() ErrorHandlingConfig {
	return ErrorHandlingConfig{
		CircuitBreakerThreshold: 5,
		CircuitBreakerResetMs:   5 * time.Minute,
		MaxRetries:              5,
		RetryBackoffMs:          time.Second,
	}
}

// Config drives variant generation and the Optimizer's lifecycle.
type Config struct {
	MaxConcurrentVariants int
	Profiles              []ProfileConfig
	LeverageVariations    []int
	PositionSizeVariations []decimal.Decimal
	ThresholdVariations   []decimal.Decimal // varies BuyThreshold; SellThreshold mirrors negated

	Promotion     PromotionConfig
	ErrorHandling ErrorHandlingConfig

	PublishInterval time.Duration
}

// DefaultConfig returns a minimal, valid Config with no profiles — callers
// must supply at least one ProfileConfig before Start.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentVariants: 20,
		Promotion:             DefaultPromotionConfig(),
		ErrorHandling:         DefaultErrorHandlingConfig(),
		PublishInterval:       10 * time.Second,
	}
}
