// Package config defines all configuration for the orchestrator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ORC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"perp-orchestrator/internal/optimizer"
	"perp-orchestrator/internal/ratebudget"
	"perp-orchestrator/internal/risk"
	"perp-orchestrator/internal/stopengine"
	"perp-orchestrator/internal/variant"
	"perp-orchestrator/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	RateBudget RateBudgetConfig `mapstructure:"rateBudget"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// RiskConfig sets the portfolio-level kill-switch limits for the main
// (real-capital) strategy. See internal/risk.
type RiskConfig struct {
	MaxPositionPerSymbol      float64 `mapstructure:"maxPositionPerSymbol"`
	MaxGlobalExposure         float64 `mapstructure:"maxGlobalExposure"`
	MaxActiveSymbols          int     `mapstructure:"maxActiveSymbols"`
	MaxNetDirectionalExposure float64 `mapstructure:"maxNetDirectionalExposure"`
	MinLiquidationDistancePct float64 `mapstructure:"minLiquidationDistancePct"`
	KillSwitchDropPct         float64 `mapstructure:"killSwitchDropPct"`
	KillSwitchWindowSec       int     `mapstructure:"killSwitchWindowSec"`
	MaxDailyLoss              float64 `mapstructure:"maxDailyLoss"`
	CooldownAfterKillMs       int64   `mapstructure:"cooldownAfterKillMs"`
}

// ExchangeConfig holds venue connection details.
type ExchangeConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	WSURL      string        `mapstructure:"ws_url"`
	ApiKey     string        `mapstructure:"api_key"`
	Secret     string        `mapstructure:"secret"`
	Passphrase string        `mapstructure:"passphrase"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// TradingConfig maps the spec.md §6 "trading" configuration section.
type TradingConfig struct {
	Symbols              []string        `mapstructure:"symbols"`
	InitialSLRoi         decimal.Decimal `mapstructure:"initialSLRoi"`
	InitialTPRoi         decimal.Decimal `mapstructure:"initialTPRoi"`
	BreakEvenBuffer      decimal.Decimal `mapstructure:"breakEvenBuffer"`
	TrailingStepPercent  decimal.Decimal `mapstructure:"trailingStepPercent"`
	TrailingMovePercent  decimal.Decimal `mapstructure:"trailingMovePercent"`
	TrailingMode         string          `mapstructure:"trailingMode"`
	PositionSizePercent  decimal.Decimal `mapstructure:"positionSizePercent"`
	DefaultLeverage      int             `mapstructure:"defaultLeverage"`
	StopPriceType        string          `mapstructure:"stopPriceType"`
	StopUpdateMinIntervalMs int64        `mapstructure:"stopUpdateMinIntervalMs"`
	StopMinMoveTicks     int64           `mapstructure:"stopMinMoveTicks"`
	MakerFee             decimal.Decimal `mapstructure:"makerFee"`
	TakerFee             decimal.Decimal `mapstructure:"takerFee"`
}

// RateBudgetConfig maps the spec.md §6 "rateBudget" configuration section.
type RateBudgetConfig struct {
	Critical          float64 `mapstructure:"critical"`
	High              float64 `mapstructure:"high"`
	Medium            float64 `mapstructure:"medium"`
	Low               float64 `mapstructure:"low"`
	Headroom          float64 `mapstructure:"headroom"`
	BackoffInitialMs  int64   `mapstructure:"backoffInitialMs"`
	BackoffMaxMs      int64   `mapstructure:"backoffMaxMs"`
	BackoffMultiplier float64 `mapstructure:"backoffMultiplier"`
}

// PromotionGateConfig maps optimizer.promotion.*.
type PromotionGateConfig struct {
	MinSampleSize   int     `mapstructure:"minSampleSize"`
	MinWinRate      float64 `mapstructure:"minWinRate"`
	MinAvgROI       float64 `mapstructure:"minAvgROI"`
	MinSharpeRatio  float64 `mapstructure:"minSharpeRatio"`
	ConfidenceLevel float64 `mapstructure:"confidenceLevel"`
}

// ErrorHandlingGateConfig maps optimizer.errorHandling.*.
type ErrorHandlingGateConfig struct {
	CircuitBreakerThreshold int   `mapstructure:"circuitBreakerThreshold"`
	CircuitBreakerResetMs   int64 `mapstructure:"circuitBreakerResetMs"`
	MaxRetries              int   `mapstructure:"maxRetries"`
	RetryBackoffMs          int64 `mapstructure:"retryBackoffMs"`
}

// OptimizerConfig maps the spec.md §6 "optimizer" configuration section.
type OptimizerConfig struct {
	MaxConcurrentVariants  int                     `mapstructure:"maxConcurrentVariants"`
	Profiles               []string                `mapstructure:"profiles"`
	LeverageVariations     []int                    `mapstructure:"leverage.variations"`
	PositionSizeVariations []decimal.Decimal        `mapstructure:"positionSize.variations"`
	ThresholdVariations    []decimal.Decimal        `mapstructure:"threshold.variations"`
	Promotion              PromotionGateConfig      `mapstructure:"promotion"`
	ErrorHandling          ErrorHandlingGateConfig  `mapstructure:"errorHandling"`
	PublishIntervalMs      int64                    `mapstructure:"publishIntervalMs"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig controls the Prometheus /metrics listener.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ORC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ORC_API_KEY"); key != "" {
		cfg.Exchange.ApiKey = key
	}
	if secret := os.Getenv("ORC_API_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if pass := os.Getenv("ORC_PASSPHRASE"); pass != "" {
		cfg.Exchange.Passphrase = pass
	}
	if os.Getenv("ORC_DRY_RUN") == "true" || os.Getenv("ORC_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	if unknown := unknownSections(v); len(unknown) > 0 {
		fmt.Fprintf(os.Stderr, "config: ignoring unrecognized top-level sections: %v\n", unknown)
	}
	return &cfg, nil
}

var knownSections = map[string]bool{
	"dry_run": true, "exchange": true, "trading": true,
	"ratebudget": true, "optimizer": true, "risk": true, "logging": true, "telemetry": true,
}

// unknownSections reports top-level YAML keys with no matching Config field,
// a startup hygiene check grounded on design note §9 (typed config, no
// silently-ignored typos).
func unknownSections(v *viper.Viper) []string {
	seen := map[string]bool{}
	var unknown []string
	for _, k := range v.AllKeys() {
		top := strings.ToLower(strings.SplitN(k, ".", 2)[0])
		if seen[top] {
			continue
		}
		seen[top] = true
		if !knownSections[top] {
			unknown = append(unknown, top)
		}
	}
	return unknown
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.initialSLRoi", "0.5")
	v.SetDefault("trading.initialTPRoi", "2.0")
	v.SetDefault("trading.breakEvenBuffer", "0.1")
	v.SetDefault("trading.trailingStepPercent", "0.15")
	v.SetDefault("trading.trailingMovePercent", "0.05")
	v.SetDefault("trading.trailingMode", "staircase")
	v.SetDefault("trading.positionSizePercent", "0.5")
	v.SetDefault("trading.defaultLeverage", 10)
	v.SetDefault("trading.stopPriceType", "MP")
	v.SetDefault("trading.stopUpdateMinIntervalMs", 1500)
	v.SetDefault("trading.stopMinMoveTicks", 2)
	v.SetDefault("trading.makerFee", "0.0002")
	v.SetDefault("trading.takerFee", "0.0006")

	v.SetDefault("rateBudget.critical", 10.0)
	v.SetDefault("rateBudget.high", 20.0)
	v.SetDefault("rateBudget.medium", 30.0)
	v.SetDefault("rateBudget.low", 20.0)
	v.SetDefault("rateBudget.headroom", 0.3)
	v.SetDefault("rateBudget.backoffInitialMs", 1000)
	v.SetDefault("rateBudget.backoffMaxMs", 60000)
	v.SetDefault("rateBudget.backoffMultiplier", 2.0)

	v.SetDefault("optimizer.maxConcurrentVariants", 20)
	v.SetDefault("optimizer.promotion.minSampleSize", 20)
	v.SetDefault("optimizer.promotion.minWinRate", 0.55)
	v.SetDefault("optimizer.promotion.minAvgROI", 1.0)
	v.SetDefault("optimizer.promotion.minSharpeRatio", 1.0)
	v.SetDefault("optimizer.promotion.confidenceLevel", 0.95)
	v.SetDefault("optimizer.errorHandling.circuitBreakerThreshold", 5)
	v.SetDefault("optimizer.errorHandling.circuitBreakerResetMs", 300000)
	v.SetDefault("optimizer.errorHandling.maxRetries", 5)
	v.SetDefault("optimizer.errorHandling.retryBackoffMs", 1000)
	v.SetDefault("optimizer.publishIntervalMs", 10000)

	v.SetDefault("risk.maxPositionPerSymbol", 10000.0)
	v.SetDefault("risk.maxGlobalExposure", 50000.0)
	v.SetDefault("risk.maxActiveSymbols", 10)
	v.SetDefault("risk.maxNetDirectionalExposure", 30000.0)
	v.SetDefault("risk.minLiquidationDistancePct", 0.15)
	v.SetDefault("risk.killSwitchDropPct", 0.10)
	v.SetDefault("risk.killSwitchWindowSec", 60)
	v.SetDefault("risk.maxDailyLoss", 5000.0)
	v.SetDefault("risk.cooldownAfterKillMs", 300000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.addr", ":9090")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" && !c.DryRun {
		return fmt.Errorf("exchange.base_url is required unless dry_run is set")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must list at least one symbol")
	}
	if c.Trading.TrailingMode != "staircase" {
		return fmt.Errorf("trading.trailingMode must be %q, got %q", "staircase", c.Trading.TrailingMode)
	}
	if c.Trading.StopPriceType != "MP" {
		return fmt.Errorf("trading.stopPriceType must be %q, got %q", "MP", c.Trading.StopPriceType)
	}
	if c.Trading.DefaultLeverage < 1 || c.Trading.DefaultLeverage > 100 {
		return fmt.Errorf("trading.defaultLeverage must be in [1,100]")
	}
	if c.Optimizer.MaxConcurrentVariants <= 0 {
		return fmt.Errorf("optimizer.maxConcurrentVariants must be > 0")
	}
	if len(c.Optimizer.Profiles) == 0 {
		return fmt.Errorf("optimizer.profiles must list at least one profile name")
	}
	return nil
}

// RateBudgetManagerConfig converts the YAML section into ratebudget.Config.
func (c *Config) RateBudgetManagerConfig() ratebudget.Config {
	cfg := ratebudget.DefaultConfig()
	cfg.Classes = map[types.Priority]ratebudget.ClassConfig{
		types.PriorityCritical: {ConfiguredRate: c.RateBudget.Critical},
		types.PriorityHigh:     {ConfiguredRate: c.RateBudget.High},
		types.PriorityMedium:   {ConfiguredRate: c.RateBudget.Medium},
		types.PriorityLow:      {ConfiguredRate: c.RateBudget.Low},
	}
	cfg.Headroom = c.RateBudget.Headroom
	cfg.BackoffInitial = time.Duration(c.RateBudget.BackoffInitialMs) * time.Millisecond
	cfg.BackoffMax = time.Duration(c.RateBudget.BackoffMaxMs) * time.Millisecond
	cfg.BackoffMultiplier = c.RateBudget.BackoffMultiplier
	return cfg
}

// RiskManagerConfig converts the YAML section into risk.Config.
func (c *Config) RiskManagerConfig() risk.Config {
	return risk.Config{
		MaxPositionPerSymbol:      c.Risk.MaxPositionPerSymbol,
		MaxGlobalExposure:         c.Risk.MaxGlobalExposure,
		MaxActiveSymbols:          c.Risk.MaxActiveSymbols,
		MaxNetDirectionalExposure: c.Risk.MaxNetDirectionalExposure,
		MinLiquidationDistancePct: c.Risk.MinLiquidationDistancePct,
		KillSwitchDropPct:         c.Risk.KillSwitchDropPct,
		KillSwitchWindowSec:       c.Risk.KillSwitchWindowSec,
		MaxDailyLoss:              c.Risk.MaxDailyLoss,
		CooldownAfterKill:         time.Duration(c.Risk.CooldownAfterKillMs) * time.Millisecond,
	}
}

// StopManagerConfig converts the YAML section into stopengine.ManagerConfig.
func (c *Config) StopManagerConfig() stopengine.ManagerConfig {
	cfg := stopengine.DefaultManagerConfig()
	cfg.StopPriceType = c.Trading.StopPriceType
	cfg.MinUpdateInterval = time.Duration(c.Trading.StopUpdateMinIntervalMs) * time.Millisecond
	cfg.MinMoveTicks = c.Trading.StopMinMoveTicks
	cfg.Coordinator.MaxRetries = c.Optimizer.ErrorHandling.MaxRetries
	return cfg
}

// baseVariantConfig builds the shared variant.Config template every
// optimizer profile is derived from.
func (c *Config) baseVariantConfig(symbol string) variant.Config {
	return variant.Config{
		Symbol:              symbol,
		Multiplier:          decimal.NewFromInt(1),
		Leverage:            c.Trading.DefaultLeverage,
		PositionSizePercent: c.Trading.PositionSizePercent,
		MakerFee:            c.Trading.MakerFee,
		TakerFee:            c.Trading.TakerFee,
		FillModel:           types.FillTaker,
		InitialSLRoi:        c.Trading.InitialSLRoi,
		InitialTPRoi:        c.Trading.InitialTPRoi,
	}
}

// OptimizerConfigFor builds the optimizer.Config driving variant generation
// for one symbol, wiring every §6 optimizer.* key into GenerateVariants'
// inputs.
func (c *Config) OptimizerConfigFor(symbol string, startingBalance decimal.Decimal) optimizer.Config {
	out := optimizer.DefaultConfig()
	out.MaxConcurrentVariants = c.Optimizer.MaxConcurrentVariants
	out.LeverageVariations = c.Optimizer.LeverageVariations
	out.PositionSizeVariations = c.Optimizer.PositionSizeVariations
	out.ThresholdVariations = c.Optimizer.ThresholdVariations
	out.PublishInterval = time.Duration(c.Optimizer.PublishIntervalMs) * time.Millisecond

	out.Promotion = optimizer.PromotionConfig{
		MinSampleSize:   c.Optimizer.Promotion.MinSampleSize,
		MinWinRate:      c.Optimizer.Promotion.MinWinRate,
		MinAvgROI:       c.Optimizer.Promotion.MinAvgROI,
		MinSharpeRatio:  c.Optimizer.Promotion.MinSharpeRatio,
		ConfidenceLevel: c.Optimizer.Promotion.ConfidenceLevel,
	}
	out.ErrorHandling = optimizer.ErrorHandlingConfig{
		CircuitBreakerThreshold: c.Optimizer.ErrorHandling.CircuitBreakerThreshold,
		CircuitBreakerResetMs:   time.Duration(c.Optimizer.ErrorHandling.CircuitBreakerResetMs) * time.Millisecond,
		MaxRetries:              c.Optimizer.ErrorHandling.MaxRetries,
		RetryBackoffMs:          time.Duration(c.Optimizer.ErrorHandling.RetryBackoffMs) * time.Millisecond,
	}

	base := c.baseVariantConfig(symbol)
	base.StartingBalance = startingBalance
	base.Trailing.BreakEvenBuffer = c.Trading.BreakEvenBuffer
	base.Trailing.TrailingStepPercent = c.Trading.TrailingStepPercent
	base.Trailing.TrailingMovePercent = c.Trading.TrailingMovePercent
	base.Trailing.Mode = c.Trading.TrailingMode
	base.BuyThreshold = decimal.NewFromFloat(0.7)
	base.SellThreshold = decimal.NewFromFloat(-0.7)
	base.PaperTradingEnabled = true

	for _, name := range c.Optimizer.Profiles {
		out.Profiles = append(out.Profiles, optimizer.ProfileConfig{Name: name, Base: base})
	}
	return out
}
