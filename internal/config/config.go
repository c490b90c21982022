// Package config defines process configuration for the scalper engine.
// Every field is read from the environment with a sensible default via
// viper's AutomaticEnv binding — there is no YAML file, since the config
// surface here is a flat table of tunables rather than nested topology.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete process configuration.
type Config struct {
	PaperTrade bool

	TickInterval           time.Duration
	StopLossCheckInterval  time.Duration
	MarketRotationThreshold time.Duration

	Bankroll        float64
	TradeSizePct    float64
	MinOrderSize    float64
	MinEntryPrice   float64
	MaxEntryPrice   float64
	MaxAllowedSpread float64

	FixedProfitTarget  float64
	FixedStopLoss      float64
	BreakevenTrigger   float64
	SessionProfitTarget float64
	SessionLossLimit   float64

	StabilityTicksRequired int
	MinCooldownMs          int64
	MinTradeIntervalMs     int64

	AssetSymbol     string
	SpotFeedWSURL   string
	MarketAPIBaseURL string
	ClobBaseURL     string
	WalletPrivateKey string

	LogLevel  string
	LogFormat string

	SessionReportDir string
}

// Load builds a Config from the environment, applying the defaults of
// SPEC_FULL.md §6.4.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("PAPER_TRADE", true)
	v.SetDefault("TICK_INTERVAL", 500)
	v.SetDefault("STOP_LOSS_CHECK_INTERVAL", 150)
	v.SetDefault("MARKET_ROTATION_THRESHOLD", 30)
	v.SetDefault("BANKROLL", 20.00)
	v.SetDefault("TRADE_SIZE_PCT", 0.10)
	v.SetDefault("MIN_ORDER_SIZE", 1.00)
	v.SetDefault("MIN_ENTRY_PRICE", 0.65)
	v.SetDefault("MAX_ENTRY_PRICE", 0.85)
	v.SetDefault("MAX_ALLOWED_SPREAD", 0.03)
	v.SetDefault("FIXED_PROFIT_TARGET", 0.02)
	v.SetDefault("FIXED_STOP_LOSS", 0.04)
	v.SetDefault("BREAKEVEN_TRIGGER", 0.015)
	v.SetDefault("SESSION_PROFIT_TARGET", 0.50)
	v.SetDefault("SESSION_LOSS_LIMIT", 0.40)
	v.SetDefault("STABILITY_TICKS_REQUIRED", 15)
	v.SetDefault("MIN_COOLDOWN_MS", 15000)
	v.SetDefault("MIN_TRADE_INTERVAL_MS", 5000)
	v.SetDefault("ASSET_SYMBOL", "BTC")
	v.SetDefault("SPOT_FEED_WS_URL", "")
	v.SetDefault("MARKET_API_BASE_URL", "")
	v.SetDefault("CLOB_BASE_URL", "")
	v.SetDefault("WALLET_PRIVATE_KEY", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("SESSION_REPORT_DIR", "./reports")

	cfg := &Config{
		PaperTrade:              v.GetBool("PAPER_TRADE"),
		TickInterval:            time.Duration(v.GetInt64("TICK_INTERVAL")) * time.Millisecond,
		StopLossCheckInterval:   time.Duration(v.GetInt64("STOP_LOSS_CHECK_INTERVAL")) * time.Millisecond,
		MarketRotationThreshold: time.Duration(v.GetInt64("MARKET_ROTATION_THRESHOLD")) * time.Second,
		Bankroll:                v.GetFloat64("BANKROLL"),
		TradeSizePct:            v.GetFloat64("TRADE_SIZE_PCT"),
		MinOrderSize:            v.GetFloat64("MIN_ORDER_SIZE"),
		MinEntryPrice:           v.GetFloat64("MIN_ENTRY_PRICE"),
		MaxEntryPrice:           v.GetFloat64("MAX_ENTRY_PRICE"),
		MaxAllowedSpread:        v.GetFloat64("MAX_ALLOWED_SPREAD"),
		FixedProfitTarget:       v.GetFloat64("FIXED_PROFIT_TARGET"),
		FixedStopLoss:           v.GetFloat64("FIXED_STOP_LOSS"),
		BreakevenTrigger:        v.GetFloat64("BREAKEVEN_TRIGGER"),
		SessionProfitTarget:     v.GetFloat64("SESSION_PROFIT_TARGET"),
		SessionLossLimit:        v.GetFloat64("SESSION_LOSS_LIMIT"),
		StabilityTicksRequired:  v.GetInt("STABILITY_TICKS_REQUIRED"),
		MinCooldownMs:           v.GetInt64("MIN_COOLDOWN_MS"),
		MinTradeIntervalMs:      v.GetInt64("MIN_TRADE_INTERVAL_MS"),
		AssetSymbol:             v.GetString("ASSET_SYMBOL"),
		SpotFeedWSURL:           v.GetString("SPOT_FEED_WS_URL"),
		MarketAPIBaseURL:        v.GetString("MARKET_API_BASE_URL"),
		ClobBaseURL:             v.GetString("CLOB_BASE_URL"),
		WalletPrivateKey:        v.GetString("WALLET_PRIVATE_KEY"),
		LogLevel:                v.GetString("LOG_LEVEL"),
		LogFormat:               v.GetString("LOG_FORMAT"),
		SessionReportDir:        v.GetString("SESSION_REPORT_DIR"),
	}

	return cfg, nil
}

// Validate checks required fields and value ranges, failing fast at startup.
func (c *Config) Validate() error {
	if c.MarketAPIBaseURL == "" {
		return fmt.Errorf("MARKET_API_BASE_URL is required")
	}
	if !c.PaperTrade {
		if c.ClobBaseURL == "" {
			return fmt.Errorf("CLOB_BASE_URL is required when PAPER_TRADE is false")
		}
		if c.WalletPrivateKey == "" {
			return fmt.Errorf("WALLET_PRIVATE_KEY is required when PAPER_TRADE is false")
		}
		if c.SpotFeedWSURL == "" {
			return fmt.Errorf("SPOT_FEED_WS_URL is required when PAPER_TRADE is false")
		}
	}
	if c.Bankroll <= 0 {
		return fmt.Errorf("BANKROLL must be > 0")
	}
	if c.TradeSizePct <= 0 || c.TradeSizePct > 1 {
		return fmt.Errorf("TRADE_SIZE_PCT must be in (0, 1]")
	}
	if c.MinOrderSize <= 0 {
		return fmt.Errorf("MIN_ORDER_SIZE must be > 0")
	}
	if c.MinEntryPrice <= 0 || c.MaxEntryPrice <= c.MinEntryPrice || c.MaxEntryPrice >= 1 {
		return fmt.Errorf("MIN_ENTRY_PRICE/MAX_ENTRY_PRICE must satisfy 0 < min < max < 1")
	}
	if c.MaxAllowedSpread <= 0 {
		return fmt.Errorf("MAX_ALLOWED_SPREAD must be > 0")
	}
	if c.TickInterval <= 0 || c.StopLossCheckInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL and STOP_LOSS_CHECK_INTERVAL must be > 0")
	}
	if c.StabilityTicksRequired <= 0 {
		return fmt.Errorf("STABILITY_TICKS_REQUIRED must be > 0")
	}
	if c.SessionReportDir == "" {
		return fmt.Errorf("SESSION_REPORT_DIR is required")
	}
	return nil
}
