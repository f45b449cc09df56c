// Package config loads engine configuration (viper, with AGORA_* env
// overrides) and market scenario seed files (YAML).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Platform PlatformConfig `mapstructure:"platform"`
	Advisor  AdvisorConfig  `mapstructure:"advisor"`
	Trigger  TriggerConfig  `mapstructure:"trigger"`
	Round    RoundConfig    `mapstructure:"round"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// PlatformConfig controls the platform's cut of the waterfall.
type PlatformConfig struct {
	// CutPct is the fraction of positive net profit taken by the platform.
	CutPct float64 `mapstructure:"cut_pct"`
	// Wallet receives the platform cut on the payment rail.
	Wallet string `mapstructure:"wallet"`
}

// AdvisorConfig selects and tunes the strategic advisor.
type AdvisorConfig struct {
	// Mode is "rule" for the deterministic offline advisor or "api" for an
	// OpenAI-compatible endpoint.
	Mode       string        `mapstructure:"mode"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	CacheSize  int           `mapstructure:"cache_size"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// TriggerConfig tunes exception handling.
type TriggerConfig struct {
	CooldownRounds int           `mapstructure:"cooldown_rounds"`
	MarginStep     float64       `mapstructure:"margin_step"`
	AdvisorTimeout time.Duration `mapstructure:"advisor_timeout"`
}

// RoundConfig tunes the pipeline.
type RoundConfig struct {
	Parallelism   int `mapstructure:"parallelism"`
	TriggerBudget int `mapstructure:"trigger_budget"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics, empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info"},
		Platform: PlatformConfig{CutPct: 0.05, Wallet: "wallet-platform"},
		Advisor: AdvisorConfig{
			Mode:       "rule",
			BaseURL:    "https://openrouter.ai/api/v1",
			Model:      "openai/gpt-4o-mini",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			CacheSize:  128,
			CacheTTL:   10 * time.Minute,
		},
		Trigger: TriggerConfig{
			CooldownRounds: 5,
			MarginStep:     0.02,
			AdvisorTimeout: 30 * time.Second,
		},
		Round:   RoundConfig{Parallelism: 8, TriggerBudget: 4},
		Metrics: MetricsConfig{},
	}
}

// Load reads configuration from the given file (optional) with AGORA_*
// environment overrides layered on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AGORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("platform.cut_pct", def.Platform.CutPct)
	v.SetDefault("platform.wallet", def.Platform.Wallet)
	v.SetDefault("advisor.mode", def.Advisor.Mode)
	v.SetDefault("advisor.base_url", def.Advisor.BaseURL)
	v.SetDefault("advisor.api_key", def.Advisor.APIKey)
	v.SetDefault("advisor.model", def.Advisor.Model)
	v.SetDefault("advisor.timeout", def.Advisor.Timeout)
	v.SetDefault("advisor.max_retries", def.Advisor.MaxRetries)
	v.SetDefault("advisor.cache_size", def.Advisor.CacheSize)
	v.SetDefault("advisor.cache_ttl", def.Advisor.CacheTTL)
	v.SetDefault("trigger.cooldown_rounds", def.Trigger.CooldownRounds)
	v.SetDefault("trigger.margin_step", def.Trigger.MarginStep)
	v.SetDefault("trigger.advisor_timeout", def.Trigger.AdvisorTimeout)
	v.SetDefault("round.parallelism", def.Round.Parallelism)
	v.SetDefault("round.trigger_budget", def.Round.TriggerBudget)
	v.SetDefault("metrics.addr", def.Metrics.Addr)
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Platform.CutPct < 0 || c.Platform.CutPct >= 1 {
		return fmt.Errorf("platform.cut_pct %v out of range [0, 1)", c.Platform.CutPct)
	}
	if c.Platform.Wallet == "" {
		return fmt.Errorf("platform.wallet must be set")
	}
	switch c.Advisor.Mode {
	case "rule":
	case "api":
		if c.Advisor.APIKey == "" {
			return fmt.Errorf("advisor.api_key required when advisor.mode is api")
		}
		if c.Advisor.Model == "" {
			return fmt.Errorf("advisor.model required when advisor.mode is api")
		}
	default:
		return fmt.Errorf("advisor.mode %q is not one of rule, api", c.Advisor.Mode)
	}
	if c.Trigger.CooldownRounds < 0 {
		return fmt.Errorf("trigger.cooldown_rounds must not be negative")
	}
	if c.Trigger.MarginStep <= 0 || c.Trigger.MarginStep >= 0.5 {
		return fmt.Errorf("trigger.margin_step %v out of range (0, 0.5)", c.Trigger.MarginStep)
	}
	if c.Round.Parallelism < 1 {
		return fmt.Errorf("round.parallelism must be at least 1")
	}
	return nil
}
