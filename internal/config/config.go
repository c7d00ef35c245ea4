// Package config loads operator configuration from a file and environment
// overrides. Chain entries override the built-in chain table; everything
// else carries service-level settings.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/logger"
)

// ChainEntry overrides one chain's defaults. Zero values keep the built-in
// configuration.
type ChainEntry struct {
	ChainID                   string  `mapstructure:"chain_id"`
	RPCURL                    string  `mapstructure:"rpc_url"`
	MaxBatchSize              int     `mapstructure:"max_batch_size"`
	FallbackGasPriceWei       uint64  `mapstructure:"fallback_gas_price_wei"`
	PriorityFee               uint64  `mapstructure:"priority_fee"`
	WithdrawReserveMultiplier float64 `mapstructure:"withdraw_reserve_multiplier"`
}

type Config struct {
	PostgresURL string       `mapstructure:"postgres_url"`
	Chains      []ChainEntry `mapstructure:"chains"`

	// AccountCreationRatio is the assumed fraction of recipients without an
	// existing token account, used by fee estimation.
	AccountCreationRatio float64 `mapstructure:"account_creation_ratio"`

	// PriceFallbacksUSD maps native symbols to the assumed price used when
	// the live lookup fails.
	PriceFallbacksUSD map[string]float64 `mapstructure:"price_fallbacks_usd"`
	DisableLivePrices bool               `mapstructure:"disable_live_prices"`

	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	DebugLogging  bool   `mapstructure:"debug_logging"`
}

const (
	DefaultAccountCreationRatio = 0.30
	DefaultLogMaxSizeMB         = 100
	DefaultLogMaxAgeDays        = 7
	DefaultLogMaxBackups        = 3
)

// Load reads the configuration file at path, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"account_creation_ratio": DefaultAccountCreationRatio,
		"log_file":               "multisender.log",
		"log_max_size_mb":        DefaultLogMaxSizeMB,
		"log_max_age_days":       DefaultLogMaxAgeDays,
		"log_max_backups":        DefaultLogMaxBackups,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvironmentVariables(v, &cfg)

	return &cfg, cfg.Validate()
}

// Validate checks the configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	if c.PostgresURL == "" {
		return errors.New("missing postgres_url in configuration")
	}
	if c.AccountCreationRatio < 0 || c.AccountCreationRatio > 1 {
		return fmt.Errorf("account_creation_ratio must be in [0,1], got %g", c.AccountCreationRatio)
	}
	seen := make(map[string]bool, len(c.Chains))
	for _, entry := range c.Chains {
		if entry.ChainID == "" {
			return errors.New("chain entry missing chain_id")
		}
		if seen[entry.ChainID] {
			return fmt.Errorf("duplicate chain entry %q", entry.ChainID)
		}
		seen[entry.ChainID] = true
		if entry.RPCURL != "" {
			if err := validateURL(entry.RPCURL, "http"); err != nil {
				return fmt.Errorf("chain %q: %w", entry.ChainID, err)
			}
		}
		if entry.WithdrawReserveMultiplier < 0 {
			return fmt.Errorf("chain %q: withdraw_reserve_multiplier must not be negative", entry.ChainID)
		}
	}
	return nil
}

// ChainOverrides converts the config entries into registry overrides.
func (c *Config) ChainOverrides() []chains.Override {
	out := make([]chains.Override, 0, len(c.Chains))
	for _, entry := range c.Chains {
		out = append(out, chains.Override{
			ChainID:                   entry.ChainID,
			RPCURL:                    entry.RPCURL,
			MaxBatchSize:              entry.MaxBatchSize,
			FallbackGasPriceWei:       entry.FallbackGasPriceWei,
			PriorityFee:               entry.PriorityFee,
			WithdrawReserveMultiplier: entry.WithdrawReserveMultiplier,
		})
	}
	return out
}

// LoggerConfig maps the log settings onto the logger's configuration.
func (c *Config) LoggerConfig() *logger.Config {
	return &logger.Config{
		LogFile:     c.LogFile,
		MaxSize:     c.LogMaxSizeMB,
		MaxAge:      c.LogMaxAgeDays,
		MaxBackups:  c.LogMaxBackups,
		Compress:    true,
		Development: c.DebugLogging,
	}
}

func validateURL(rawURL, scheme string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, scheme) {
		return fmt.Errorf("URL must use %s, got %q", scheme, parsed.Scheme)
	}
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) {
	v.AutomaticEnv()
	v.SetEnvPrefix("MULTISENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if dsn := v.GetString("POSTGRES_URL"); dsn != "" {
		cfg.PostgresURL = dsn
	}
	if v.IsSet("DEBUG_LOGGING") {
		cfg.DebugLogging = v.GetBool("DEBUG_LOGGING")
	}
}
