// Package config loads engine configuration from a YAML file, with
// environment variables overriding sensitive fields. Structure follows
// the pack's viper+YAML approach; secret handling follows the teacher's
// env-first instinct for anything that touches a wallet or an API key.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// WalletConfig holds the signing identity used for EIP-712 order signing.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int64  `mapstructure:"chain_id"`
}

// ExchangeConfig points at the CLOB endpoints and L2 auth triplet.
type ExchangeConfig struct {
	CLOBBaseURL    string        `mapstructure:"clob_base_url"`
	GammaBaseURL   string        `mapstructure:"gamma_base_url"`
	WSMarketURL    string        `mapstructure:"ws_market_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	Passphrase     string        `mapstructure:"passphrase"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WindowConfig controls the fixed-grid epoch parameters.
type WindowConfig struct {
	SizeSeconds     int64         `mapstructure:"size_seconds"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	OracleFreshness time.Duration `mapstructure:"oracle_freshness"`
}

// RiskConfig carries per-order and per-window limits and the Position
// Manager's exit parameters.
type RiskConfig struct {
	MaxOrderUSD           float64 `mapstructure:"max_order_usd"`
	WindowOrderCap        int     `mapstructure:"window_order_cap"`
	TrailingActivationPct float64 `mapstructure:"trailing_activation_pct"`
	TrailingStopPct       float64 `mapstructure:"trailing_stop_pct"`
	ProfitFloorPct        float64 `mapstructure:"profit_floor_pct"`
	StopLossPct           float64 `mapstructure:"stop_loss_pct"`
	ReversalThresholdPct  float64 `mapstructure:"reversal_threshold_pct"`
	MaxSessionLossUSD     float64 `mapstructure:"max_session_loss_usd"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // "sqlite://path" or "postgres://..."
}

// LoggingConfig controls zerolog's output mode.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// APIConfig controls the outbound dashboard server.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// TelegramConfig controls the operator bot, optional.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// Config is the root configuration object.
type Config struct {
	TradingMode string         `mapstructure:"trading_mode"` // PAPER | LIVE | DRY_RUN
	Symbols     []string       `mapstructure:"symbols"`
	Wallet      WalletConfig   `mapstructure:"wallet"`
	Exchange    ExchangeConfig `mapstructure:"exchange"`
	Window      WindowConfig   `mapstructure:"window"`
	Risk        RiskConfig     `mapstructure:"risk"`
	Store       StoreConfig    `mapstructure:"store"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	API         APIConfig      `mapstructure:"api"`
	Telegram    TelegramConfig `mapstructure:"telegram"`

	// LiveConfirmed gates entry into LIVE mode; must be set via the
	// WINWINDOW_LIVE_CONFIRMED env var, never via the YAML file, so that
	// a committed config can never silently enable live trading.
	LiveConfirmed bool
}

func defaults(v *viper.Viper) {
	v.SetDefault("trading_mode", "PAPER")
	v.SetDefault("symbols", []string{"BTC"})
	v.SetDefault("wallet.signature_type", 0)
	v.SetDefault("wallet.chain_id", 137)
	v.SetDefault("exchange.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("exchange.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("exchange.request_timeout", 5*time.Second)
	v.SetDefault("window.size_seconds", 900)
	v.SetDefault("window.check_interval", 10*time.Second)
	v.SetDefault("window.oracle_freshness", 5*time.Second)
	v.SetDefault("risk.max_order_usd", 5.0)
	v.SetDefault("risk.window_order_cap", 2)
	v.SetDefault("risk.trailing_activation_pct", 0.15)
	v.SetDefault("risk.trailing_stop_pct", 0.05)
	v.SetDefault("risk.profit_floor_pct", 0.02)
	v.SetDefault("risk.stop_loss_pct", 0.20)
	v.SetDefault("risk.reversal_threshold_pct", 0.10)
	v.SetDefault("risk.max_session_loss_usd", 50.0)
	v.SetDefault("store.dsn", "sqlite://winwindow.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", true)
	v.SetDefault("api.listen_addr", ":8090")
	v.SetDefault("telegram.enabled", false)
}

// Load reads config from path (YAML), overlays a .env file if present, and
// applies environment-variable overrides for secrets. path may be empty,
// in which case only defaults and env vars apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("WINWINDOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applySecretOverrides(&cfg)

	cfg.LiveConfirmed = os.Getenv("WINWINDOW_LIVE_CONFIRMED") == "true"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applySecretOverrides lets deployment secrets win over whatever (if
// anything) landed in the YAML file, mirroring the pack's instinct to
// never trust a committed file with key material.
func applySecretOverrides(cfg *Config) {
	if v := os.Getenv("WINWINDOW_WALLET_PRIVATE_KEY"); v != "" {
		cfg.Wallet.PrivateKey = v
	}
	if v := os.Getenv("WINWINDOW_CLOB_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("WINWINDOW_CLOB_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := os.Getenv("WINWINDOW_CLOB_PASSPHRASE"); v != "" {
		cfg.Exchange.Passphrase = v
	}
	if v := os.Getenv("WINWINDOW_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
}

// Validate checks required fields and rejects LIVE mode without explicit
// confirmation.
func (c *Config) Validate() error {
	switch c.TradingMode {
	case "PAPER", "LIVE", "DRY_RUN":
	default:
		return fmt.Errorf("invalid trading_mode %q", c.TradingMode)
	}
	if c.TradingMode == "LIVE" {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("LIVE mode requires wallet.private_key")
		}
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("LIVE mode requires exchange API credentials")
		}
		if !c.LiveConfirmed {
			return fmt.Errorf("LIVE mode requires WINWINDOW_LIVE_CONFIRMED=true")
		}
	}
	if c.Window.SizeSeconds <= 0 {
		return fmt.Errorf("window.size_seconds must be positive")
	}
	if c.Risk.WindowOrderCap <= 0 {
		return fmt.Errorf("risk.window_order_cap must be positive")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol must be configured")
	}
	return nil
}
