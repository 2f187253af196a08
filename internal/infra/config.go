package infra

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UserAgent is sent on every REST request.
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("%s/%s (%s; %s)", AppName, version, runtime.GOOS, runtime.GOARCH)
}

// Trading modes.
const (
	ModePaper = "PAPER"
	ModeDemo  = "DEMO"
	ModeReal  = "REAL"
)

// SymbolConfig is the precision policy of one trading pair.
type SymbolConfig struct {
	Wire          string `yaml:"wire"`
	Base          string `yaml:"base"`
	Quote         string `yaml:"quote"`
	PriceDecimals int32  `yaml:"price_decimals"`
	QtyDecimals   int32  `yaml:"qty_decimals"`
	MinQty        string `yaml:"min_qty"`
	MaxQty        string `yaml:"max_qty"`
}

// Config holds every application setting. After LoadConfig, secrets from the
// environment take precedence over the file.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode            string                  `yaml:"mode"`
		Tier            string                  `yaml:"tier"`
		MaxActiveOrders int                     `yaml:"max_active_orders"`
		OrderTimeout    time.Duration           `yaml:"order_timeout"`
		CallTimeout     time.Duration           `yaml:"call_timeout"`
		CancelSettle    time.Duration           `yaml:"cancel_settle"`
		HistoryLimit    int                     `yaml:"history_limit"`
		Symbols         map[string]SymbolConfig `yaml:"symbols"`

		Paper struct {
			Balances map[string]string `yaml:"balances"`
			FeeRate  string            `yaml:"fee_rate"`
		} `yaml:"paper"`
	} `yaml:"trading"`

	RateLimit struct {
		FactorMin       float64       `yaml:"factor_min"`
		FactorMax       float64       `yaml:"factor_max"`
		FactorStep      float64       `yaml:"factor_step"`
		Predictive      *bool         `yaml:"predictive"`
		Horizon         time.Duration `yaml:"horizon"`
		BurstMultiplier float64       `yaml:"burst_multiplier"`
		BurstWindow     time.Duration `yaml:"burst_window"`
		MinWeightFactor float64       `yaml:"min_weight_factor"`
		SuccessRate     float64       `yaml:"success_rate"`
	} `yaml:"ratelimit"`

	API struct {
		Kraken struct {
			RestURL   string `yaml:"rest_url"`
			WSURL     string `yaml:"ws_url"`
			AuthWSURL string `yaml:"auth_ws_url"`
			APIKey    string `yaml:"api_key"`
			APISecret string `yaml:"api_secret"`
		} `yaml:"kraken"`
	} `yaml:"api"`

	State struct {
		Dir        string        `yaml:"dir"`
		File       string        `yaml:"file"`
		Debounce   time.Duration `yaml:"debounce"`
		BackupKeep int           `yaml:"backup_keep"`
	} `yaml:"state"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// LoadConfig reads and parses the config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes yaml, applies env overrides and defaults, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Trading.Mode = strings.ToUpper(strings.TrimSpace(c.Trading.Mode))
	if c.Trading.Mode == "" {
		c.Trading.Mode = ModePaper
	}
	if c.API.Kraken.RestURL == "" {
		c.API.Kraken.RestURL = "https://api.kraken.com"
	}
	if c.API.Kraken.WSURL == "" {
		c.API.Kraken.WSURL = "wss://ws.kraken.com/v2"
	}
	if c.API.Kraken.AuthWSURL == "" {
		c.API.Kraken.AuthWSURL = "wss://ws-auth.kraken.com/v2"
	}
	if c.State.File == "" {
		c.State.File = "state.json"
	}
	if c.State.BackupKeep == 0 {
		c.State.BackupKeep = 10
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "journal.db"
	}
	if c.Trading.Paper.FeeRate == "" {
		c.Trading.Paper.FeeRate = "0.0026"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case ModePaper, ModeDemo, ModeReal:
	default:
		return fmt.Errorf("unknown trading mode %q", c.Trading.Mode)
	}

	if !strings.HasPrefix(c.API.Kraken.WSURL, "ws://") && !strings.HasPrefix(c.API.Kraken.WSURL, "wss://") {
		return fmt.Errorf("invalid Kraken WS URL: %s", c.API.Kraken.WSURL)
	}
	if !strings.HasPrefix(c.API.Kraken.AuthWSURL, "ws://") && !strings.HasPrefix(c.API.Kraken.AuthWSURL, "wss://") {
		return fmt.Errorf("invalid Kraken auth WS URL: %s", c.API.Kraken.AuthWSURL)
	}
	if !strings.HasPrefix(c.API.Kraken.RestURL, "http://") && !strings.HasPrefix(c.API.Kraken.RestURL, "https://") {
		return fmt.Errorf("invalid Kraken REST URL: %s", c.API.Kraken.RestURL)
	}
	if c.Trading.Mode != ModePaper && (c.API.Kraken.APIKey == "" || c.API.Kraken.APISecret == "") {
		return fmt.Errorf("%s mode requires Kraken API credentials", c.Trading.Mode)
	}

	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("at least one trading symbol is required")
	}
	for sym, s := range c.Trading.Symbols {
		if !strings.Contains(sym, "/") {
			return fmt.Errorf("symbol %q must be BASE/QUOTE", sym)
		}
		if s.PriceDecimals < 0 || s.QtyDecimals < 0 {
			return fmt.Errorf("symbol %s: decimals must not be negative", sym)
		}
	}

	if c.Trading.MaxActiveOrders < 0 || c.Trading.HistoryLimit < 0 {
		return fmt.Errorf("trading limits must not be negative")
	}
	if c.Trading.OrderTimeout < 0 || c.Trading.CallTimeout < 0 || c.Trading.CancelSettle < 0 {
		return fmt.Errorf("trading timeouts must not be negative")
	}
	if c.RateLimit.FactorMin < 0 || (c.RateLimit.FactorMax > 0 && c.RateLimit.FactorMax < c.RateLimit.FactorMin) {
		return fmt.Errorf("ratelimit factor bounds are inconsistent")
	}
	if c.State.Debounce < 0 {
		return fmt.Errorf("state debounce must not be negative")
	}
	return nil
}

// overrideWithEnv lets the environment win over the config file.
func overrideWithEnv(cfg *Config) {
	if cfg.API.Kraken.APISecret != "" {
		slog.Warn("API secret found in config file; prefer CRYPTO_KRAKEN_KEY and CRYPTO_KRAKEN_SECRET")
	}

	if key := os.Getenv("CRYPTO_KRAKEN_KEY"); key != "" {
		cfg.API.Kraken.APIKey = key
	}
	if secret := os.Getenv("CRYPTO_KRAKEN_SECRET"); secret != "" {
		cfg.API.Kraken.APISecret = secret
	}
	if mode := os.Getenv("CRYPTO_TRADING_MODE"); mode != "" {
		cfg.Trading.Mode = mode
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
}
