package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pivot/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the pivot trading system.
type Config struct {
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Broker     BrokerConfig     `yaml:"broker"`
	Storage    Storage          `yaml:"storage"`
	Server     Server           `yaml:"server"`
	Logging    Logging          `yaml:"logging"`
}

// TradingConfig identifies the traded instrument and the bracket geometry.
type TradingConfig struct {
	Ticker          string  `yaml:"ticker"`
	SecType         string  `yaml:"sec_type"`
	Exchange        string  `yaml:"exchange"`
	Currency        string  `yaml:"currency"`
	Contracts       int     `yaml:"contracts"`
	TickSize        float64 `yaml:"tick_size"`
	PointValue      float64 `yaml:"point_value"`
	StopLossTicks   int     `yaml:"stop_loss_ticks"`
	TakeProfitTicks int     `yaml:"take_profit_ticks"`
	RolloverDays    int     `yaml:"rollover_days"`
	// ResubmitCancelledEntry re-places the entry order when the broker
	// cancels it before any fill.
	ResubmitCancelledEntry bool   `yaml:"resubmit_cancelled_entry"`
	CycleSeconds           int    `yaml:"cycle_seconds"`
	Timezone               string `yaml:"timezone"`
}

// RiskConfig defines the trading calendar and loss limits. Times use the
// compact HHMM form in the configured timezone.
type RiskConfig struct {
	SessionStart       string   `yaml:"session_start"`
	SessionEnd         string   `yaml:"session_end"`
	EODExit            string   `yaml:"eod_exit"`
	MaxLossPerContract float64  `yaml:"max_loss_per_contract"`
	PauseMinutes       int      `yaml:"pause_minutes"`
	Holidays           []string `yaml:"holidays"` // YYYY-MM-DD
}

// MarketDataConfig controls the per-cycle history fetch.
type MarketDataConfig struct {
	HistoryMinutes  int `yaml:"history_minutes"`
	BarSeconds      int `yaml:"bar_seconds"`
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
}

// StrategyConfig selects and parameterizes the signal strategy.
type StrategyConfig struct {
	Name         string  `yaml:"name"`
	BBPeriod     int     `yaml:"bb_period"`
	BBStdDev     float64 `yaml:"bb_std_dev"`
	RSIPeriod    int     `yaml:"rsi_period"`
	RSIThreshold float64 `yaml:"rsi_threshold"`
}

// BrokerConfig selects the broker backend and its shared operation timeout.
type BrokerConfig struct {
	Kind           string `yaml:"kind"` // "paper" or "alpaca"
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Alpaca         Alpaca `yaml:"alpaca"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration for the status API.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Trading: TradingConfig{
			SecType:      "FUT",
			Exchange:     "CME",
			Currency:     "USD",
			Contracts:    1,
			RolloverDays: 5,
			CycleSeconds: 30,
			Timezone:     "US/Eastern",
		},
		Risk: RiskConfig{
			PauseMinutes: 60,
		},
		MarketData: MarketDataConfig{
			HistoryMinutes:  390,
			BarSeconds:      60,
			RateLimitPerMin: 60,
		},
		Broker: BrokerConfig{
			Kind:           "paper",
			TimeoutSeconds: 10,
		},
		Logging: Logging{Level: "info"},
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Broker.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Broker.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation and derived values
// ---------------------------------------------------------------------------

// Validate checks the fields the engine cannot run without.
func (c *Config) Validate() error {
	if c.Trading.Ticker == "" {
		return fmt.Errorf("trading.ticker is required")
	}
	if c.Trading.Contracts <= 0 {
		return fmt.Errorf("trading.contracts must be positive, got %d", c.Trading.Contracts)
	}
	if c.Trading.TickSize <= 0 {
		return fmt.Errorf("trading.tick_size must be positive, got %v", c.Trading.TickSize)
	}
	if c.Trading.StopLossTicks <= 0 || c.Trading.TakeProfitTicks <= 0 {
		return fmt.Errorf("trading.stop_loss_ticks and trading.take_profit_ticks must be positive")
	}
	if _, err := util.ParseClock(c.Risk.SessionStart); err != nil {
		return fmt.Errorf("risk.session_start: %w", err)
	}
	if _, err := util.ParseClock(c.Risk.SessionEnd); err != nil {
		return fmt.Errorf("risk.session_end: %w", err)
	}
	if _, err := util.ParseClock(c.Risk.EODExit); err != nil {
		return fmt.Errorf("risk.eod_exit: %w", err)
	}
	for _, d := range c.Risk.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("risk.holidays entry %q: %w", d, err)
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("trading.timezone: %w", err)
	}
	switch c.Broker.Kind {
	case "paper", "alpaca":
	default:
		return fmt.Errorf("broker.kind must be \"paper\" or \"alpaca\", got %q", c.Broker.Kind)
	}
	return nil
}

// Location resolves the configured trading timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Trading.Timezone)
}

// BrokerTimeout returns the shared broker operation timeout.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Broker.TimeoutSeconds) * time.Second
}

// CycleInterval returns the control loop sleep between iterations.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Trading.CycleSeconds) * time.Second
}
