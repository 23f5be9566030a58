package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"catalyst/internal/norm"
	"catalyst/internal/recon"
	"catalyst/internal/safety"
	"catalyst/internal/session"
	"catalyst/internal/venue/alpacav"
	"catalyst/internal/venue/opend"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the catalyst trader.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Venue   string        `yaml:"venue"` // opend, alpaca, or simulator
	Futu    Futu          `yaml:"futu"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Safety  safety.Limits `yaml:"safety"`
	Session Session       `yaml:"session"`
	Recon   Recon         `yaml:"recon"`
	Trading Trading       `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration for the metrics endpoint.
type Server struct {
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Futu holds connection parameters for a local OpenD gateway.
type Futu struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	AuthKey         string `yaml:"auth_key"`
	UnlockPwd       string `yaml:"unlock_pwd"`
	CallTimeoutSec  int    `yaml:"call_timeout_sec"`
	OrdersPerMinute int    `yaml:"orders_per_minute"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	BaseURL      string `yaml:"base_url"`
	DataURL      string `yaml:"data_url"`
	QuotePollSec int    `yaml:"quote_poll_sec"`
	RatePerMin   int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Session tunes venue session keepalive and reconnection.
type Session struct {
	PingIntervalSec int `yaml:"ping_interval_sec"`
	BackoffBaseSec  int `yaml:"backoff_base_sec"`
	BackoffMaxSec   int `yaml:"backoff_max_sec"`
	MaxFailures     int `yaml:"max_failures"`
}

// Recon tunes the reconciliation loop.
type Recon struct {
	IntervalSec     int `yaml:"interval_sec"`
	SnapshotRetries int `yaml:"snapshot_retries"`
	RetryDelaySec   int `yaml:"retry_delay_sec"`
}

// Trading defines execution-level parameters. An explicit tick_table
// replaces the market's default tiers.
type Trading struct {
	PaperMode bool           `yaml:"paper_mode"`
	Watchlist []string       `yaml:"watchlist"`
	TickTable norm.TickTable `yaml:"tick_table"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it,
// applies environment variable overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

	if v := os.Getenv("VENUE"); v != "" {
		cfg.Venue = v
	}

	if v := os.Getenv("FUTU_HOST"); v != "" {
		cfg.Futu.Host = v
	}
	if v := os.Getenv("FUTU_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Futu.Port = port
		}
	}
	if v := os.Getenv("FUTU_AUTH_KEY"); v != "" {
		cfg.Futu.AuthKey = v
	}
	if v := os.Getenv("FUTU_TRADE_PWD"); v != "" {
		cfg.Futu.UnlockPwd = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("PAPER_MODE"); v != "" {
		cfg.Trading.PaperMode = v == "1" || strings.EqualFold(v, "true")
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero-valued fields with workable defaults.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "catalyst.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9108
	}
	if cfg.Venue == "" {
		cfg.Venue = "simulator"
	}
	if cfg.Futu.Host == "" {
		cfg.Futu.Host = "127.0.0.1"
	}
	if cfg.Futu.Port == 0 {
		cfg.Futu.Port = 33333
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Safety == (safety.Limits{}) {
		cfg.Safety = safety.DefaultLimits()
	}
}

// validate rejects configurations that cannot be run.
func (c *Config) validate() error {
	switch c.Venue {
	case "opend", "alpaca", "simulator":
	default:
		return fmt.Errorf("config: unknown venue %q", c.Venue)
	}
	if c.Venue == "alpaca" && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("config: alpaca venue requires api_key and api_secret")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Component config derivation
// ---------------------------------------------------------------------------

// SessionConfig converts the session section to the manager's config.
// Zero-valued fields fall back to the manager's defaults.
func (c *Config) SessionConfig() session.Config {
	out := session.DefaultConfig()
	if c.Session.PingIntervalSec > 0 {
		out.PingInterval = time.Duration(c.Session.PingIntervalSec) * time.Second
	}
	if c.Session.BackoffBaseSec > 0 {
		out.BackoffBase = time.Duration(c.Session.BackoffBaseSec) * time.Second
	}
	if c.Session.BackoffMaxSec > 0 {
		out.BackoffMax = time.Duration(c.Session.BackoffMaxSec) * time.Second
	}
	if c.Session.MaxFailures > 0 {
		out.MaxFailures = c.Session.MaxFailures
	}
	return out
}

// ReconConfig converts the recon section to the reconciler's config. The
// synthetic stop distance follows the safety gate's stop-loss ceiling.
func (c *Config) ReconConfig() recon.Config {
	out := recon.DefaultConfig()
	if c.Recon.IntervalSec > 0 {
		out.Interval = time.Duration(c.Recon.IntervalSec) * time.Second
	}
	if c.Recon.SnapshotRetries > 0 {
		out.SnapshotRetries = c.Recon.SnapshotRetries
	}
	if c.Recon.RetryDelaySec > 0 {
		out.RetryDelay = time.Duration(c.Recon.RetryDelaySec) * time.Second
	}
	if c.Safety.MaxStopLossPct > 0 {
		out.MaxStopLossPct = c.Safety.MaxStopLossPct
	}
	return out
}

// OpenDConfig converts the futu section to the gateway client's config.
func (c *Config) OpenDConfig() opend.Config {
	out := opend.Config{
		Host:            c.Futu.Host,
		Port:            c.Futu.Port,
		AuthKey:         c.Futu.AuthKey,
		UnlockPwd:       c.Futu.UnlockPwd,
		Paper:           c.Trading.PaperMode,
		OrdersPerMinute: c.Futu.OrdersPerMinute,
	}
	if c.Futu.CallTimeoutSec > 0 {
		out.CallTimeout = time.Duration(c.Futu.CallTimeoutSec) * time.Second
	}
	return out
}

// AlpacaConfig converts the alpaca section to the venue client's config.
func (c *Config) AlpacaConfig() alpacav.Config {
	out := alpacav.Config{
		APIKey:            c.Alpaca.APIKey,
		APISecret:         c.Alpaca.APISecret,
		BaseURL:           c.Alpaca.BaseURL,
		DataURL:           c.Alpaca.DataURL,
		RequestsPerMinute: c.Alpaca.RatePerMin,
	}
	if c.Alpaca.QuotePollSec > 0 {
		out.QuotePollInterval = time.Duration(c.Alpaca.QuotePollSec) * time.Second
	}
	return out
}
