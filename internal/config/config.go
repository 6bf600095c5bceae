// Package config provides configuration management for the trading daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Policy defaults applied when the corresponding field is unset
const (
	// defaultIntervalSeconds is the orchestrator tick cadence
	defaultIntervalSeconds = 120
	// defaultScanTime is the earliest exchange-local time for the pre-market scan
	defaultScanTime = "04:00"
	// defaultEODFlatTime is the exchange-local time of the forced end-of-day flat
	defaultEODFlatTime = "15:45"
	// defaultMonthlyLimitPct is the monthly drawdown that suspends trading
	defaultMonthlyLimitPct = 6.0
	// defaultPerTradeRiskPct is the equity percent risked between entry and stop
	defaultPerTradeRiskPct = 1.0
	// defaultPerTradeValueCapPct caps position notional as a percent of equity
	defaultPerTradeValueCapPct = 10.0
	// defaultTopMovers is the per-direction watchlist size
	defaultTopMovers = 50
	// defaultMaxSteps bounds one agent reasoning session
	defaultMaxSteps = 30
	// defaultMaxRetries bounds tool adapter retries
	defaultMaxRetries = 3
	// defaultScanConcurrency bounds parallel per-symbol fetches
	defaultScanConcurrency = 8
	// defaultSignature namespaces all on-disk state under the storage root
	defaultSignature = "stamford-v1"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Risk        RiskConfig        `yaml:"risk"`
	Scanner     ScannerConfig     `yaml:"scanner"`
	Agent       AgentConfig       `yaml:"agent"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider     string `yaml:"provider"` // alpaca | tradier
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"` // alpaca only; tradier is token-auth
	AccountID    string `yaml:"account_id"` // tradier only
	APIEndpoint  string `yaml:"api_endpoint"`  // empty = derived from environment.mode
	DataEndpoint string `yaml:"data_endpoint"` // empty = SDK default
}

// ScheduleConfig defines the orchestrator cadence and session policy.
type ScheduleConfig struct {
	IntervalSeconds int          `yaml:"interval_seconds"`
	ScanTime        string       `yaml:"scan_time"`     // "HH:MM" exchange-local
	EODFlatTime     string       `yaml:"eod_flat_time"` // "HH:MM" exchange-local
	Timezone        string       `yaml:"timezone"`      // e.g., "America/New_York"
	Sessions        SessionsMask `yaml:"sessions"`
}

// SessionsMask selects which sessions are trade-enabled. Regular hours
// only is the shipped default; the pre/post flags exist as policy knobs.
type SessionsMask struct {
	PreMarket  bool `yaml:"pre_market"`
	Regular    bool `yaml:"regular"`
	PostMarket bool `yaml:"post_market"`
}

// RiskConfig defines risk governor parameters. All percentages are in
// percent units (6.0 means 6%).
type RiskConfig struct {
	MonthlyLimitPct     float64 `yaml:"monthly_limit_pct"`
	PerTradeRiskPct     float64 `yaml:"per_trade_risk_pct"`
	PerTradeValueCapPct float64 `yaml:"per_trade_value_cap_pct"`
}

// ScannerConfig defines the pre-market scanner universe and filters.
type ScannerConfig struct {
	Universe     []string `yaml:"universe"` // empty = broker asset feed
	MinPrice     float64  `yaml:"min_price"`
	MinVolume    int64    `yaml:"min_volume"`
	MinMarketCap float64  `yaml:"min_market_cap"` // 0 disables the filter
	TopGainers   int      `yaml:"top_gainers"`
	TopLosers    int      `yaml:"top_losers"`
	Concurrency  int      `yaml:"concurrency"`
}

// AgentConfig defines the reasoning-loop provider and bounds.
type AgentConfig struct {
	Provider         string  `yaml:"provider"` // openai | anthropic | noop
	Model            string  `yaml:"model"`
	APIKey           string  `yaml:"api_key"`
	MaxSteps         int     `yaml:"max_steps"`
	MaxRetries       int     `yaml:"max_retries"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	SystemPromptPath string  `yaml:"system_prompt_path"`
}

// StorageConfig roots all persisted state at {log_path}/{signature}.
type StorageConfig struct {
	LogPath   string `yaml:"log_path"`
	Signature string `yaml:"signature"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Defaults are normalized in place before the checks run.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	switch c.Broker.Provider {
	case "alpaca":
		if c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_secret is required for provider 'alpaca'")
		}
	case "tradier":
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required for provider 'tradier'")
		}
	default:
		return fmt.Errorf("broker.provider must be 'alpaca' or 'tradier'")
	}

	// Schedule validation
	if c.Schedule.IntervalSeconds < 10 {
		return fmt.Errorf("schedule.interval_seconds must be >= 10")
	}
	loc := c.Location()
	if _, err := time.ParseInLocation("15:04", c.Schedule.ScanTime, loc); err != nil {
		return fmt.Errorf("schedule.scan_time invalid: %w", err)
	}
	flatClock, err := time.ParseInLocation("15:04", c.Schedule.EODFlatTime, loc)
	if err != nil {
		return fmt.Errorf("schedule.eod_flat_time invalid: %w", err)
	}
	// The forced flat must land inside regular hours or it never fires
	if flatClock.Hour() < 9 || (flatClock.Hour() == 9 && flatClock.Minute() < 30) || flatClock.Hour() >= 16 {
		return fmt.Errorf("schedule.eod_flat_time (%s) must fall within 09:30-16:00", c.Schedule.EODFlatTime)
	}

	// Risk validation
	if c.Risk.MonthlyLimitPct <= 0 || c.Risk.MonthlyLimitPct >= 100 {
		return fmt.Errorf("risk.monthly_limit_pct must be in (0,100)")
	}
	if c.Risk.PerTradeRiskPct <= 0 || c.Risk.PerTradeRiskPct > 10 {
		return fmt.Errorf("risk.per_trade_risk_pct must be in (0,10]")
	}
	if c.Risk.PerTradeValueCapPct <= 0 || c.Risk.PerTradeValueCapPct > 100 {
		return fmt.Errorf("risk.per_trade_value_cap_pct must be in (0,100]")
	}

	// Scanner validation
	if c.Scanner.MinPrice < 0 {
		return fmt.Errorf("scanner.min_price must be >= 0")
	}
	if c.Scanner.MinVolume < 0 {
		return fmt.Errorf("scanner.min_volume must be >= 0")
	}
	if c.Scanner.TopGainers <= 0 || c.Scanner.TopLosers <= 0 {
		return fmt.Errorf("scanner.top_gainers and scanner.top_losers must be > 0")
	}
	if c.Scanner.Concurrency <= 0 {
		return fmt.Errorf("scanner.concurrency must be > 0")
	}

	// Agent validation
	switch c.Agent.Provider {
	case "openai", "anthropic":
		if c.Agent.APIKey == "" {
			return fmt.Errorf("agent.api_key is required for provider %q", c.Agent.Provider)
		}
		if c.Agent.Model == "" {
			return fmt.Errorf("agent.model is required for provider %q", c.Agent.Provider)
		}
	case "noop":
		// No credentials needed; every cycle is a hold
	default:
		return fmt.Errorf("agent.provider must be 'openai', 'anthropic', or 'noop'")
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be > 0")
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries must be >= 0")
	}

	// Storage validation
	if c.Storage.LogPath == "" {
		return fmt.Errorf("storage.log_path is required")
	}
	if strings.ContainsAny(c.Storage.Signature, "/\\") {
		return fmt.Errorf("storage.signature must not contain path separators")
	}

	return nil
}

// normalize fills defaults for unset fields.
func (c *Config) normalize() {
	if c.Broker.Provider == "" {
		c.Broker.Provider = "alpaca"
	}
	if c.Broker.APIEndpoint == "" {
		switch {
		case c.Broker.Provider == "tradier" && c.Environment.Mode == "live":
			c.Broker.APIEndpoint = "https://api.tradier.com/v1"
		case c.Broker.Provider == "tradier":
			c.Broker.APIEndpoint = "https://sandbox.tradier.com/v1"
		case c.Environment.Mode == "live":
			c.Broker.APIEndpoint = "https://api.alpaca.markets"
		default:
			c.Broker.APIEndpoint = "https://paper-api.alpaca.markets"
		}
	}
	if c.Schedule.IntervalSeconds == 0 {
		c.Schedule.IntervalSeconds = defaultIntervalSeconds
	}
	if c.Schedule.ScanTime == "" {
		c.Schedule.ScanTime = defaultScanTime
	}
	if c.Schedule.EODFlatTime == "" {
		c.Schedule.EODFlatTime = defaultEODFlatTime
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if !c.Schedule.Sessions.PreMarket && !c.Schedule.Sessions.Regular && !c.Schedule.Sessions.PostMarket {
		c.Schedule.Sessions.Regular = true
	}
	if c.Risk.MonthlyLimitPct == 0 {
		c.Risk.MonthlyLimitPct = defaultMonthlyLimitPct
	}
	if c.Risk.PerTradeRiskPct == 0 {
		c.Risk.PerTradeRiskPct = defaultPerTradeRiskPct
	}
	if c.Risk.PerTradeValueCapPct == 0 {
		c.Risk.PerTradeValueCapPct = defaultPerTradeValueCapPct
	}
	if c.Scanner.TopGainers == 0 {
		c.Scanner.TopGainers = defaultTopMovers
	}
	if c.Scanner.TopLosers == 0 {
		c.Scanner.TopLosers = defaultTopMovers
	}
	if c.Scanner.Concurrency == 0 {
		c.Scanner.Concurrency = defaultScanConcurrency
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "noop"
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = defaultMaxSteps
	}
	if c.Agent.MaxRetries == 0 {
		c.Agent.MaxRetries = defaultMaxRetries
	}
	if c.Storage.Signature == "" {
		c.Storage.Signature = defaultSignature
	}
}

// IsPaperTrading returns true if the daemon is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetInterval returns the orchestrator tick cadence.
func (c *Config) GetInterval() time.Duration {
	if c.Schedule.IntervalSeconds <= 0 {
		return defaultIntervalSeconds * time.Second
	}
	return time.Duration(c.Schedule.IntervalSeconds) * time.Second
}

// Location resolves the configured exchange timezone, falling back to a
// fixed eastern offset for minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		if fallbackLoc, err2 := time.LoadLocation("America/New_York"); err2 == nil {
			loc = fallbackLoc
		} else {
			loc = time.FixedZone("EST", -5*60*60)
		}
	}
	return loc
}

// StateRoot returns {log_path}/{signature}, the directory that owns every
// persisted artifact for this process.
func (c *Config) StateRoot() string {
	return filepath.Join(c.Storage.LogPath, c.Storage.Signature)
}
