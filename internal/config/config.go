// Package config manages trader configuration loading, validation, and reload.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Mode selects how orders reach a venue.
type Mode string

const (
	// ModePaper fills orders in process against streamed prices.
	ModePaper Mode = "paper"
	// ModeLive routes orders to a venue. Only the paper venue ships today.
	ModeLive Mode = "live"
)

// AppConfig is the unified trader configuration sourced from YAML.
type AppConfig struct {
	Environment Environment        `yaml:"environment"`
	Mode        Mode               `yaml:"mode"`
	Account     AccountConfig      `yaml:"account"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Strategies  []StrategyConfig   `yaml:"strategies"`
	Coordinator CoordinatorConfig  `yaml:"coordinator"`
	Risk        RiskConfig         `yaml:"risk"`
	Orders      OrdersConfig       `yaml:"orders"`
	Venue       VenueConfig        `yaml:"venue"`
	Backtest    BacktestConfig     `yaml:"backtest"`
	Advisory    AdvisoryConfig     `yaml:"advisory"`
	Feed        FeedConfig         `yaml:"feed"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Database    DatabaseConfig     `yaml:"database"`
	Reload      ReloadConfig       `yaml:"reload"`
	// Extra collects unknown top-level keys so typos fail loudly.
	Extra map[string]any `yaml:",inline"`
}

// Load reads, normalises, and validates an AppConfig from a YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	if err := ctx.Err(); err != nil {
		return AppConfig{}, err
	}
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes YAML bytes into a validated AppConfig.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Extra) > 0 {
		keys := make([]string, 0, len(cfg.Extra))
		for k := range cfg.Extra {
			keys = append(keys, k)
		}
		return AppConfig{}, fmt.Errorf("unknown config sections: %s", strings.Join(sortedStrings(keys), ", "))
	}
	cfg.normalise()
	if err := cfg.resolve(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	c.Account.QuoteCurrency = strings.ToUpper(strings.TrimSpace(c.Account.QuoteCurrency))
	if c.Account.QuoteCurrency == "" {
		c.Account.QuoteCurrency = "USD"
	}
	for i := range c.Instruments {
		c.Instruments[i].Symbol = strings.TrimSpace(c.Instruments[i].Symbol)
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		s.Instrument = strings.TrimSpace(s.Instrument)
		s.Timeframe = strings.TrimSpace(s.Timeframe)
		if s.Enabled == nil {
			enabled := true
			s.Enabled = &enabled
		}
	}
	c.Coordinator.normalise()
	c.Risk.normalise()
	c.Orders.normalise()
	c.Venue.normalise()
	c.Backtest.normalise()
	c.Advisory.normalise()
	c.Feed.normalise()
	c.Telemetry.normalise()
	c.Database.DSNRef = strings.TrimSpace(c.Database.DSNRef)
	if c.Reload.Interval <= 0 {
		c.Reload.Interval = 5 * time.Second
	}
}

// resolve parses decimal strings into their typed counterparts.
func (c *AppConfig) resolve() error {
	var err error
	if c.Account.capital, err = parseDecimal("account initialCapital", c.Account.InitialCapital); err != nil {
		return err
	}
	for i := range c.Instruments {
		if err := c.Instruments[i].resolve(); err != nil {
			return err
		}
	}
	if err := c.Risk.resolve(); err != nil {
		return err
	}
	if c.Venue.feeRate, err = parseDecimal("venue feeRate", c.Venue.FeeRate); err != nil {
		return err
	}
	return c.Backtest.resolve()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("mode must be paper or live")
	}
	if !c.Account.capital.IsPositive() {
		return fmt.Errorf("account initialCapital must be > 0")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument required")
	}
	symbols := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if err := inst.Validate(); err != nil {
			return err
		}
		if symbols[inst.Symbol] {
			return fmt.Errorf("instrument %s declared twice", inst.Symbol)
		}
		symbols[inst.Symbol] = true
	}
	ids := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if err := s.Validate(symbols); err != nil {
			return err
		}
		if ids[s.ID] {
			return fmt.Errorf("strategy %s declared twice", s.ID)
		}
		ids[s.ID] = true
	}
	if err := c.Coordinator.Validate(); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if err := c.Orders.Validate(); err != nil {
		return err
	}
	if err := c.Venue.Validate(); err != nil {
		return err
	}
	if err := c.Backtest.Validate(); err != nil {
		return err
	}
	if err := c.Advisory.Validate(); err != nil {
		return err
	}
	if c.Database.DSNRef != "" {
		if err := ValidateCredentialRef(c.Database.DSNRef); err != nil {
			return fmt.Errorf("database dsnRef: %w", err)
		}
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
