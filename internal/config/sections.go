package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/execution"
	"github.com/coachpo/meltica-trader/internal/order"
	"github.com/coachpo/meltica-trader/internal/risk"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// AccountConfig holds the starting balance. Amounts are decimal strings.
type AccountConfig struct {
	InitialCapital string `yaml:"initialCapital"`
	QuoteCurrency  string `yaml:"quoteCurrency"`

	capital decimal.Decimal
}

// Capital returns the parsed initial capital.
func (a AccountConfig) Capital() decimal.Decimal { return a.capital }

// InstrumentConfig declares one tradable instrument and its exchange filters.
type InstrumentConfig struct {
	Symbol       string `yaml:"symbol"`
	QuantityStep string `yaml:"quantityStep"`
	MinQuantity  string `yaml:"minQuantity"`
	PriceTick    string `yaml:"priceTick"`
	Multiplier   string `yaml:"multiplier"`

	parsed schema.Instrument
}

func (i *InstrumentConfig) resolve() error {
	scope := "instrument " + i.Symbol
	out := schema.Instrument{Symbol: i.Symbol}
	var err error
	if out.QuantityStep, err = parseDecimal(scope+" quantityStep", i.QuantityStep); err != nil {
		return err
	}
	if out.MinQuantity, err = parseDecimal(scope+" minQuantity", i.MinQuantity); err != nil {
		return err
	}
	if out.PriceTick, err = parseDecimal(scope+" priceTick", i.PriceTick); err != nil {
		return err
	}
	if out.Multiplier, err = parseDecimal(scope+" multiplier", i.Multiplier); err != nil {
		return err
	}
	i.parsed = out
	return nil
}

// Validate checks the parsed filters.
func (i InstrumentConfig) Validate() error {
	if err := i.parsed.Validate(); err != nil {
		return fmt.Errorf("instrument %q: %w", i.Symbol, err)
	}
	return nil
}

// Instrument returns the parsed instrument.
func (i InstrumentConfig) Instrument() schema.Instrument { return i.parsed }

// StrategyConfig declares one strategy unit. Order in the file is dispatch order.
type StrategyConfig struct {
	ID         string         `yaml:"id"`
	Kind       string         `yaml:"kind"`
	Instrument string         `yaml:"instrument"`
	Timeframe  string         `yaml:"timeframe"`
	Enabled    *bool          `yaml:"enabled"`
	Params     map[string]any `yaml:"params"`
}

// IsEnabled reports whether the unit starts active. Units default to enabled.
func (s StrategyConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Validate checks identity fields against the declared instruments.
func (s StrategyConfig) Validate(instruments map[string]bool) error {
	switch {
	case s.ID == "":
		return fmt.Errorf("strategy id required")
	case s.Kind == "":
		return fmt.Errorf("strategy %s: kind required", s.ID)
	case !instruments[s.Instrument]:
		return fmt.Errorf("strategy %s: instrument %q not declared", s.ID, s.Instrument)
	}
	if s.Timeframe != "" {
		if _, err := schema.ParseTimeframe(s.Timeframe); err != nil {
			return fmt.Errorf("strategy %s: %w", s.ID, err)
		}
	}
	return nil
}

// CoordinatorConfig tunes strategy fault isolation.
type CoordinatorConfig struct {
	// FaultLimit disables a unit after this many consecutive faults. Zero never disables.
	FaultLimit *int `yaml:"faultLimit"`
}

func (c *CoordinatorConfig) normalise() {
	if c.FaultLimit == nil {
		limit := 3
		c.FaultLimit = &limit
	}
}

// Validate rejects negative limits.
func (c CoordinatorConfig) Validate() error {
	if c.FaultLimit != nil && *c.FaultLimit < 0 {
		return fmt.Errorf("coordinator faultLimit must be >= 0")
	}
	return nil
}

// Limit returns the effective fault limit.
func (c CoordinatorConfig) Limit() int {
	if c.FaultLimit == nil {
		return 3
	}
	return *c.FaultLimit
}

// ProtectiveConfig mirrors risk.Protective with decimal strings.
type ProtectiveConfig struct {
	Rule              string `yaml:"rule"`
	StopLossPercent   string `yaml:"stopLossPercent"`
	TakeProfitPercent string `yaml:"takeProfitPercent"`
	StopATR           string `yaml:"stopAtr"`
	TargetATR         string `yaml:"targetAtr"`
}

// RiskConfig carries account-wide risk limits. Empty amounts keep the defaults.
type RiskConfig struct {
	DefaultRiskPercent    string           `yaml:"defaultRiskPercent"`
	MaxInstrumentNotional string           `yaml:"maxInstrumentNotional"`
	MaxTotalNotional      string           `yaml:"maxTotalNotional"`
	ShrinkToFit           bool             `yaml:"shrinkToFit"`
	Leverage              string           `yaml:"leverage"`
	MaxDrawdown           string           `yaml:"maxDrawdown"`
	BreakerCooldown       time.Duration    `yaml:"breakerCooldown"`
	PivotTimeframe        string           `yaml:"pivotTimeframe"`
	Protective            ProtectiveConfig `yaml:"protective"`

	limits risk.Limits
}

func (r *RiskConfig) normalise() {
	r.Protective.Rule = strings.ToLower(strings.TrimSpace(r.Protective.Rule))
	r.PivotTimeframe = strings.TrimSpace(r.PivotTimeframe)
}

func (r *RiskConfig) resolve() error {
	limits := risk.DefaultLimits()
	fields := []struct {
		name   string
		raw    string
		target *decimal.Decimal
	}{
		{"risk defaultRiskPercent", r.DefaultRiskPercent, &limits.DefaultRiskPercent},
		{"risk maxInstrumentNotional", r.MaxInstrumentNotional, &limits.MaxInstrumentNotional},
		{"risk maxTotalNotional", r.MaxTotalNotional, &limits.MaxTotalNotional},
		{"risk leverage", r.Leverage, &limits.Leverage},
		{"risk maxDrawdown", r.MaxDrawdown, &limits.MaxDrawdown},
		{"risk protective stopLossPercent", r.Protective.StopLossPercent, &limits.Protective.StopLossPercent},
		{"risk protective takeProfitPercent", r.Protective.TakeProfitPercent, &limits.Protective.TakeProfitPercent},
		{"risk protective stopAtr", r.Protective.StopATR, &limits.Protective.StopATR},
		{"risk protective targetAtr", r.Protective.TargetATR, &limits.Protective.TargetATR},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		v, err := parseDecimal(f.name, f.raw)
		if err != nil {
			return err
		}
		*f.target = v
	}
	limits.ShrinkToFit = r.ShrinkToFit
	limits.BreakerCooldown = r.BreakerCooldown
	if r.Protective.Rule != "" {
		limits.Protective.Rule = r.Protective.Rule
	}
	r.limits = limits
	return nil
}

// Validate delegates to risk.Limits validation.
func (r RiskConfig) Validate() error {
	if err := r.limits.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if r.PivotTimeframe != "" {
		if _, err := schema.ParseTimeframe(r.PivotTimeframe); err != nil {
			return fmt.Errorf("risk pivotTimeframe: %w", err)
		}
	}
	return nil
}

// Limits returns the parsed risk limits.
func (r RiskConfig) Limits() risk.Limits { return r.limits }

// OrdersConfig tunes order submission.
type OrdersConfig struct {
	Retry            order.RetryPolicy    `yaml:"retry"`
	Throttle         execution.LiveConfig `yaml:"throttle"`
	ReconcileWorkers int                  `yaml:"reconcileWorkers"`
}

func (o *OrdersConfig) normalise() {
	def := order.DefaultRetryPolicy()
	if o.Retry.MaxAttempts == 0 {
		o.Retry.MaxAttempts = def.MaxAttempts
	}
	if o.Retry.InitialInterval <= 0 {
		o.Retry.InitialInterval = def.InitialInterval
	}
	if o.Retry.MaxInterval <= 0 {
		o.Retry.MaxInterval = def.MaxInterval
	}
	if o.Throttle.Burst <= 0 {
		o.Throttle.Burst = 1
	}
	if o.ReconcileWorkers <= 0 {
		o.ReconcileWorkers = 8
	}
}

// Validate checks retry and throttle bounds.
func (o OrdersConfig) Validate() error {
	if o.Retry.MaxInterval < o.Retry.InitialInterval {
		return fmt.Errorf("orders retry maxInterval must be >= initialInterval")
	}
	if o.Throttle.OrdersPerSecond < 0 {
		return fmt.Errorf("orders throttle ordersPerSecond must be >= 0")
	}
	if o.Throttle.DegradeAfter < 0 {
		return fmt.Errorf("orders throttle degradeAfter must be >= 0")
	}
	return nil
}

// VenueConfig selects the execution venue.
type VenueConfig struct {
	Kind    string `yaml:"kind"`
	FeeRate string `yaml:"feeRate"`
	// CredentialsRef names where venue credentials live, e.g. env:VENUE_API_KEY.
	CredentialsRef string `yaml:"credentialsRef"`

	feeRate decimal.Decimal
}

func (v *VenueConfig) normalise() {
	v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
	if v.Kind == "" {
		v.Kind = "paper"
	}
	v.CredentialsRef = strings.TrimSpace(v.CredentialsRef)
}

// Validate checks the venue kind and credential reference.
func (v VenueConfig) Validate() error {
	if v.Kind != "paper" {
		return fmt.Errorf("venue kind %q not supported", v.Kind)
	}
	if v.feeRate.IsNegative() {
		return fmt.Errorf("venue feeRate must be >= 0")
	}
	if v.CredentialsRef != "" {
		if err := ValidateCredentialRef(v.CredentialsRef); err != nil {
			return fmt.Errorf("venue credentialsRef: %w", err)
		}
	}
	return nil
}

// Fee returns the parsed fee rate.
func (v VenueConfig) Fee() decimal.Decimal { return v.feeRate }

// BacktestConfig configures offline replays.
type BacktestConfig struct {
	DataPaths   []string `yaml:"dataPaths"`
	Timeframe   string   `yaml:"timeframe"`
	FeeRate     string   `yaml:"feeRate"`
	SlippageBPS string   `yaml:"slippageBps"`
	// Annualization is the number of observations per year used to scale the Sharpe ratio.
	Annualization  float64 `yaml:"annualization"`
	InitialCapital string  `yaml:"initialCapital"`

	feeRate  decimal.Decimal
	slippage decimal.Decimal
	capital  decimal.Decimal
}

func (b *BacktestConfig) normalise() {
	b.Timeframe = strings.TrimSpace(b.Timeframe)
	for i, p := range b.DataPaths {
		b.DataPaths[i] = strings.TrimSpace(p)
	}
}

func (b *BacktestConfig) resolve() error {
	var err error
	if b.feeRate, err = parseDecimal("backtest feeRate", b.FeeRate); err != nil {
		return err
	}
	if b.slippage, err = parseDecimal("backtest slippageBps", b.SlippageBPS); err != nil {
		return err
	}
	b.capital, err = parseDecimal("backtest initialCapital", b.InitialCapital)
	return err
}

// Validate checks replay parameters.
func (b BacktestConfig) Validate() error {
	if b.feeRate.IsNegative() || b.slippage.IsNegative() {
		return fmt.Errorf("backtest feeRate and slippageBps must be >= 0")
	}
	if b.Annualization < 0 {
		return fmt.Errorf("backtest annualization must be >= 0")
	}
	if b.Timeframe != "" {
		if _, err := schema.ParseTimeframe(b.Timeframe); err != nil {
			return fmt.Errorf("backtest timeframe: %w", err)
		}
	}
	return nil
}

// FeeRateValue returns the parsed fee rate.
func (b BacktestConfig) FeeRateValue() decimal.Decimal { return b.feeRate }

// Slippage returns the parsed slippage in basis points.
func (b BacktestConfig) Slippage() decimal.Decimal { return b.slippage }

// Capital returns the backtest capital override, falling back to fallback when unset.
func (b BacktestConfig) Capital(fallback decimal.Decimal) decimal.Decimal {
	if b.capital.IsPositive() {
		return b.capital
	}
	return fallback
}

// AdvisoryConfig locates the advisory side-channel files.
type AdvisoryConfig struct {
	SnapshotPath  string        `yaml:"snapshotPath"`
	OverridesPath string        `yaml:"overridesPath"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	// SnapshotInterval bounds how often state snapshots are rewritten.
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

func (a *AdvisoryConfig) normalise() {
	a.SnapshotPath = strings.TrimSpace(a.SnapshotPath)
	a.OverridesPath = strings.TrimSpace(a.OverridesPath)
	if a.PollInterval <= 0 {
		a.PollInterval = 2 * time.Second
	}
	if a.SnapshotInterval <= 0 {
		a.SnapshotInterval = time.Second
	}
}

// Validate requires sane intervals.
func (a AdvisoryConfig) Validate() error {
	if a.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("advisory pollInterval must be >= 100ms")
	}
	return nil
}

// Enabled reports whether any advisory file is configured.
func (a AdvisoryConfig) Enabled() bool { return a.SnapshotPath != "" || a.OverridesPath != "" }

// FeedConfig configures the observation stream.
type FeedConfig struct {
	URL               string        `yaml:"url"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	MaxReconnectDelay time.Duration `yaml:"maxReconnectDelay"`
	BufferSize        int           `yaml:"bufferSize"`
}

func (f *FeedConfig) normalise() {
	f.URL = strings.TrimSpace(f.URL)
	if f.ReconnectDelay <= 0 {
		f.ReconnectDelay = time.Second
	}
	if f.MaxReconnectDelay < f.ReconnectDelay {
		f.MaxReconnectDelay = 30 * time.Second
	}
	if f.BufferSize <= 0 {
		f.BufferSize = 1024
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

func (t *TelemetryConfig) normalise() {
	t.OTLPEndpoint = strings.TrimSpace(t.OTLPEndpoint)
	t.ServiceName = strings.TrimSpace(t.ServiceName)
	if t.ServiceName == "" {
		t.ServiceName = "meltica-trader"
	}
}

// DatabaseConfig locates the journal database.
type DatabaseConfig struct {
	// DSNRef names where the connection string lives, e.g. env:TRADER_DATABASE_URL.
	DSNRef   string `yaml:"dsnRef"`
	MaxConns int32  `yaml:"maxConns"`
}

// ReloadConfig tunes hot reload of the config file.
type ReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", field, raw)
	}
	return v, nil
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
