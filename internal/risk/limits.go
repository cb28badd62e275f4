// Package risk sizes and validates trade intents against account state and risk rules.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Protective rule names.
const (
	RulePercent = "percent"
	RuleATR     = "atr"
	RulePivot   = "pivot"
	RuleNone    = "none"
)

var maxRiskPercent = decimal.RequireFromString("0.5")

// Limits defines the risk parameters applied to every intent.
type Limits struct {
	// DefaultRiskPercent sizes risk-based intents that carry no percentage of their own (fraction of equity).
	DefaultRiskPercent decimal.Decimal `yaml:"defaultRiskPercent"`

	// MaxInstrumentNotional caps exposure to one instrument. Zero disables the cap.
	MaxInstrumentNotional decimal.Decimal `yaml:"maxInstrumentNotional"`

	// MaxTotalNotional caps aggregate exposure across instruments. Zero disables the cap.
	MaxTotalNotional decimal.Decimal `yaml:"maxTotalNotional"`

	// ShrinkToFit shrinks oversized intents to the cap instead of rejecting them.
	ShrinkToFit bool `yaml:"shrinkToFit"`

	// Leverage divides notional into required margin.
	Leverage decimal.Decimal `yaml:"leverage"`

	// MaxDrawdown trips the breaker once equity falls this fraction below its high-water mark. Zero disables it.
	MaxDrawdown decimal.Decimal `yaml:"maxDrawdown"`

	// BreakerCooldown re-closes a tripped breaker after this much observation time. Zero means manual reset only.
	BreakerCooldown time.Duration `yaml:"breakerCooldown"`

	Protective Protective `yaml:"protective"`
}

// Protective configures derivation of missing stop-loss and take-profit levels.
type Protective struct {
	Rule              string          `yaml:"rule"`
	StopLossPercent   decimal.Decimal `yaml:"stopLossPercent"`
	TakeProfitPercent decimal.Decimal `yaml:"takeProfitPercent"`
	StopATR           decimal.Decimal `yaml:"stopAtr"`
	TargetATR         decimal.Decimal `yaml:"targetAtr"`
}

// DefaultLimits returns conservative limits.
func DefaultLimits() Limits {
	return Limits{
		DefaultRiskPercent: decimal.RequireFromString("0.01"),
		Leverage:           decimal.NewFromInt(1),
		Protective: Protective{
			Rule:              RulePercent,
			StopLossPercent:   decimal.RequireFromString("0.02"),
			TakeProfitPercent: decimal.RequireFromString("0.04"),
			StopATR:           decimal.RequireFromString("1.5"),
			TargetATR:         decimal.RequireFromString("2"),
		},
	}
}

// Normalise fills unset fields from DefaultLimits.
func (l *Limits) Normalise() {
	def := DefaultLimits()
	if !l.DefaultRiskPercent.IsPositive() {
		l.DefaultRiskPercent = def.DefaultRiskPercent
	}
	if !l.Leverage.IsPositive() {
		l.Leverage = def.Leverage
	}
	if l.Protective.Rule == "" {
		l.Protective.Rule = def.Protective.Rule
	}
	if !l.Protective.StopLossPercent.IsPositive() {
		l.Protective.StopLossPercent = def.Protective.StopLossPercent
	}
	if !l.Protective.TakeProfitPercent.IsPositive() {
		l.Protective.TakeProfitPercent = def.Protective.TakeProfitPercent
	}
	if !l.Protective.StopATR.IsPositive() {
		l.Protective.StopATR = def.Protective.StopATR
	}
	if !l.Protective.TargetATR.IsPositive() {
		l.Protective.TargetATR = def.Protective.TargetATR
	}
}

// Validate checks the limits are internally consistent.
func (l Limits) Validate() error {
	if !l.DefaultRiskPercent.IsPositive() || l.DefaultRiskPercent.GreaterThan(maxRiskPercent) {
		return fmt.Errorf("defaultRiskPercent must be in (0, %s]", maxRiskPercent)
	}
	if l.MaxInstrumentNotional.IsNegative() || l.MaxTotalNotional.IsNegative() {
		return fmt.Errorf("notional caps must not be negative")
	}
	if !l.Leverage.IsPositive() {
		return fmt.Errorf("leverage must be positive")
	}
	if l.MaxDrawdown.IsNegative() || l.MaxDrawdown.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("maxDrawdown must be in [0, 1)")
	}
	if l.BreakerCooldown < 0 {
		return fmt.Errorf("breakerCooldown must not be negative")
	}
	switch l.Protective.Rule {
	case RulePercent, RuleATR, RulePivot, RuleNone:
	default:
		return fmt.Errorf("unknown protective rule %q", l.Protective.Rule)
	}
	return nil
}
