// Package schema defines the canonical domain types shared by the trader core.
package schema

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
)

// Instrument describes a tradable instrument and its exchange filters.
type Instrument struct {
	Symbol       string          `json:"symbol" yaml:"symbol"`
	QuantityStep decimal.Decimal `json:"quantity_step" yaml:"-"`
	MinQuantity  decimal.Decimal `json:"min_quantity" yaml:"-"`
	PriceTick    decimal.Decimal `json:"price_tick" yaml:"-"`
	// Multiplier converts quantity x price into quote notional. Zero means 1.
	Multiplier decimal.Decimal `json:"multiplier" yaml:"-"`
}

// Validate ensures the instrument filters are usable.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return errs.New("schema/instrument", errs.CodeValidation, errs.WithMessage("symbol required"))
	}
	if i.QuantityStep.IsNegative() || i.MinQuantity.IsNegative() || i.PriceTick.IsNegative() {
		return errs.New("schema/instrument", errs.CodeValidation,
			errs.WithMessage("filters must not be negative"), errs.WithField("symbol", i.Symbol))
	}
	return nil
}

// RoundQuantity floors qty to the quantity step.
func (i Instrument) RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	if !i.QuantityStep.IsPositive() {
		return qty
	}
	return qty.Div(i.QuantityStep).Floor().Mul(i.QuantityStep)
}

// RoundPrice rounds price to the nearest tick.
func (i Instrument) RoundPrice(price decimal.Decimal) decimal.Decimal {
	if !i.PriceTick.IsPositive() {
		return price
	}
	return price.Div(i.PriceTick).Round(0).Mul(i.PriceTick)
}

// Notional returns the quote value of qty at price.
func (i Instrument) Notional(qty, price decimal.Decimal) decimal.Decimal {
	n := qty.Abs().Mul(price)
	if i.Multiplier.IsPositive() {
		n = n.Mul(i.Multiplier)
	}
	return n
}

// PnL returns the quote P&L of moving qty (signed, long positive) from entry to exit.
func (i Instrument) PnL(qty, entry, exit decimal.Decimal) decimal.Decimal {
	p := exit.Sub(entry).Mul(qty)
	if i.Multiplier.IsPositive() {
		p = p.Mul(i.Multiplier)
	}
	return p
}
