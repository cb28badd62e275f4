package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
)

var tenThousand = decimal.NewFromInt(10_000)

// SlippageModel adjusts market fill prices for impact.
type SlippageModel interface {
	Adjust(side schema.Side, price decimal.Decimal) decimal.Decimal
}

// BasisPointSlippage moves buys up and sells down by a fixed number of basis points.
type BasisPointSlippage struct {
	BPS decimal.Decimal
}

// Adjust implements SlippageModel.
func (b BasisPointSlippage) Adjust(side schema.Side, price decimal.Decimal) decimal.Decimal {
	if !b.BPS.IsPositive() {
		return price
	}
	shift := price.Mul(b.BPS).Div(tenThousand)
	if side == schema.SideSell {
		return price.Sub(shift)
	}
	return price.Add(shift)
}

// FeeModel prices a fill.
type FeeModel interface {
	Fee(fillQty, fillPrice decimal.Decimal) decimal.Decimal
}

// ProportionalFee charges a fraction of the fill notional.
type ProportionalFee struct {
	Rate decimal.Decimal
}

// Fee implements FeeModel.
func (p ProportionalFee) Fee(fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	if !fillQty.IsPositive() || !fillPrice.IsPositive() || !p.Rate.IsPositive() {
		return decimal.Zero
	}
	return fillQty.Mul(fillPrice).Mul(p.Rate)
}
