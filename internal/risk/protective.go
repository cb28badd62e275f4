package risk

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
)

var one = decimal.NewFromInt(1)

// protect keeps explicit levels and derives missing ones from the configured rule.
func (g *Gate) protect(intent schema.Intent, inst schema.Instrument, ref decimal.Decimal, state AccountState) (decimal.Decimal, decimal.Decimal) {
	sl, tp := intent.StopLoss, intent.TakeProfit
	if sl.IsPositive() && tp.IsPositive() {
		return sl, tp
	}
	dsl, dtp := g.derive(intent, ref, state)
	if !sl.IsPositive() && dsl.IsPositive() {
		sl = inst.RoundPrice(dsl)
	}
	if !tp.IsPositive() && dtp.IsPositive() {
		tp = inst.RoundPrice(dtp)
	}
	return sl, tp
}

func (g *Gate) derive(intent schema.Intent, ref decimal.Decimal, state AccountState) (decimal.Decimal, decimal.Decimal) {
	p := g.limits.Protective
	long := intent.Side == schema.SideBuy
	switch p.Rule {
	case RulePercent:
		if long {
			return ref.Mul(one.Sub(p.StopLossPercent)), ref.Mul(one.Add(p.TakeProfitPercent))
		}
		return ref.Mul(one.Add(p.StopLossPercent)), ref.Mul(one.Sub(p.TakeProfitPercent))
	case RuleATR:
		atr := intent.Sizing.ATR
		if !atr.IsPositive() {
			return decimal.Zero, decimal.Zero
		}
		stop, target := atr.Mul(p.StopATR), atr.Mul(p.TargetATR)
		if long {
			return ref.Sub(stop), ref.Add(target)
		}
		return ref.Add(stop), ref.Sub(target)
	case RulePivot:
		levels, ok := state.Levels[intent.Instrument]
		if !ok {
			return decimal.Zero, decimal.Zero
		}
		px := ref.InexactFloat64()
		above, okAbove := levels.NextAbove(px)
		below, okBelow := levels.NextBelow(px)
		var sl, tp decimal.Decimal
		if long {
			if okBelow {
				sl = decimal.NewFromFloat(below)
			}
			if okAbove {
				tp = decimal.NewFromFloat(above)
			}
		} else {
			if okAbove {
				sl = decimal.NewFromFloat(above)
			}
			if okBelow {
				tp = decimal.NewFromFloat(below)
			}
		}
		return sl, tp
	default:
		return decimal.Zero, decimal.Zero
	}
}
