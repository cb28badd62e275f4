package strategies

import (
	"fmt"
	"math"

	"github.com/coachpo/meltica-trader/internal/indicator"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// KindPivot is the registry kind of the pivot-point strategy.
const KindPivot = "pivot"

// PivotConfig configures pivot trading.
type PivotConfig struct {
	sizing
	protection
	// TradeType is rebound, breakout or both.
	TradeType string `json:"trade_type"`
	// NearATR is the fraction of ATR within which price counts as touching a level.
	NearATR float64 `json:"near_atr"`
	// TakeProfitRule is atr or pivot (next opposing level).
	TakeProfitRule string `json:"take_profit_rule"`
}

func (c PivotConfig) validate() error {
	if !c.sizing.valid() {
		return fmt.Errorf("pivot: quantity or risk_percent required")
	}
	switch c.TradeType {
	case "rebound", "breakout", "both":
	default:
		return fmt.Errorf("pivot: unknown trade_type %q", c.TradeType)
	}
	switch c.TakeProfitRule {
	case "atr", "pivot":
	default:
		return fmt.Errorf("pivot: unknown take_profit_rule %q", c.TakeProfitRule)
	}
	if c.NearATR <= 0 {
		return fmt.Errorf("pivot: near_atr must be > 0")
	}
	return c.protection.validate("pivot")
}

// Pivot trades rebounds off and breakouts through classic pivot levels.
type Pivot struct {
	strategy.Base
	cfg PivotConfig
	pos tracker
}

// NewPivot builds a pivot unit.
func NewPivot(spec strategy.Spec) (strategy.Unit, error) {
	cfg := PivotConfig{protection: defaultProtection(), TradeType: "rebound", NearATR: 0.25, TakeProfitRule: "atr"}
	if err := spec.Params.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pivot{Base: strategy.NewBase(KindPivot, spec), cfg: cfg}, nil
}

// Configure replaces the parameters; an open position keeps its levels.
func (p *Pivot) Configure(params strategy.Params) error {
	next := p.cfg
	if err := params.Decode(&next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	p.cfg = next
	return nil
}

// OnObservation evaluates the latest closed candle against the pivot levels.
func (p *Pivot) OnObservation(ctx strategy.Context) ([]schema.Intent, error) {
	candle, ok := ctx.ClosedCandle(p.Timeframe())
	if !ok {
		return nil, nil
	}
	cause := ctx.Observation.Ref()
	if in, hit := p.pos.checkExit(&p.Base, candle, cause); hit {
		return []schema.Intent{in}, nil
	}
	if !p.pos.flat() {
		return nil, nil
	}
	levels, ok := ctx.Indicators.Pivots(p.Timeframe())
	if !ok {
		return nil, nil
	}
	atr, ok := ctx.Indicators.ATR(p.Timeframe(), p.cfg.ATRPeriod)
	if !ok || atr <= 0 {
		return nil, nil
	}
	closes := indicator.Closes(ctx.Market.ClosedCandles(p.Timeframe()))
	if len(closes) < 2 {
		return nil, nil
	}
	prevClose := closes[len(closes)-2]
	c := candle.Close.InexactFloat64()
	lo := candle.Low.InexactFloat64()
	hi := candle.High.InexactFloat64()

	side, found := p.signal(levels, prevClose, c, lo, hi, atr)
	if !found {
		return nil, nil
	}
	sl, tp := p.cfg.levels(side, c, atr)
	if p.cfg.TakeProfitRule == "pivot" {
		if side == schema.SideBuy {
			if next, ok := levels.NextAbove(c); ok {
				tp = price(next)
			}
		} else if next, ok := levels.NextBelow(c); ok {
			tp = price(next)
		}
	}
	in := p.pos.open(&p.Base, side, p.cfg.sizing, sl, tp, cause)
	in.Sizing.ATR = price(atr)
	return []schema.Intent{in}, nil
}

func (p *Pivot) signal(l indicator.Levels, prevClose, c, lo, hi, atr float64) (schema.Side, bool) {
	near := atr * p.cfg.NearATR
	if p.cfg.TradeType == "rebound" || p.cfg.TradeType == "both" {
		for _, level := range []float64{l.S1, l.PP} {
			if lo <= level+near && c > level && math.Abs(c-level) <= 2*atr {
				return schema.SideBuy, true
			}
		}
		for _, level := range []float64{l.R1, l.PP} {
			if hi >= level-near && c < level && math.Abs(c-level) <= 2*atr {
				return schema.SideSell, true
			}
		}
	}
	if p.cfg.TradeType == "breakout" || p.cfg.TradeType == "both" {
		if prevClose <= l.R1 && c > l.R1+near {
			return schema.SideBuy, true
		}
		if prevClose >= l.S1 && c < l.S1-near {
			return schema.SideSell, true
		}
	}
	return "", false
}

// OnOrderEvent tracks the unit's own position.
func (p *Pivot) OnOrderEvent(evt schema.OrderEvent) ([]schema.Intent, error) {
	p.pos.onEvent(evt)
	return nil, nil
}

// DescribeState reports the tracked position.
func (p *Pivot) DescribeState() schema.StrategyState {
	fields := p.pos.fields()
	fields["trade_type"] = p.cfg.TradeType
	return p.State(fields)
}
