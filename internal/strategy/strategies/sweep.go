package strategies

import (
	"fmt"

	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// KindSweep is the registry kind of the liquidity-sweep strategy.
const KindSweep = "sweep"

// SweepConfig configures sweep detection.
type SweepConfig struct {
	sizing
	protection
	Lookback     int `json:"swing_lookback"`
	Confirmation int `json:"confirmation_bars"`
}

func (c SweepConfig) validate() error {
	if !c.sizing.valid() {
		return fmt.Errorf("sweep: quantity or risk_percent required")
	}
	if c.Lookback < 2 {
		return fmt.Errorf("sweep: swing_lookback must be >= 2")
	}
	if c.Confirmation < 1 {
		return fmt.Errorf("sweep: confirmation_bars must be >= 1")
	}
	return c.protection.validate("sweep")
}

// pierce is a swing level run through by a wick, waiting for a close back inside.
type pierce struct {
	above   bool
	level   float64
	extreme float64
	bars    int
}

// Sweep fades stop runs: price pierces a recent swing extreme and closes
// back inside within the confirmation window.
type Sweep struct {
	strategy.Base
	cfg     SweepConfig
	pos     tracker
	pending *pierce
}

// NewSweep builds a sweep unit.
func NewSweep(spec strategy.Spec) (strategy.Unit, error) {
	cfg := SweepConfig{protection: defaultProtection(), Lookback: 20, Confirmation: 1}
	if err := spec.Params.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Sweep{Base: strategy.NewBase(KindSweep, spec), cfg: cfg}, nil
}

// Configure replaces the parameters; a pending pierce keeps counting.
func (s *Sweep) Configure(params strategy.Params) error {
	next := s.cfg
	if err := params.Decode(&next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

// OnObservation advances pending pierces and detects new ones.
func (s *Sweep) OnObservation(ctx strategy.Context) ([]schema.Intent, error) {
	candle, ok := ctx.ClosedCandle(s.Timeframe())
	if !ok {
		return nil, nil
	}
	cause := ctx.Observation.Ref()
	if in, hit := s.pos.checkExit(&s.Base, candle, cause); hit {
		return []schema.Intent{in}, nil
	}
	if !s.pos.flat() {
		s.pending = nil
		return nil, nil
	}
	tf := s.Timeframe()
	atr, atrOK := ctx.Indicators.ATR(tf, s.cfg.ATRPeriod)
	c := candle.Close.InexactFloat64()

	if p := s.pending; p != nil {
		p.bars++
		inside := (p.above && c < p.level) || (!p.above && c > p.level)
		if inside && p.bars >= s.cfg.Confirmation && atrOK && atr > 0 {
			s.pending = nil
			return []schema.Intent{s.enter(p, c, atr, cause)}, nil
		}
		if p.bars > s.cfg.Confirmation+3 {
			s.pending = nil
		}
		return nil, nil
	}

	if high, ok := ctx.Indicators.SwingHigh(tf, s.cfg.Lookback); ok {
		if h := candle.High.InexactFloat64(); h > high {
			s.pending = &pierce{above: true, level: high, extreme: h}
			return nil, nil
		}
	}
	if low, ok := ctx.Indicators.SwingLow(tf, s.cfg.Lookback); ok {
		if l := candle.Low.InexactFloat64(); l < low {
			s.pending = &pierce{level: low, extreme: l}
		}
	}
	return nil, nil
}

func (s *Sweep) enter(p *pierce, c, atr float64, cause schema.Ref) schema.Intent {
	side := schema.SideBuy
	sl := price(p.extreme - atr*s.cfg.SLATR)
	tp := price(c + atr*s.cfg.TPATR)
	if p.above {
		side = schema.SideSell
		sl = price(p.extreme + atr*s.cfg.SLATR)
		tp = price(c - atr*s.cfg.TPATR)
	}
	in := s.pos.open(&s.Base, side, s.cfg.sizing, sl, tp, cause)
	in.Sizing.ATR = price(atr)
	return in
}

// OnOrderEvent tracks the unit's own position.
func (s *Sweep) OnOrderEvent(evt schema.OrderEvent) ([]schema.Intent, error) {
	s.pos.onEvent(evt)
	return nil, nil
}

// DescribeState reports the pending pierce and the tracked position.
func (s *Sweep) DescribeState() schema.StrategyState {
	fields := s.pos.fields()
	fields["pending"] = s.pending != nil
	if s.pending != nil {
		fields["pending_level"] = s.pending.level
		fields["pending_bars"] = s.pending.bars
	}
	return s.State(fields)
}
