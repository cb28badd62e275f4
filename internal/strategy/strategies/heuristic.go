package strategies

import (
	"fmt"
	"maps"

	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// KindHeuristic is the registry kind of the indicator-score strategy.
const KindHeuristic = "heuristic"

// HeuristicConfig configures the score.
type HeuristicConfig struct {
	sizing
	protection
	Indicators    []string `json:"indicators"`
	RSIPeriod     int      `json:"rsi_period"`
	RSIOversold   float64  `json:"rsi_oversold"`
	RSIOverbought float64  `json:"rsi_overbought"`
	EMAShort      int      `json:"ema_short"`
	EMALong       int      `json:"ema_long"`
	SMAPeriod     int      `json:"sma_period"`
	BuyThreshold  int      `json:"buy_threshold"`
	SellThreshold int      `json:"sell_threshold"`
	// Weights scales each indicator's vote; unlisted indicators weigh 1.
	Weights map[string]int `json:"weights"`
	// ExitOnOpposite closes a position when the score reaches the opposite threshold.
	ExitOnOpposite bool `json:"exit_on_opposite"`
}

func (c HeuristicConfig) validate() error {
	if !c.sizing.valid() {
		return fmt.Errorf("heuristic: quantity or risk_percent required")
	}
	if len(c.Indicators) == 0 {
		return fmt.Errorf("heuristic: at least one indicator required")
	}
	for _, name := range c.Indicators {
		if name != "rsi" && name != "ema_cross" && name != "sma" {
			return fmt.Errorf("heuristic: unknown indicator %q", name)
		}
	}
	for name, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("heuristic: weight of %q must be >= 0", name)
		}
	}
	if c.RSIPeriod < 2 || c.EMAShort < 1 || c.EMALong <= c.EMAShort || c.SMAPeriod < 1 {
		return fmt.Errorf("heuristic: invalid indicator periods")
	}
	if c.RSIOversold >= c.RSIOverbought {
		return fmt.Errorf("heuristic: rsi_oversold must be below rsi_overbought")
	}
	if c.BuyThreshold <= c.SellThreshold {
		return fmt.Errorf("heuristic: buy_threshold must exceed sell_threshold")
	}
	return c.protection.validate("heuristic")
}

// Heuristic sums indicator votes into a score and trades at thresholds.
type Heuristic struct {
	strategy.Base
	cfg   HeuristicConfig
	pos   tracker
	score int
}

// NewHeuristic builds a heuristic unit.
func NewHeuristic(spec strategy.Spec) (strategy.Unit, error) {
	cfg := HeuristicConfig{
		protection:     defaultProtection(),
		Indicators:     []string{"rsi", "ema_cross"},
		RSIPeriod:      14,
		RSIOversold:    30,
		RSIOverbought:  70,
		EMAShort:       9,
		EMALong:        21,
		SMAPeriod:      20,
		BuyThreshold:   2,
		SellThreshold:  -2,
		ExitOnOpposite: true,
	}
	if err := spec.Params.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Heuristic{Base: strategy.NewBase(KindHeuristic, spec), cfg: cfg}, nil
}

// Configure replaces the parameters.
func (h *Heuristic) Configure(params strategy.Params) error {
	next := h.cfg
	next.Weights = maps.Clone(h.cfg.Weights)
	if err := params.Decode(&next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	h.cfg = next
	return nil
}

func (c HeuristicConfig) weight(name string) int {
	if w, ok := c.Weights[name]; ok {
		return w
	}
	return 1
}

// Score computes the weighted indicator vote for the latest closed candle.
func (h *Heuristic) Score(ctx strategy.Context) (int, bool) {
	tf := h.Timeframe()
	score := 0
	for _, name := range h.cfg.Indicators {
		vote := 0
		switch name {
		case "rsi":
			rsi, ok := ctx.Indicators.RSI(tf, h.cfg.RSIPeriod)
			if !ok {
				return 0, false
			}
			if rsi < h.cfg.RSIOversold {
				vote = 1
			} else if rsi > h.cfg.RSIOverbought {
				vote = -1
			}
		case "ema_cross":
			if len(ctx.Market.ClosedCandles(tf)) < h.cfg.EMALong+1 {
				return 0, false
			}
			vote = ctx.Indicators.EMACross(tf, h.cfg.EMAShort, h.cfg.EMALong)
		case "sma":
			sma, ok := ctx.Indicators.SMA(tf, h.cfg.SMAPeriod)
			if !ok {
				return 0, false
			}
			candle, ok := ctx.ClosedCandle(tf)
			if !ok {
				return 0, false
			}
			// price above the average votes long
			switch c := candle.Close.InexactFloat64(); {
			case c > sma:
				vote = 1
			case c < sma:
				vote = -1
			}
		}
		score += vote * h.cfg.weight(name)
	}
	return score, true
}

// OnObservation trades when the score crosses a threshold.
func (h *Heuristic) OnObservation(ctx strategy.Context) ([]schema.Intent, error) {
	candle, ok := ctx.ClosedCandle(h.Timeframe())
	if !ok {
		return nil, nil
	}
	cause := ctx.Observation.Ref()
	if in, hit := h.pos.checkExit(&h.Base, candle, cause); hit {
		return []schema.Intent{in}, nil
	}
	score, ok := h.Score(ctx)
	if !ok {
		return nil, nil
	}
	h.score = score

	var side schema.Side
	switch {
	case score >= h.cfg.BuyThreshold:
		side = schema.SideBuy
	case score <= h.cfg.SellThreshold:
		side = schema.SideSell
	default:
		return nil, nil
	}
	if !h.pos.qty.IsZero() {
		if h.cfg.ExitOnOpposite && side != h.pos.side && !h.pos.exiting {
			return []schema.Intent{h.pos.close(&h.Base, cause)}, nil
		}
		return nil, nil
	}
	if !h.pos.flat() {
		return nil, nil
	}
	atr, ok := ctx.Indicators.ATR(h.Timeframe(), h.cfg.ATRPeriod)
	if !ok || atr <= 0 {
		return nil, nil
	}
	c := candle.Close.InexactFloat64()
	sl, tp := h.cfg.levels(side, c, atr)
	in := h.pos.open(&h.Base, side, h.cfg.sizing, sl, tp, cause)
	in.Sizing.ATR = price(atr)
	return []schema.Intent{in}, nil
}

// OnOrderEvent tracks the unit's own position.
func (h *Heuristic) OnOrderEvent(evt schema.OrderEvent) ([]schema.Intent, error) {
	h.pos.onEvent(evt)
	return nil, nil
}

// DescribeState reports the last score and the tracked position.
func (h *Heuristic) DescribeState() schema.StrategyState {
	fields := h.pos.fields()
	fields["score"] = h.score
	return h.State(fields)
}
