package strategies

import (
	"fmt"
	"math"
	"strings"

	"github.com/coachpo/meltica-trader/internal/indicator"
	"github.com/coachpo/meltica-trader/internal/market"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// KindTrend is the registry kind of the trend-regime meta unit.
const KindTrend = "trend"

// Regime names.
const (
	RegimeAwaitingMacro = "AWAITING_MACRO_DATA"
	macroBull           = "MACRO_BULL"
	macroBear           = "MACRO_BEAR"
	macroFlat           = "MACRO_CONSOLIDATION"
)

// RegimeAction is one override to emit when a regime is entered.
type RegimeAction struct {
	Target string                  `json:"target"`
	Action strategy.OverrideAction `json:"action"`
	Params strategy.Params         `json:"params,omitempty"`
}

// TrendConfig configures regime classification.
type TrendConfig struct {
	MacroTimeframe string  `json:"macro_timeframe"`
	MacroSMA       int     `json:"macro_sma_period"`
	MicroTimeframe string  `json:"micro_timeframe"`
	MicroEMAShort  int     `json:"micro_ema_short"`
	MicroEMALong   int     `json:"micro_ema_long"`
	NeutralBand    float64 `json:"neutral_band_percent"`
	// Regimes maps a full regime name, or just its macro part, to overrides.
	Regimes map[string][]RegimeAction `json:"regimes"`
}

func (c TrendConfig) validate() error {
	if c.MacroTimeframe == "" || c.MicroTimeframe == "" {
		return fmt.Errorf("trend: macro and micro timeframes required")
	}
	if c.MacroSMA < 2 || c.MicroEMAShort < 1 || c.MicroEMALong <= c.MicroEMAShort {
		return fmt.Errorf("trend: invalid periods")
	}
	if c.NeutralBand < 0 {
		return fmt.Errorf("trend: neutral_band_percent must be >= 0")
	}
	for name, actions := range c.Regimes {
		for _, a := range actions {
			if a.Target == "" {
				return fmt.Errorf("trend: regime %s has an action without target", name)
			}
			switch a.Action {
			case strategy.OverrideEnable, strategy.OverrideDisable, strategy.OverrideParams,
				strategy.OverridePause, strategy.OverrideResume:
			default:
				return fmt.Errorf("trend: regime %s has unknown action %q", name, a.Action)
			}
		}
	}
	return nil
}

// Trend classifies the market regime and reconfigures other units through
// overrides. It never emits intents.
type Trend struct {
	strategy.Base
	cfg     TrendConfig
	regime  string
	pending []strategy.Override
}

// NewTrend builds a trend meta unit.
func NewTrend(spec strategy.Spec) (strategy.Unit, error) {
	cfg := TrendConfig{
		MacroTimeframe: "1d",
		MacroSMA:       50,
		MicroTimeframe: "4h",
		MicroEMAShort:  12,
		MicroEMALong:   26,
		NeutralBand:    0.5,
	}
	if err := spec.Params.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Trend{Base: strategy.NewBase(KindTrend, spec), cfg: cfg, regime: "UNDEFINED"}, nil
}

// Configure replaces the parameters; the current regime is kept.
func (t *Trend) Configure(params strategy.Params) error {
	next := t.cfg
	if err := params.Decode(&next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	t.cfg = next
	return nil
}

// Regime returns the last classified regime.
func (t *Trend) Regime() string { return t.regime }

// OnObservation reclassifies on closed macro or micro candles.
func (t *Trend) OnObservation(ctx strategy.Context) ([]schema.Intent, error) {
	if _, ok := ctx.ClosedCandle(""); !ok {
		return nil, nil
	}
	tf := ctx.Observation.Timeframe
	if tf != t.cfg.MacroTimeframe && tf != t.cfg.MicroTimeframe {
		return nil, nil
	}
	next := t.classify(ctx.Indicators, ctx.Market)
	if next == t.regime {
		return nil, nil
	}
	t.regime = next
	for _, a := range t.actionsFor(next) {
		t.pending = append(t.pending, strategy.Override{
			Target: a.Target,
			Action: a.Action,
			Params: a.Params,
			Source: t.ID() + ":" + next,
		})
	}
	return nil, nil
}

func (t *Trend) classify(ind indicator.View, view market.View) string {
	macroCloses := indicator.Closes(view.ClosedCandles(t.cfg.MacroTimeframe))
	sma, ok := ind.SMA(t.cfg.MacroTimeframe, t.cfg.MacroSMA)
	if !ok || len(macroCloses) == 0 {
		return RegimeAwaitingMacro
	}
	macroPrice := macroCloses[len(macroCloses)-1]
	macro := macroFlat
	if math.Abs(macroPrice-sma) >= sma*t.cfg.NeutralBand/100 {
		if macroPrice > sma {
			macro = macroBull
		} else {
			macro = macroBear
		}
	}

	microCloses := indicator.Closes(view.ClosedCandles(t.cfg.MicroTimeframe))
	short, okS := ind.EMA(t.cfg.MicroTimeframe, t.cfg.MicroEMAShort)
	long, okL := ind.EMA(t.cfg.MicroTimeframe, t.cfg.MicroEMALong)
	if !okS || !okL || len(microCloses) == 0 {
		return macro + "/MICRO_DATA_PENDING"
	}
	microPrice := microCloses[len(microCloses)-1]
	bull, bear := short > long, short < long
	above, below := microPrice > short, microPrice < short

	switch macro {
	case macroBull:
		switch {
		case bull && above:
			return macro + "/MICRO_BULL_TREND"
		case bear && below:
			return macro + "/MICRO_BEAR_CORRECTION"
		}
	case macroBear:
		switch {
		case bear && below:
			return macro + "/MICRO_BEAR_TREND"
		case bull && above:
			return macro + "/MICRO_BULL_CORRECTION"
		}
	default:
		switch {
		case bull:
			return macro + "/MICRO_BULL_ATTEMPT"
		case bear:
			return macro + "/MICRO_BEAR_ATTEMPT"
		}
	}
	return macro + "/MICRO_CONSOLIDATION"
}

func (t *Trend) actionsFor(regime string) []RegimeAction {
	if actions, ok := t.cfg.Regimes[regime]; ok {
		return actions
	}
	macro, _, _ := strings.Cut(regime, "/")
	return t.cfg.Regimes[macro]
}

// Overrides drains the overrides produced since the last call.
func (t *Trend) Overrides() []strategy.Override {
	out := t.pending
	t.pending = nil
	return out
}

// OnOrderEvent is a no-op; the unit never trades.
func (t *Trend) OnOrderEvent(schema.OrderEvent) ([]schema.Intent, error) { return nil, nil }

// DescribeState reports the regime.
func (t *Trend) DescribeState() schema.StrategyState {
	return t.State(map[string]any{"regime": t.regime, "pending_overrides": len(t.pending)})
}
