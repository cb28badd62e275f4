package strategies

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// KindFibCascade is the registry kind of the circular Fibonacci cascade.
const KindFibCascade = "fibcascade"

// Recenter rules.
const (
	RecenterEscape = "escape"
	RecenterBars   = "bars"
	RecenterNone   = "none"
)

// FibCascadeConfig configures ring geometry and the recentering heuristic.
type FibCascadeConfig struct {
	Quantity decimal.Decimal `json:"quantity"`
	Side     string          `json:"side"`
	// BaseRadiusPercent is the unit radius as a percentage of the centre price.
	BaseRadiusPercent float64   `json:"base_radius_percent"`
	Ratios            []float64 `json:"ratios"`
	Weights           []float64 `json:"weights"`
	RecenterRule      string    `json:"recenter_rule"`
	// RecenterThreshold is how many outer ring gaps past the last ring count as an escape.
	RecenterThreshold float64 `json:"recenter_threshold"`
	RecenterBars      int     `json:"recenter_bars"`
}

func (c FibCascadeConfig) validate() error {
	if !c.Quantity.IsPositive() {
		return fmt.Errorf("fibcascade: quantity must be > 0")
	}
	if c.Side != "long" && c.Side != "short" {
		return fmt.Errorf("fibcascade: side must be long or short")
	}
	if c.BaseRadiusPercent <= 0 {
		return fmt.Errorf("fibcascade: base_radius_percent must be > 0")
	}
	if len(c.Ratios) < 2 || len(c.Weights) != len(c.Ratios) {
		return fmt.Errorf("fibcascade: need at least two ratios and one weight per ratio")
	}
	for i, r := range c.Ratios {
		if r <= 0 || (i > 0 && r <= c.Ratios[i-1]) {
			return fmt.Errorf("fibcascade: ratios must be positive and increasing")
		}
		if c.Weights[i] <= 0 {
			return fmt.Errorf("fibcascade: weights must be > 0")
		}
	}
	switch c.RecenterRule {
	case RecenterEscape:
		if c.RecenterThreshold <= 0 {
			return fmt.Errorf("fibcascade: recenter_threshold must be > 0")
		}
	case RecenterBars:
		if c.RecenterBars < 1 {
			return fmt.Errorf("fibcascade: recenter_bars must be >= 1")
		}
	case RecenterNone:
	default:
		return fmt.Errorf("fibcascade: unknown recenter_rule %q", c.RecenterRule)
	}
	return nil
}

// FibCascade scales into a position as price crosses concentric rings around
// a centre, and exits when price returns to the centre.
type FibCascade struct {
	strategy.Base
	cfg       FibCascadeConfig
	centre    float64
	crossed   int // rings entered this cascade; 0 when none
	sinceBars int
	qty       decimal.Decimal
	inflight  int
	exiting   bool
	escaped   bool
}

// NewFibCascade builds a cascade unit.
func NewFibCascade(spec strategy.Spec) (strategy.Unit, error) {
	cfg := FibCascadeConfig{
		Side:              "long",
		BaseRadiusPercent: 1,
		Ratios:            []float64{0.618, 1, 1.618, 2.618},
		Weights:           []float64{1, 1, 1.5, 2},
		RecenterRule:      RecenterEscape,
		RecenterThreshold: 1,
	}
	if err := spec.Params.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &FibCascade{Base: strategy.NewBase(KindFibCascade, spec), cfg: cfg}, nil
}

// Configure replaces the geometry; the current centre is kept.
func (f *FibCascade) Configure(params strategy.Params) error {
	next := f.cfg
	next.Ratios = append([]float64(nil), f.cfg.Ratios...)
	next.Weights = append([]float64(nil), f.cfg.Weights...)
	if err := params.Decode(&next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	f.cfg = next
	if f.crossed > len(next.Ratios) {
		f.crossed = len(next.Ratios)
	}
	return nil
}

func (f *FibCascade) side() schema.Side {
	if f.cfg.Side == "short" {
		return schema.SideSell
	}
	return schema.SideBuy
}

// Radii returns the ring radii in price units around the current centre.
func (f *FibCascade) Radii() []float64 {
	base := f.centre * f.cfg.BaseRadiusPercent / 100
	out := make([]float64, len(f.cfg.Ratios))
	for i, r := range f.cfg.Ratios {
		out[i] = base * r
	}
	return out
}

// Centre returns the cascade centre.
func (f *FibCascade) Centre() float64 { return f.centre }

// adverse is the distance from the centre against the cascade side.
func (f *FibCascade) adverse(close float64) float64 {
	if f.side() == schema.SideBuy {
		return f.centre - close
	}
	return close - f.centre
}

func (f *FibCascade) flat() bool {
	return f.qty.IsZero() && f.inflight == 0 && !f.exiting
}

// OnObservation drives ring crossings, exits and recentering.
func (f *FibCascade) OnObservation(ctx strategy.Context) ([]schema.Intent, error) {
	candle, ok := ctx.ClosedCandle(f.Timeframe())
	if !ok {
		return nil, nil
	}
	c := candle.Close.InexactFloat64()
	cause := ctx.Observation.Ref()
	if f.centre == 0 {
		f.recenter(c)
		return nil, nil
	}
	f.sinceBars++
	d := f.adverse(c)
	radii := f.Radii()

	if f.cfg.RecenterRule == RecenterEscape {
		n := len(radii)
		gap := radii[n-1] - radii[n-2]
		if d >= radii[n-1]+f.cfg.RecenterThreshold*gap {
			f.escaped = true
		}
	}

	if !f.qty.IsZero() && !f.exiting && (d <= 0 || f.escaped) {
		f.exiting = true
		in := f.Intent(schema.IntentClose, f.side().Opposite(), f.qty, cause)
		in.Tag = tagExit
		return []schema.Intent{in}, nil
	}

	if f.flat() && f.shouldRecenter() {
		f.recenter(c)
		return nil, nil
	}
	if f.escaped || f.exiting {
		return nil, nil
	}

	var intents []schema.Intent
	for k := f.crossed; k < len(radii) && d >= radii[k]; k++ {
		kind := schema.IntentAdd
		if f.crossed == 0 && f.qty.IsZero() && f.inflight == 0 {
			kind = schema.IntentOpen
		}
		qty := f.cfg.Quantity.Mul(decimal.NewFromFloat(f.cfg.Weights[k]))
		in := f.Intent(kind, f.side(), qty, cause)
		in.Tag = "ring-" + strconv.Itoa(k+1)
		intents = append(intents, in)
		f.crossed = k + 1
		f.inflight++
	}
	return intents, nil
}

func (f *FibCascade) shouldRecenter() bool {
	switch f.cfg.RecenterRule {
	case RecenterEscape:
		return f.escaped
	case RecenterBars:
		return f.sinceBars >= f.cfg.RecenterBars
	}
	return false
}

func (f *FibCascade) recenter(c float64) {
	f.centre = c
	f.crossed = 0
	f.sinceBars = 0
	f.escaped = false
}

// OnOrderEvent folds fills of ring entries and exits.
func (f *FibCascade) OnOrderEvent(evt schema.OrderEvent) ([]schema.Intent, error) {
	tag := evt.Order.Tag
	switch {
	case strings.HasPrefix(tag, "ring-"):
		if evt.Fill != nil {
			f.qty = f.qty.Add(evt.Fill.Quantity)
		}
		if evt.To.Terminal() && f.inflight > 0 {
			f.inflight--
		}
		// a refused ring may be crossed again
		if evt.Refused() {
			if k, err := strconv.Atoi(strings.TrimPrefix(tag, "ring-")); err == nil && f.crossed >= k {
				f.crossed = k - 1
			}
		}
	case tag == tagExit:
		if evt.Fill != nil {
			f.qty = f.qty.Sub(evt.Fill.Quantity)
			if !f.qty.IsPositive() {
				f.qty = decimal.Zero
			}
		}
		if evt.To.Terminal() {
			f.exiting = false
			if f.qty.IsZero() {
				f.crossed = 0
			}
		}
	}
	return nil, nil
}

// DescribeState reports the geometry and cascade progress.
func (f *FibCascade) DescribeState() schema.StrategyState {
	return f.State(map[string]any{
		"centre":        f.centre,
		"rings_crossed": f.crossed,
		"quantity":      f.qty.String(),
		"recenter_rule": f.cfg.RecenterRule,
		"bars_centred":  f.sinceBars,
		"escaped":       f.escaped,
	})
}
