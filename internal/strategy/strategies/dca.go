package strategies

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// KindDCA is the registry kind of the DCA ladder.
const KindDCA = "dca"

var hundred = decimal.NewFromInt(100)

// safetyDone marks a safety order that reached a terminal state.
const safetyDone = "-"

// DCAConfig configures the ladder. Deviations are cumulative percentages from
// the entry price; safety order i is sized BaseQuantity x Multipliers[i].
type DCAConfig struct {
	Side              string            `json:"side"`
	BaseQuantity      decimal.Decimal   `json:"base_quantity"`
	Deviations        []decimal.Decimal `json:"deviations"`
	Multipliers       []decimal.Decimal `json:"multipliers"`
	TakeProfitPercent decimal.Decimal   `json:"take_profit_percent"`
	PriceTick         decimal.Decimal   `json:"price_tick"`
	CooldownBars      int               `json:"cooldown_bars"`
}

func (c DCAConfig) validate() error {
	if c.Side != "long" && c.Side != "short" {
		return fmt.Errorf("dca: side must be long or short")
	}
	if !c.BaseQuantity.IsPositive() {
		return fmt.Errorf("dca: base_quantity must be > 0")
	}
	if len(c.Deviations) != len(c.Multipliers) {
		return fmt.Errorf("dca: deviations and multipliers must have equal length")
	}
	prev := decimal.Zero
	for i, d := range c.Deviations {
		if !d.GreaterThan(prev) || d.GreaterThanOrEqual(hundred) {
			return fmt.Errorf("dca: deviation %d must increase within (0, 100)", i)
		}
		if !c.Multipliers[i].IsPositive() {
			return fmt.Errorf("dca: multiplier %d must be > 0", i)
		}
		prev = d
	}
	if !c.TakeProfitPercent.IsPositive() {
		return fmt.Errorf("dca: take_profit_percent must be > 0")
	}
	return nil
}

type dcaPhase string

const (
	dcaIdle     dcaPhase = "idle"
	dcaEntering dcaPhase = "entering"
	dcaActive   dcaPhase = "active"
)

// DCA runs a dollar-cost-averaging ladder: a base order, resting safety
// orders at growing adverse deviations, and a take-profit re-placed above the
// weighted average after every fill.
type DCA struct {
	strategy.Base

	cfg     DCAConfig
	staged  *DCAConfig
	phase   dcaPhase
	cycle   int
	entry   decimal.Decimal
	size    decimal.Decimal
	avg     decimal.Decimal
	filled  int
	safety  map[string]string // tag -> client id
	tpID    string
	tpTag   string
	cooling int
}

// NewDCA builds a DCA unit.
func NewDCA(spec strategy.Spec) (strategy.Unit, error) {
	cfg := DCAConfig{Side: "long"}
	if err := spec.Params.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &DCA{Base: strategy.NewBase(KindDCA, spec), cfg: cfg, phase: dcaIdle, safety: map[string]string{}}, nil
}

func (d *DCA) side() schema.Side {
	if d.cfg.Side == "short" {
		return schema.SideSell
	}
	return schema.SideBuy
}

func (d *DCA) round(p decimal.Decimal) decimal.Decimal {
	if !d.cfg.PriceTick.IsPositive() {
		return p
	}
	return p.Div(d.cfg.PriceTick).Round(0).Mul(d.cfg.PriceTick)
}

// Configure stages the new ladder; it takes effect when the current cycle ends.
func (d *DCA) Configure(params strategy.Params) error {
	next := d.cfg
	next.Deviations = append([]decimal.Decimal(nil), d.cfg.Deviations...)
	next.Multipliers = append([]decimal.Decimal(nil), d.cfg.Multipliers...)
	if err := params.Decode(&next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	if d.phase == dcaIdle {
		d.cfg = next
		d.staged = nil
		return nil
	}
	d.staged = &next
	return nil
}

// OnObservation starts a new cycle when idle.
func (d *DCA) OnObservation(ctx strategy.Context) ([]schema.Intent, error) {
	if _, ok := ctx.ClosedCandle(d.Timeframe()); !ok {
		return nil, nil
	}
	if d.phase != dcaIdle {
		return nil, nil
	}
	if d.cooling > 0 {
		d.cooling--
		return nil, nil
	}
	d.cycle++
	d.phase = dcaEntering
	in := d.Intent(schema.IntentOpen, d.side(), d.cfg.BaseQuantity, ctx.Observation.Ref())
	in.Tag = d.tag("base")
	return []schema.Intent{in}, nil
}

func (d *DCA) tag(name string) string {
	return "dca-" + strconv.Itoa(d.cycle) + "-" + name
}

// OnOrderEvent advances the ladder on fills.
func (d *DCA) OnOrderEvent(evt schema.OrderEvent) ([]schema.Intent, error) {
	order := evt.Order
	cause := schema.Ref{Instrument: order.Instrument, EventTime: evt.Time}

	if order.Tag == d.tpTag && d.tpTag != "" && d.tpID == "" {
		d.tpID = order.ClientID
	}
	for tag := range d.safety {
		if order.Tag == tag && d.safety[tag] == "" {
			d.safety[tag] = order.ClientID
		}
	}

	if evt.Fill != nil {
		d.applyFill(*evt.Fill)
	}

	switch {
	case order.Tag == d.tag("base"):
		return d.onBase(evt, cause), nil
	case order.Tag == d.tpTag && d.tpTag != "":
		return d.onTakeProfit(evt, cause), nil
	case d.isSafety(order.Tag):
		return d.onSafety(evt, cause), nil
	}
	return nil, nil
}

func (d *DCA) applyFill(f schema.Fill) {
	if f.Side == d.side() {
		cost := d.size.Mul(d.avg).Add(f.Quantity.Mul(f.Price))
		d.size = d.size.Add(f.Quantity)
		d.avg = cost.Div(d.size)
		return
	}
	d.size = d.size.Sub(f.Quantity)
	if !d.size.IsPositive() {
		d.size = decimal.Zero
	}
}

func (d *DCA) isSafety(tag string) bool {
	_, ok := d.safety[tag]
	return ok
}

func (d *DCA) onBase(evt schema.OrderEvent, cause schema.Ref) []schema.Intent {
	if !evt.To.Terminal() {
		return nil
	}
	// refused by risk, rejected, canceled or expired before any fill
	if evt.To != schema.OrderFilled {
		if d.size.IsZero() {
			d.endCycle()
		}
		return nil
	}
	d.entry = evt.Order.AvgPrice
	d.phase = dcaActive
	intents := make([]schema.Intent, 0, len(d.cfg.Deviations)+1)
	sign := d.side().Sign()
	for i, dev := range d.cfg.Deviations {
		offset := d.entry.Mul(dev).Div(hundred)
		limit := d.round(d.entry.Sub(offset.Mul(sign)))
		in := d.Intent(schema.IntentAdd, d.side(), d.cfg.BaseQuantity.Mul(d.cfg.Multipliers[i]), cause)
		in.OrderType = schema.OrderTypeLimit
		in.LimitPrice = limit
		in.Tag = d.tag("so" + strconv.Itoa(i+1))
		d.safety[in.Tag] = ""
		intents = append(intents, in)
	}
	return append(intents, d.placeTakeProfit(cause))
}

func (d *DCA) onSafety(evt schema.OrderEvent, cause schema.Ref) []schema.Intent {
	if evt.To.Terminal() {
		d.safety[evt.Order.Tag] = safetyDone
	}
	if evt.To != schema.OrderFilled || d.phase != dcaActive {
		return nil
	}
	d.filled++
	var intents []schema.Intent
	if d.tpID != "" {
		intents = append(intents, d.Cancel(d.tpID, cause))
	}
	return append(intents, d.placeTakeProfit(cause))
}

func (d *DCA) onTakeProfit(evt schema.OrderEvent, cause schema.Ref) []schema.Intent {
	if evt.To != schema.OrderFilled {
		return nil
	}
	var intents []schema.Intent
	for _, tag := range sortedKeys(d.safety) {
		if id := d.safety[tag]; id != "" && id != safetyDone {
			intents = append(intents, d.Cancel(id, cause))
		}
	}
	d.endCycle()
	return intents
}

// TakeProfitPrice returns the current target for the open ladder.
func (d *DCA) TakeProfitPrice() decimal.Decimal {
	offset := d.avg.Mul(d.cfg.TakeProfitPercent).Div(hundred)
	return d.round(d.avg.Add(offset.Mul(d.side().Sign())))
}

func (d *DCA) placeTakeProfit(cause schema.Ref) schema.Intent {
	in := d.Intent(schema.IntentReduce, d.side().Opposite(), d.size, cause)
	in.OrderType = schema.OrderTypeLimit
	in.LimitPrice = d.TakeProfitPrice()
	in.Tag = d.tag("tp" + strconv.Itoa(d.filled))
	d.tpTag = in.Tag
	d.tpID = ""
	return in
}

func (d *DCA) endCycle() {
	d.phase = dcaIdle
	d.entry = decimal.Zero
	d.size = decimal.Zero
	d.avg = decimal.Zero
	d.filled = 0
	d.safety = map[string]string{}
	d.tpID = ""
	d.tpTag = ""
	d.cooling = d.cfg.CooldownBars
	if d.staged != nil {
		d.cfg = *d.staged
		d.staged = nil
	}
}

// DescribeState exposes ladder progress.
func (d *DCA) DescribeState() schema.StrategyState {
	return d.State(map[string]any{
		"phase":          string(d.phase),
		"cycle":          d.cycle,
		"entry":          d.entry.String(),
		"size":           d.size.String(),
		"avg_entry":      d.avg.String(),
		"safety_filled":  d.filled,
		"take_profit":    d.TakeProfitPrice().String(),
		"staged_params":  d.staged != nil,
		"cooldown_left":  d.cooling,
		"safety_orders":  len(d.cfg.Deviations),
		"take_profit_id": d.tpID,
	})
}
