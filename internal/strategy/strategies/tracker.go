// Package strategies implements the built-in strategy kinds.
package strategies

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

const (
	tagEntry = "entry"
	tagExit  = "exit"
)

// tracker follows a single protected position opened by a unit.
type tracker struct {
	side     schema.Side
	qty      decimal.Decimal
	entry    decimal.Decimal
	sl       decimal.Decimal
	tp       decimal.Decimal
	entering bool
	exiting  bool
}

func (t *tracker) flat() bool { return t.qty.IsZero() && !t.entering }

func (t *tracker) fields() map[string]any {
	return map[string]any{
		"side":     string(t.side),
		"quantity": t.qty.String(),
		"entry":    t.entry.String(),
		"sl":       t.sl.String(),
		"tp":       t.tp.String(),
		"entering": t.entering,
		"exiting":  t.exiting,
	}
}

// open builds an entry intent and marks the tracker as entering.
func (t *tracker) open(b *strategy.Base, side schema.Side, size sizing, sl, tp decimal.Decimal, cause schema.Ref) schema.Intent {
	in := b.Intent(schema.IntentOpen, side, size.Quantity, cause)
	if size.RiskPercent.IsPositive() {
		in.Sizing.RiskPercent = size.RiskPercent.Div(decimal.NewFromInt(100))
	}
	in.StopLoss = sl
	in.TakeProfit = tp
	in.Tag = tagEntry
	t.side = side
	t.sl = sl
	t.tp = tp
	t.entering = true
	return in
}

// checkExit returns a close intent when the candle touched the stop or target.
func (t *tracker) checkExit(b *strategy.Base, c schema.Candle, cause schema.Ref) (schema.Intent, bool) {
	if t.qty.IsZero() || t.exiting {
		return schema.Intent{}, false
	}
	hit := false
	switch t.side {
	case schema.SideBuy:
		hit = (t.sl.IsPositive() && c.Low.LessThanOrEqual(t.sl)) || (t.tp.IsPositive() && c.High.GreaterThanOrEqual(t.tp))
	case schema.SideSell:
		hit = (t.sl.IsPositive() && c.High.GreaterThanOrEqual(t.sl)) || (t.tp.IsPositive() && c.Low.LessThanOrEqual(t.tp))
	}
	if !hit {
		return schema.Intent{}, false
	}
	return t.close(b, cause), true
}

// close builds a market close for the tracked quantity.
func (t *tracker) close(b *strategy.Base, cause schema.Ref) schema.Intent {
	in := b.Intent(schema.IntentClose, t.side.Opposite(), t.qty, cause)
	in.Tag = tagExit
	t.exiting = true
	return in
}

// onEvent folds the unit's own order events into the tracker.
func (t *tracker) onEvent(evt schema.OrderEvent) {
	switch evt.Order.Tag {
	case tagEntry:
		if evt.Fill != nil {
			if t.qty.IsZero() {
				t.entry = evt.Fill.Price
			} else {
				cost := t.qty.Mul(t.entry).Add(evt.Fill.Quantity.Mul(evt.Fill.Price))
				t.entry = cost.Div(t.qty.Add(evt.Fill.Quantity))
			}
			t.qty = t.qty.Add(evt.Fill.Quantity)
			if !t.sl.IsPositive() {
				t.sl = evt.Order.StopLoss
			}
			if !t.tp.IsPositive() {
				t.tp = evt.Order.TakeProfit
			}
		}
		if evt.To.Terminal() {
			t.entering = false
		}
	case tagExit:
		if evt.Fill != nil {
			t.qty = t.qty.Sub(evt.Fill.Quantity)
			if !t.qty.IsPositive() {
				t.reset()
				return
			}
		}
		if evt.To.Terminal() {
			t.exiting = false
		}
	}
}

func (t *tracker) reset() {
	*t = tracker{}
}

// sizing is the common quantity block of strategy params.
type sizing struct {
	Quantity    decimal.Decimal `json:"quantity"`
	RiskPercent decimal.Decimal `json:"risk_percent"`
}

func (s sizing) valid() bool {
	return s.Quantity.IsPositive() || s.RiskPercent.IsPositive()
}

func price(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// protection is the common ATR stop block of strategy params.
type protection struct {
	ATRPeriod int     `json:"atr_period"`
	SLATR     float64 `json:"sl_atr_multiplier"`
	TPATR     float64 `json:"tp_atr_multiplier"`
}

func defaultProtection() protection {
	return protection{ATRPeriod: 14, SLATR: 1.5, TPATR: 2.0}
}

func (p protection) validate(kind string) error {
	if p.ATRPeriod < 1 {
		return fmt.Errorf("%s: atr_period must be >= 1", kind)
	}
	if p.SLATR <= 0 || p.TPATR <= 0 {
		return fmt.Errorf("%s: atr multipliers must be > 0", kind)
	}
	return nil
}

// levels returns stop and target for an entry at close on side.
func (p protection) levels(side schema.Side, close, atr float64) (sl, tp decimal.Decimal) {
	if side == schema.SideBuy {
		return price(close - atr*p.SLATR), price(close + atr*p.TPATR)
	}
	return price(close + atr*p.SLATR), price(close - atr*p.TPATR)
}
