package strategies

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// KindHedge is the registry kind of the protective hedge unit.
const KindHedge = "hedge"

// HedgeConfig configures the hedge.
type HedgeConfig struct {
	// Primary is the instrument whose position is protected.
	Primary        string          `json:"primary_instrument"`
	TriggerPercent decimal.Decimal `json:"trigger_percent"`
	RecoverPercent decimal.Decimal `json:"recover_percent"`
	Ratio          decimal.Decimal `json:"hedge_ratio"`
}

func (c HedgeConfig) validate(instrument string) error {
	if c.Primary == "" || c.Primary == instrument {
		return fmt.Errorf("hedge: primary_instrument must differ from the hedge instrument")
	}
	if !c.TriggerPercent.IsPositive() {
		return fmt.Errorf("hedge: trigger_percent must be > 0")
	}
	if c.RecoverPercent.IsNegative() || c.RecoverPercent.GreaterThanOrEqual(c.TriggerPercent) {
		return fmt.Errorf("hedge: recover_percent must be in [0, trigger_percent)")
	}
	if !c.Ratio.IsPositive() {
		return fmt.Errorf("hedge: hedge_ratio must be > 0")
	}
	return nil
}

// Hedge opens an opposite position on its own instrument while the primary
// position is under water beyond the trigger, and closes it on recovery.
type Hedge struct {
	strategy.Base
	cfg       HedgeConfig
	pos       tracker
	excursion decimal.Decimal
}

// NewHedge builds a hedge unit.
func NewHedge(spec strategy.Spec) (strategy.Unit, error) {
	cfg := HedgeConfig{Ratio: decimal.NewFromInt(1)}
	if err := spec.Params.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(spec.Instrument); err != nil {
		return nil, err
	}
	return &Hedge{Base: strategy.NewBase(KindHedge, spec), cfg: cfg}, nil
}

// Watches reports the primary instrument.
func (h *Hedge) Watches() []string { return []string{h.cfg.Primary} }

// Configure replaces thresholds; the primary instrument cannot change while hedged.
func (h *Hedge) Configure(params strategy.Params) error {
	next := h.cfg
	if err := params.Decode(&next); err != nil {
		return err
	}
	if err := next.validate(h.Instrument()); err != nil {
		return err
	}
	if next.Primary != h.cfg.Primary && !h.pos.flat() {
		return fmt.Errorf("hedge: cannot change primary_instrument while hedged")
	}
	h.cfg = next
	return nil
}

// OnObservation compares the primary's adverse excursion with the thresholds.
func (h *Hedge) OnObservation(ctx strategy.Context) ([]schema.Intent, error) {
	if ctx.Lookup == nil {
		return nil, nil
	}
	primary := ctx.Account.Position(h.cfg.Primary)
	cause := ctx.Observation.Ref()
	if primary.Flat() {
		h.excursion = decimal.Zero
		if !h.pos.qty.IsZero() && !h.pos.exiting {
			return []schema.Intent{h.pos.close(&h.Base, cause)}, nil
		}
		return nil, nil
	}
	mark := ctx.Lookup(h.cfg.Primary).Mark()
	if !mark.IsPositive() || !primary.AvgEntry.IsPositive() {
		return nil, nil
	}
	// Positive when the primary is losing.
	move := primary.AvgEntry.Sub(mark).Div(primary.AvgEntry).Mul(hundred)
	if primary.Side() == schema.SideSell {
		move = move.Neg()
	}
	h.excursion = move

	switch {
	case h.pos.flat() && move.GreaterThanOrEqual(h.cfg.TriggerPercent):
		qty := primary.Size.Abs().Mul(h.cfg.Ratio)
		in := h.pos.open(&h.Base, primary.Side().Opposite(), sizing{Quantity: qty}, decimal.Zero, decimal.Zero, cause)
		return []schema.Intent{in}, nil
	case !h.pos.qty.IsZero() && !h.pos.exiting && move.LessThanOrEqual(h.cfg.RecoverPercent):
		return []schema.Intent{h.pos.close(&h.Base, cause)}, nil
	}
	return nil, nil
}

// OnOrderEvent tracks the hedge position.
func (h *Hedge) OnOrderEvent(evt schema.OrderEvent) ([]schema.Intent, error) {
	h.pos.onEvent(evt)
	return nil, nil
}

// DescribeState reports the hedge and the last measured excursion.
func (h *Hedge) DescribeState() schema.StrategyState {
	fields := h.pos.fields()
	fields["primary"] = h.cfg.Primary
	fields["excursion_percent"] = h.excursion.StringFixed(4)
	return h.State(fields)
}
