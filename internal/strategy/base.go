package strategy

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
)

// Base carries identity and intent numbering shared by all units.
type Base struct {
	id         string
	kind       string
	instrument string
	timeframe  string
	prefix     string
	seq        uint64
}

// NewBase builds the shared identity block from a spec.
func NewBase(kind string, spec Spec) Base {
	prefix := spec.ID + "-"
	if spec.Session != "" {
		prefix += spec.Session + "-"
	}
	return Base{id: spec.ID, kind: kind, instrument: spec.Instrument, timeframe: spec.Timeframe, prefix: prefix}
}

// ID returns the unit id.
func (b *Base) ID() string { return b.id }

// Kind returns the strategy kind.
func (b *Base) Kind() string { return b.kind }

// Instrument returns the traded instrument.
func (b *Base) Instrument() string { return b.instrument }

// Timeframe returns the candle timeframe the unit decides on.
func (b *Base) Timeframe() string { return b.timeframe }

// Intent numbers a new intent. Ids depend only on the unit id and emission order.
func (b *Base) Intent(kind schema.IntentKind, side schema.Side, qty decimal.Decimal, cause schema.Ref) schema.Intent {
	b.seq++
	return schema.Intent{
		ID:         b.prefix + strconv.FormatUint(b.seq, 10),
		StrategyID: b.id,
		Instrument: b.instrument,
		Side:       side,
		Kind:       kind,
		Quantity:   qty,
		OrderType:  schema.OrderTypeMarket,
		CausedBy:   cause,
	}
}

// Cancel builds a cancel intent for a resting order.
func (b *Base) Cancel(clientID string, cause schema.Ref) schema.Intent {
	in := b.Intent(schema.IntentCancel, "", decimal.Zero, cause)
	in.CancelID = clientID
	in.OrderType = ""
	return in
}

// State builds an inspection snapshot with the given fields.
func (b *Base) State(fields map[string]any) schema.StrategyState {
	return schema.StrategyState{ID: b.id, Kind: b.kind, Health: schema.HealthActive, Fields: fields}
}
