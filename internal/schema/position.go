package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the per-instrument aggregate of fills.
type Position struct {
	Instrument  string          `json:"instrument"`
	Size        decimal.Decimal `json:"size"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees"`
}

// Flat reports whether the position holds nothing.
func (p Position) Flat() bool { return p.Size.IsZero() }

// Side returns the side that opened the position.
func (p Position) Side() Side {
	if p.Size.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// Unrealized returns the mark-to-market P&L at mark.
func (p Position) Unrealized(inst Instrument, mark decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() || !mark.IsPositive() {
		return decimal.Zero
	}
	return inst.PnL(p.Size, p.AvgEntry, mark)
}

// Apply folds a fill into the position and returns the realized P&L it booked.
// Same-direction fills move the entry to the volume-weighted average, reducing
// fills keep it, and a flip through zero restarts it at the fill price.
func (p *Position) Apply(inst Instrument, fill Fill) decimal.Decimal {
	qty := fill.Quantity.Abs().Mul(fill.Side.Sign())
	p.Fees = p.Fees.Add(fill.Fee)
	if qty.IsZero() {
		return decimal.Zero
	}
	if p.Size.IsZero() || p.Size.Sign() == qty.Sign() {
		next := p.Size.Add(qty)
		cost := p.Size.Abs().Mul(p.AvgEntry).Add(qty.Abs().Mul(fill.Price))
		p.AvgEntry = cost.Div(next.Abs())
		p.Size = next
		return decimal.Zero
	}

	closing := decimal.Min(qty.Abs(), p.Size.Abs())
	closed := closing
	if p.Size.IsNegative() {
		closed = closing.Neg()
	}
	realized := inst.PnL(closed, p.AvgEntry, fill.Price)
	p.RealizedPnL = p.RealizedPnL.Add(realized)

	next := p.Size.Add(qty)
	switch {
	case next.IsZero():
		p.AvgEntry = decimal.Zero
	case next.Sign() != p.Size.Sign():
		p.AvgEntry = fill.Price
	}
	p.Size = next
	return realized
}

// AccountSnapshot is an immutable, versioned view of account and positions.
type AccountSnapshot struct {
	Version     uint64              `json:"version"`
	Capital     decimal.Decimal     `json:"capital"`
	RealizedPnL decimal.Decimal     `json:"realized_pnl"`
	Fees        decimal.Decimal     `json:"fees"`
	Positions   map[string]Position `json:"positions"`
	AsOf        time.Time           `json:"as_of"`
}

// Position returns the position for instrument, flat when unknown.
func (a AccountSnapshot) Position(instrument string) Position {
	if p, ok := a.Positions[instrument]; ok {
		return p
	}
	return Position{Instrument: instrument}
}

// Balance returns capital plus realized P&L net of fees.
func (a AccountSnapshot) Balance() decimal.Decimal {
	return a.Capital.Add(a.RealizedPnL).Sub(a.Fees)
}

// StrategyHealth reports a unit's fault status.
type StrategyHealth string

const (
	// HealthActive units receive observations.
	HealthActive StrategyHealth = "active"
	// HealthUnhealthy units faulted recently but still receive observations.
	HealthUnhealthy StrategyHealth = "unhealthy"
	// HealthPaused units are paused by an operator or advisory directive.
	HealthPaused StrategyHealth = "paused"
	// HealthDisabled units are disabled by a meta unit or by repeated faults.
	HealthDisabled StrategyHealth = "disabled"
)

// StrategyState is an inspection snapshot of a unit's private state.
type StrategyState struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Health StrategyHealth `json:"health"`
	Fields map[string]any `json:"fields,omitempty"`
}
