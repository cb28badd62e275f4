// Package backtest replays historical observations through the live decision
// pipeline against a simulated exchange and reports performance.
package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/feed"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// Trade is one round trip from flat to flat (or through a flip) on an instrument.
type Trade struct {
	Instrument string          `json:"instrument"`
	Side       schema.Side     `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryTime  time.Time       `json:"entry_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitTime   time.Time       `json:"exit_time"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Fees       decimal.Decimal `json:"fees"`
	// PnL is realized P&L net of entry and exit fees.
	PnL decimal.Decimal `json:"pnl"`
}

// RejectEntry is a suppressed trade in the run log.
type RejectEntry struct {
	Time time.Time `json:"time"`
	feed.Reject
}

// EquityPoint is the account equity after one observation.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// Report is the immutable outcome of a run.
type Report struct {
	InitialCapital     decimal.Decimal `json:"initial_capital"`
	FinalEquity        decimal.Decimal `json:"final_equity"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent    decimal.Decimal `json:"total_pnl_percent"`
	WinRate            decimal.Decimal `json:"win_rate"`
	MaxDrawdown        decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
	Sharpe             decimal.Decimal `json:"sharpe"`
	Fees               decimal.Decimal `json:"fees"`
	TradeCount         int             `json:"trade_count"`
	Orders             int             `json:"orders"`
	Observations       int             `json:"observations"`
	Skipped            int             `json:"skipped"`
	Faults             int             `json:"faults"`
	Trades             []Trade         `json:"trades"`
	Rejects            []RejectEntry   `json:"rejects"`
	Equity             []EquityPoint   `json:"equity_curve"`
}

// episode accumulates one open round trip.
type episode struct {
	trade     Trade
	position  schema.Position
	entryQty  decimal.Decimal
	entryCost decimal.Decimal
	exitQty   decimal.Decimal
	exitCost  decimal.Decimal
	realized  decimal.Decimal
}

// Analytics turns fills and equity samples into a Report.
type Analytics struct {
	capital     decimal.Decimal
	instruments map[string]schema.Instrument
	open        map[string]*episode
	trades      []Trade
	rejects     []RejectEntry
	equity      []EquityPoint
	fees        decimal.Decimal
	orders      int
	skipped     int
	faults      int
}

func newAnalytics(capital decimal.Decimal, instruments []schema.Instrument) *Analytics {
	byID := make(map[string]schema.Instrument, len(instruments))
	for _, inst := range instruments {
		byID[inst.Symbol] = inst
	}
	return &Analytics{capital: capital, instruments: byID, open: make(map[string]*episode)}
}

func (a *Analytics) recordOrder() { a.orders++ }

func (a *Analytics) recordReject(at time.Time, r feed.Reject) {
	a.rejects = append(a.rejects, RejectEntry{Time: at, Reject: r})
}

func (a *Analytics) recordEquity(at time.Time, equity decimal.Decimal) {
	a.equity = append(a.equity, EquityPoint{Time: at, Equity: equity})
}

func (a *Analytics) recordFill(fill schema.Fill) {
	a.fees = a.fees.Add(fill.Fee)
	a.applyFill(fill)
}

// applyFill folds a fill into the instrument's episode, closing it when flat.
func (a *Analytics) applyFill(fill schema.Fill) {
	inst := a.instruments[fill.Instrument]
	ep := a.open[fill.Instrument]
	if ep == nil {
		ep = &episode{trade: Trade{
			Instrument: fill.Instrument,
			Side:       fill.Side,
			EntryTime:  fill.Time,
		}, position: schema.Position{Instrument: fill.Instrument}}
		a.open[fill.Instrument] = ep
	}

	opening := fill.Side == ep.trade.Side
	closeQty := fill.Quantity
	if !opening && closeQty.GreaterThan(ep.position.Size.Abs()) {
		closeQty = ep.position.Size.Abs()
	}
	residual := fill.Quantity.Sub(closeQty)

	if opening {
		ep.entryQty = ep.entryQty.Add(fill.Quantity)
		ep.entryCost = ep.entryCost.Add(fill.Quantity.Mul(fill.Price))
		ep.trade.Fees = ep.trade.Fees.Add(fill.Fee)
		ep.realized = ep.realized.Add(ep.position.Apply(inst, fill))
		return
	}

	closing := fill
	closing.Quantity = closeQty
	closing.Fee = prorate(fill.Fee, closeQty, fill.Quantity)
	ep.realized = ep.realized.Add(ep.position.Apply(inst, closing))
	ep.trade.Fees = ep.trade.Fees.Add(closing.Fee)
	ep.exitQty = ep.exitQty.Add(closeQty)
	ep.exitCost = ep.exitCost.Add(closeQty.Mul(fill.Price))
	ep.trade.ExitTime = fill.Time

	if !ep.position.Size.IsZero() {
		return
	}
	a.closeEpisode(ep)
	if residual.IsPositive() {
		flip := fill
		flip.Quantity = residual
		flip.Fee = fill.Fee.Sub(closing.Fee)
		a.applyFill(flip)
	}
}

func (a *Analytics) closeEpisode(ep *episode) {
	t := ep.trade
	t.Quantity = ep.entryQty
	if ep.entryQty.IsPositive() {
		t.EntryPrice = ep.entryCost.Div(ep.entryQty)
	}
	if ep.exitQty.IsPositive() {
		t.ExitPrice = ep.exitCost.Div(ep.exitQty)
	}
	t.PnL = ep.realized.Sub(t.Fees)
	a.trades = append(a.trades, t)
	delete(a.open, t.Instrument)
}

func prorate(fee, part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() || part.Equal(whole) {
		return fee
	}
	return fee.Mul(part).Div(whole)
}

// report computes the summary metrics. Sharpe uses per-observation equity
// returns scaled by sqrt(annualization).
func (a *Analytics) report(annualization float64) Report {
	rep := Report{
		InitialCapital: a.capital,
		FinalEquity:    a.capital,
		Fees:           a.fees,
		TradeCount:     len(a.trades),
		Orders:         a.orders,
		Observations:   len(a.equity),
		Skipped:        a.skipped,
		Faults:         a.faults,
		Trades:         append([]Trade{}, a.trades...),
		Rejects:        append([]RejectEntry{}, a.rejects...),
		Equity:         append([]EquityPoint{}, a.equity...),
	}
	if n := len(a.equity); n > 0 {
		rep.FinalEquity = a.equity[n-1].Equity
	}
	rep.TotalPnL = rep.FinalEquity.Sub(a.capital)
	if a.capital.IsPositive() {
		rep.TotalPnLPercent = rep.TotalPnL.Div(a.capital).Mul(decimal.NewFromInt(100)).Round(4)
	}

	wins := 0
	for _, t := range a.trades {
		if t.PnL.IsPositive() {
			wins++
		}
	}
	if len(a.trades) > 0 {
		rep.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(a.trades)))).Round(4)
	}

	peak := a.capital
	for _, p := range a.equity {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		dd := peak.Sub(p.Equity)
		if dd.GreaterThan(rep.MaxDrawdown) {
			rep.MaxDrawdown = dd
			if peak.IsPositive() {
				rep.MaxDrawdownPercent = dd.Div(peak).Mul(decimal.NewFromInt(100)).Round(4)
			}
		}
	}
	rep.Sharpe = sharpe(a.capital, a.equity, annualization)
	return rep
}

func sharpe(capital decimal.Decimal, curve []EquityPoint, annualization float64) decimal.Decimal {
	if len(curve) < 2 || annualization <= 0 {
		return decimal.Zero
	}
	returns := make([]float64, 0, len(curve))
	prev := capital
	for _, p := range curve {
		if prev.IsPositive() {
			returns = append(returns, p.Equity.Sub(prev).Div(prev).InexactFloat64())
		}
		prev = p.Equity
	}
	if len(returns) < 2 {
		return decimal.Zero
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(mean / std * math.Sqrt(annualization)).Round(6)
}
