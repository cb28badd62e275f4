package risk

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/indicator"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// AccountState is the immutable input the gate evaluates against.
type AccountState struct {
	Account schema.AccountSnapshot
	// Marks holds the latest mark per instrument.
	Marks map[string]decimal.Decimal
	// Pending holds the notional of resting opening orders per instrument.
	Pending map[string]decimal.Decimal
	// Levels holds pivot levels per instrument for the pivot protective rule.
	Levels map[string]indicator.Levels
}

// Gate validates, sizes, and protects intents. Evaluate has no side effects.
type Gate struct {
	limits      Limits
	instruments map[string]schema.Instrument
	breaker     *Breaker
}

// NewGate builds a gate. Limits are normalised before use.
func NewGate(limits Limits, instruments []schema.Instrument) (*Gate, error) {
	limits.Normalise()
	if err := limits.Validate(); err != nil {
		return nil, errs.New("risk/gate", errs.CodeValidation, errs.WithMessage("invalid limits"), errs.WithCause(err))
	}
	byID := make(map[string]schema.Instrument, len(instruments))
	for _, inst := range instruments {
		if err := inst.Validate(); err != nil {
			return nil, err
		}
		byID[inst.Symbol] = inst
	}
	return &Gate{
		limits:      limits,
		instruments: byID,
		breaker:     NewBreaker(limits.MaxDrawdown, limits.BreakerCooldown),
	}, nil
}

// Breaker exposes the drawdown breaker.
func (g *Gate) Breaker() *Breaker { return g.breaker }

// Limits returns the normalised limits.
func (g *Gate) Limits() Limits { return g.limits }

// Instrument returns the filters for symbol.
func (g *Gate) Instrument(symbol string) (schema.Instrument, bool) {
	inst, ok := g.instruments[symbol]
	return inst, ok
}

// Equity is balance plus unrealized P&L at the given marks.
func (g *Gate) Equity(state AccountState) decimal.Decimal {
	equity := state.Account.Balance()
	for _, symbol := range sortedSymbols(state.Account.Positions) {
		pos := state.Account.Positions[symbol]
		inst := g.instruments[symbol]
		equity = equity.Add(pos.Unrealized(inst, state.Marks[symbol]))
	}
	return equity
}

// Evaluate returns exactly one decision for intent.
func (g *Gate) Evaluate(intent schema.Intent, state AccountState, position schema.Position) schema.Decision {
	if err := intent.Validate(); err != nil {
		return reject(intent, errs.ReasonInvalidIntent, err.Error())
	}
	if intent.Kind == schema.IntentCancel {
		return schema.Decision{IntentID: intent.ID, Verdict: schema.VerdictAccept}
	}
	inst, ok := g.instruments[intent.Instrument]
	if !ok {
		return reject(intent, errs.ReasonInvalidIntent, "unknown instrument "+intent.Instrument)
	}
	ref := referencePrice(intent, state)
	if !ref.IsPositive() {
		return schema.Decision{IntentID: intent.ID, Verdict: schema.VerdictDefer, Detail: "no reference price"}
	}
	if !intent.Kind.Opening() {
		return g.evaluateReduce(intent, inst, position)
	}
	if g.breaker.Open() {
		return reject(intent, errs.ReasonDrawdownBreakerOpen, "drawdown breaker open")
	}

	sl, tp := g.protect(intent, inst, ref, state)
	equity := g.Equity(state)

	qty := intent.Quantity
	if !qty.IsPositive() {
		riskPct := intent.Sizing.RiskPercent
		if !riskPct.IsPositive() {
			riskPct = g.limits.DefaultRiskPercent
		}
		if riskPct.GreaterThan(maxRiskPercent) {
			return reject(intent, errs.ReasonInvalidIntent, "risk percent above "+maxRiskPercent.String())
		}
		dist := g.stopDistance(intent, ref, sl)
		if !dist.IsPositive() {
			return reject(intent, errs.ReasonInvalidIntent, "risk sizing needs a stop distance")
		}
		qty = equity.Mul(riskPct).Div(dist)
	}
	qty = inst.RoundQuantity(qty)
	if !qty.IsPositive() || qty.LessThan(inst.MinQuantity) {
		return reject(intent, errs.ReasonMinQuantityNotMet, "sized quantity "+qty.String()+" below minimum "+inst.MinQuantity.String())
	}

	shrunk := false
	if fit, capped := g.exposureFit(intent.Instrument, inst, qty, ref, state); capped {
		fit = inst.RoundQuantity(fit)
		if !g.limits.ShrinkToFit || !fit.IsPositive() || fit.LessThan(inst.MinQuantity) {
			return reject(intent, errs.ReasonExposureCapExceeded, "exposure cap leaves room for "+decimal.Max(fit, decimal.Zero).String())
		}
		qty, shrunk = fit, true
	}

	required := inst.Notional(qty, ref).Div(g.limits.Leverage)
	available := equity.Sub(g.usedMargin(state))
	if required.GreaterThan(available) {
		return reject(intent, errs.ReasonInsufficientMargin, "requires "+required.StringFixed(2)+" margin, "+available.StringFixed(2)+" available")
	}

	return schema.Decision{
		IntentID:   intent.ID,
		Verdict:    schema.VerdictAccept,
		Quantity:   qty,
		StopLoss:   sl,
		TakeProfit: tp,
		Shrunk:     shrunk,
	}
}

func (g *Gate) evaluateReduce(intent schema.Intent, inst schema.Instrument, position schema.Position) schema.Decision {
	if position.Flat() || position.Side() == intent.Side {
		return reject(intent, errs.ReasonInvalidIntent, "no opposing position to reduce")
	}
	size := position.Size.Abs()
	qty := size
	if intent.Kind == schema.IntentReduce && intent.Quantity.IsPositive() && intent.Quantity.LessThan(size) {
		qty = inst.RoundQuantity(intent.Quantity)
	}
	if !qty.IsPositive() {
		return reject(intent, errs.ReasonMinQuantityNotMet, "reduce quantity rounds to zero")
	}
	return schema.Decision{IntentID: intent.ID, Verdict: schema.VerdictAccept, Quantity: qty}
}

func (g *Gate) stopDistance(intent schema.Intent, ref, sl decimal.Decimal) decimal.Decimal {
	if intent.Sizing.StopDistance.IsPositive() {
		return intent.Sizing.StopDistance
	}
	if sl.IsPositive() {
		return ref.Sub(sl).Abs()
	}
	if intent.Sizing.ATR.IsPositive() {
		return intent.Sizing.ATR.Mul(g.limits.Protective.StopATR)
	}
	return decimal.Zero
}

// exposureFit returns the quantity that still fits under the caps when qty does not.
func (g *Gate) exposureFit(symbol string, inst schema.Instrument, qty, ref decimal.Decimal, state AccountState) (decimal.Decimal, bool) {
	unit := inst.Notional(decimal.NewFromInt(1), ref)
	adding := inst.Notional(qty, ref)
	headroom := decimal.Zero
	capped := false
	if cap := g.limits.MaxInstrumentNotional; cap.IsPositive() {
		room := cap.Sub(g.instrumentExposure(symbol, state))
		if adding.GreaterThan(room) {
			capped = true
		}
		headroom = room
	}
	if cap := g.limits.MaxTotalNotional; cap.IsPositive() {
		room := cap.Sub(g.totalExposure(state))
		if adding.GreaterThan(room) {
			capped = true
		}
		if g.limits.MaxInstrumentNotional.IsZero() || room.LessThan(headroom) {
			headroom = room
		}
	}
	if !capped {
		return qty, false
	}
	if !headroom.IsPositive() || !unit.IsPositive() {
		return decimal.Zero, true
	}
	return headroom.Div(unit), true
}

func (g *Gate) instrumentExposure(symbol string, state AccountState) decimal.Decimal {
	pos := state.Account.Position(symbol)
	held := g.instruments[symbol].Notional(pos.Size, state.Marks[symbol])
	return held.Add(state.Pending[symbol])
}

func (g *Gate) totalExposure(state AccountState) decimal.Decimal {
	total := decimal.Zero
	for _, symbol := range sortedSymbols(state.Account.Positions) {
		pos := state.Account.Positions[symbol]
		total = total.Add(g.instruments[symbol].Notional(pos.Size, state.Marks[symbol]))
	}
	for _, symbol := range sortedSymbols(state.Pending) {
		total = total.Add(state.Pending[symbol])
	}
	return total
}

func (g *Gate) usedMargin(state AccountState) decimal.Decimal {
	return g.totalExposure(state).Div(g.limits.Leverage)
}

func referencePrice(intent schema.Intent, state AccountState) decimal.Decimal {
	switch intent.OrderType {
	case schema.OrderTypeLimit:
		return intent.LimitPrice
	case schema.OrderTypeStop:
		return intent.StopPrice
	default:
		return state.Marks[intent.Instrument]
	}
}

func reject(intent schema.Intent, reason errs.Reason, detail string) schema.Decision {
	return schema.Decision{IntentID: intent.ID, Verdict: schema.VerdictReject, Reason: reason, Detail: detail}
}

func sortedSymbols[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
