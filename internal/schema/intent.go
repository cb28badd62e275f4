package schema

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
)

// Side captures the direction of an order or position change.
type Side string

const (
	// SideBuy buys the instrument.
	SideBuy Side = "BUY"
	// SideSell sells the instrument.
	SideSell Side = "SELL"
)

// Opposite returns the reverse side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// IntentKind enumerates the kinds of trade intents.
type IntentKind string

const (
	// IntentOpen opens a new position.
	IntentOpen IntentKind = "open"
	// IntentAdd increases an existing position.
	IntentAdd IntentKind = "add"
	// IntentReduce reduces an existing position.
	IntentReduce IntentKind = "reduce"
	// IntentClose closes the whole position.
	IntentClose IntentKind = "close"
	// IntentCancel cancels a resting order.
	IntentCancel IntentKind = "cancel"
)

// Opening reports whether the kind grows exposure.
func (k IntentKind) Opening() bool {
	return k == IntentOpen || k == IntentAdd
}

// OrderType enumerates order types.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the prevailing price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit rests at a limit price.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStop triggers a market order at the stop price.
	OrderTypeStop OrderType = "STOP"
)

// Sizing tells the risk gate how to derive an intent's quantity.
type Sizing struct {
	// RiskPercent sizes by equity at risk when positive; Quantity is ignored.
	RiskPercent decimal.Decimal `json:"risk_percent"`
	// StopDistance overrides the distance derived from StopLoss.
	StopDistance decimal.Decimal `json:"stop_distance"`
	// ATR enables ATR-multiple stop distances when StopLoss is absent.
	ATR decimal.Decimal `json:"atr"`
}

// Intent is a strategy's proposed trading action prior to risk validation.
type Intent struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Kind       IntentKind      `json:"kind"`
	Quantity   decimal.Decimal `json:"quantity"`
	Sizing     Sizing          `json:"sizing"`
	OrderType  OrderType       `json:"order_type"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	// CancelID names the client order to cancel for IntentCancel.
	CancelID string `json:"cancel_id,omitempty"`
	Tag      string `json:"tag,omitempty"`
	CausedBy Ref    `json:"caused_by"`
}

// Validate checks structural consistency.
func (i Intent) Validate() error {
	fail := func(msg string) error {
		return errs.New("schema/intent", errs.CodeValidation,
			errs.WithReason(errs.ReasonInvalidIntent), errs.WithMessage(msg),
			errs.WithField("strategy", i.StrategyID), errs.WithField("intent", i.ID))
	}
	if i.StrategyID == "" || i.Instrument == "" {
		return fail("strategy and instrument required")
	}
	switch i.Kind {
	case IntentCancel:
		if i.CancelID == "" {
			return fail("cancel intent requires cancel id")
		}
		return nil
	case IntentOpen, IntentAdd, IntentReduce, IntentClose:
	default:
		return fail("unknown intent kind " + string(i.Kind))
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return fail("side required")
	}
	if i.Quantity.IsNegative() {
		return fail("quantity must not be negative")
	}
	if i.Kind != IntentClose && !i.Quantity.IsPositive() && !i.Sizing.RiskPercent.IsPositive() {
		return fail("quantity or risk sizing required")
	}
	switch i.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !i.LimitPrice.IsPositive() {
			return fail("limit order requires limit price")
		}
	case OrderTypeStop:
		if !i.StopPrice.IsPositive() {
			return fail("stop order requires stop price")
		}
	default:
		return fail("unknown order type " + string(i.OrderType))
	}
	return nil
}

// Verdict is the outcome of a risk evaluation.
type Verdict string

const (
	// VerdictAccept passes the intent, possibly with an adjusted quantity.
	VerdictAccept Verdict = "ACCEPT"
	// VerdictReject refuses the intent with a reason.
	VerdictReject Verdict = "REJECT"
	// VerdictDefer postpones the intent until the next cycle.
	VerdictDefer Verdict = "DEFER"
)

// Decision is the risk gate's immutable verdict on one intent.
type Decision struct {
	IntentID   string          `json:"intent_id"`
	Verdict    Verdict         `json:"verdict"`
	Quantity   decimal.Decimal `json:"quantity"`
	Reason     errs.Reason     `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Shrunk     bool            `json:"shrunk,omitempty"`
}

// Accepted reports whether the decision lets the intent through.
func (d Decision) Accepted() bool { return d.Verdict == VerdictAccept }
