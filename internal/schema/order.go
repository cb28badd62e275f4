package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
)

// OrderState enumerates order lifecycle states.
type OrderState string

const (
	// OrderPendingSubmit is the only initial state.
	OrderPendingSubmit OrderState = "PENDING_SUBMIT"
	// OrderSubmitted means the venue acknowledged the order.
	OrderSubmitted OrderState = "SUBMITTED"
	// OrderPartiallyFilled means part of the quantity executed.
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	// OrderPendingCancel means a cancel was requested and not yet confirmed.
	OrderPendingCancel OrderState = "PENDING_CANCEL"
	// OrderFilled is terminal.
	OrderFilled OrderState = "FILLED"
	// OrderCanceled is terminal.
	OrderCanceled OrderState = "CANCELED"
	// OrderRejected is terminal.
	OrderRejected OrderState = "REJECTED"
	// OrderExpired is terminal.
	OrderExpired OrderState = "EXPIRED"
)

// Terminal reports whether no further transition may leave the state.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// Order is the exchange-facing unit tracked by the order lifecycle manager.
type Order struct {
	ClientID     string          `json:"client_id"`
	ExchangeID   string          `json:"exchange_id,omitempty"`
	StrategyID   string          `json:"strategy_id"`
	IntentID     string          `json:"intent_id"`
	Instrument   string          `json:"instrument"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	ReduceOnly   bool            `json:"reduce_only"`
	Tag          string          `json:"tag,omitempty"`
	State        OrderState      `json:"state"`
	Filled       decimal.Decimal `json:"filled"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Fees         decimal.Decimal `json:"fees"`
	UpdateSeq    uint64          `json:"update_seq"`
	Attempts     int             `json:"attempts"`
	RejectReason errs.Reason     `json:"reject_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Quantity.Sub(o.Filled)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Report is an asynchronous order-state report from an execution adapter.
// Filled and AvgPrice are cumulative for the order.
type Report struct {
	ClientID   string          `json:"client_id"`
	ExchangeID string          `json:"exchange_id,omitempty"`
	Instrument string          `json:"instrument"`
	State      OrderState      `json:"state"`
	Filled     decimal.Decimal `json:"filled"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Fee        decimal.Decimal `json:"fee"`
	UpdateSeq  uint64          `json:"update_seq"`
	EventTime  time.Time       `json:"event_time"`
	Reason     errs.Reason     `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// Fill is a single execution applied to a position.
type Fill struct {
	ClientID   string          `json:"client_id"`
	StrategyID string          `json:"strategy_id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	Time       time.Time       `json:"time"`
}

// OrderEvent notifies observers of an order transition.
type OrderEvent struct {
	Order  Order       `json:"order"`
	From   OrderState  `json:"from"`
	To     OrderState  `json:"to"`
	Fill   *Fill       `json:"fill,omitempty"`
	Reason errs.Reason `json:"reason,omitempty"`
	Time   time.Time   `json:"time"`
}

// RefusedEvent is the terminal event a unit receives when the risk gate turns
// its intent away before any order exists. The order has no client id.
func RefusedEvent(in Intent, d Decision, at time.Time) OrderEvent {
	return OrderEvent{
		Order: Order{
			StrategyID:   in.StrategyID,
			IntentID:     in.ID,
			Instrument:   in.Instrument,
			Side:         in.Side,
			Type:         in.OrderType,
			Quantity:     in.Quantity,
			Price:        in.LimitPrice,
			StopPrice:    in.StopPrice,
			StopLoss:     in.StopLoss,
			TakeProfit:   in.TakeProfit,
			Tag:          in.Tag,
			State:        OrderRejected,
			RejectReason: d.Reason,
			CreatedAt:    at,
			UpdatedAt:    at,
		},
		From:   OrderPendingSubmit,
		To:     OrderRejected,
		Reason: d.Reason,
		Time:   at,
	}
}

// Refused reports whether the event stands for an intent the risk gate turned away.
func (e OrderEvent) Refused() bool { return e.Order.ClientID == "" && e.To == OrderRejected }
