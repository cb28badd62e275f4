package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
)

// resting is a working order held by the simulator.
type resting struct {
	order   schema.Order
	report  schema.Report
	arrival uint64
}

// OrderBook holds one instrument's working orders in arrival order.
type OrderBook struct {
	orders []*resting
}

// NewOrderBook creates an empty book.
func NewOrderBook() *OrderBook {
	return &OrderBook{}
}

// Len returns the number of working orders.
func (ob *OrderBook) Len() int { return len(ob.orders) }

func (ob *OrderBook) add(r *resting) {
	ob.orders = append(ob.orders, r)
}

func (ob *OrderBook) remove(clientID string) {
	for i, r := range ob.orders {
		if r.order.ClientID == clientID {
			ob.orders = append(ob.orders[:i], ob.orders[i+1:]...)
			return
		}
	}
}

// bar is the price range an observation exposes to matching.
type bar struct {
	open, high, low decimal.Decimal
}

func barOf(obs schema.Observation) (bar, bool) {
	if obs.Kind == schema.ObservationCandle && obs.Candle != nil {
		c := obs.Candle
		return bar{open: c.Open, high: c.High, low: c.Low}, c.Open.IsPositive()
	}
	px := obs.Price()
	return bar{open: px, high: px, low: px}, px.IsPositive()
}

// triggerPrice decides whether o executes within b and at what raw price.
// Limits fill at the limit, or at the open when the bar gaps through it.
// Stops trigger when the range reaches the stop and fill at the stop, or at
// the open when gapped.
func triggerPrice(o schema.Order, b bar) (decimal.Decimal, bool) {
	buy := o.Side == schema.SideBuy
	switch o.Type {
	case schema.OrderTypeMarket:
		return b.open, true
	case schema.OrderTypeLimit:
		switch {
		case buy && b.open.LessThanOrEqual(o.Price), !buy && b.open.GreaterThanOrEqual(o.Price):
			return b.open, true
		case buy && b.low.LessThanOrEqual(o.Price), !buy && b.high.GreaterThanOrEqual(o.Price):
			return o.Price, true
		}
	case schema.OrderTypeStop:
		switch {
		case buy && b.open.GreaterThanOrEqual(o.StopPrice), !buy && b.open.LessThanOrEqual(o.StopPrice):
			return b.open, true
		case buy && b.high.GreaterThanOrEqual(o.StopPrice), !buy && b.low.LessThanOrEqual(o.StopPrice):
			return o.StopPrice, true
		}
	}
	return decimal.Zero, false
}
