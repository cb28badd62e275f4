// Package paper implements an in-process venue that fills against observed prices.
package paper

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// Config tunes the paper venue.
type Config struct {
	Capital decimal.Decimal
	FeeRate decimal.Decimal
	Buffer  int
}

type order struct {
	order  schema.Order
	report schema.Report
}

// Venue fills market orders at the last seen price and rests limit and stop
// orders until an observed price crosses them. Disconnect drops reports but
// keeps matching, the way a real venue keeps trading through an outage.
type Venue struct {
	cfg Config

	mu           sync.Mutex
	orders       map[string]*order
	prices       map[string]decimal.Decimal
	disconnected bool
	exchangeSeq  uint64
	reports      chan schema.Report
}

// NewVenue builds a paper venue.
func NewVenue(cfg Config) *Venue {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Venue{
		cfg:     cfg,
		orders:  make(map[string]*order),
		prices:  make(map[string]decimal.Decimal),
		reports: make(chan schema.Report, cfg.Buffer),
	}
}

// Disconnect simulates a connection loss.
func (v *Venue) Disconnect() {
	v.mu.Lock()
	v.disconnected = true
	v.mu.Unlock()
}

// Reconnect restores connectivity. Reports lost while disconnected stay lost.
func (v *Venue) Reconnect() {
	v.mu.Lock()
	v.disconnected = false
	v.mu.Unlock()
}

func (v *Venue) offline(scope string) error {
	if v.disconnected {
		return errs.New(scope, errs.CodeConnectivity, errs.WithMessage("paper venue disconnected"))
	}
	return nil
}

// Observe updates the last price of the observation's instrument and matches
// resting orders. Fill reports are delivered in order; a full report channel
// blocks until the consumer catches up or ctx ends. Reports not delivered
// stay queryable through QueryStatus and OpenOrders.
func (v *Venue) Observe(ctx context.Context, obs schema.Observation) error {
	px := obs.Price()
	if !px.IsPositive() {
		return nil
	}
	v.mu.Lock()
	v.prices[obs.Instrument] = px
	ids := make([]string, 0, len(v.orders))
	for id, o := range v.orders {
		if o.order.Instrument == obs.Instrument && !o.report.State.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var out []schema.Report
	for _, id := range ids {
		o := v.orders[id]
		if fillPx, ok := crosses(o.order, px); ok {
			v.fill(o, fillPx, obs)
			out = append(out, o.report)
		}
	}
	disconnected := v.disconnected
	v.mu.Unlock()
	if disconnected {
		return nil
	}
	for i, r := range out {
		select {
		case v.reports <- r:
			continue
		default:
		}
		select {
		case v.reports <- r:
		case <-ctx.Done():
			return errs.New("paper/observe", errs.CodeUnavailable,
				errs.WithMessage("report delivery interrupted"),
				errs.WithField("undelivered", strconv.Itoa(len(out)-i)),
				errs.WithCause(ctx.Err()))
		}
	}
	return nil
}

func crosses(o schema.Order, px decimal.Decimal) (decimal.Decimal, bool) {
	switch o.Type {
	case schema.OrderTypeLimit:
		if o.Side == schema.SideBuy && px.LessThanOrEqual(o.Price) {
			return o.Price, true
		}
		if o.Side == schema.SideSell && px.GreaterThanOrEqual(o.Price) {
			return o.Price, true
		}
	case schema.OrderTypeStop:
		if o.Side == schema.SideBuy && px.GreaterThanOrEqual(o.StopPrice) {
			return px, true
		}
		if o.Side == schema.SideSell && px.LessThanOrEqual(o.StopPrice) {
			return px, true
		}
	case schema.OrderTypeMarket:
		return px, true
	}
	return decimal.Zero, false
}

func (v *Venue) fill(o *order, px decimal.Decimal, obs schema.Observation) {
	qty := o.order.Quantity.Sub(o.report.Filled)
	o.report.Filled = o.order.Quantity
	o.report.AvgPrice = px
	o.report.Fee = o.report.Fee.Add(qty.Mul(px).Mul(v.cfg.FeeRate))
	o.report.State = schema.OrderFilled
	o.report.UpdateSeq++
	o.report.EventTime = obs.EventTime
}

// Submit accepts an order, filling market orders immediately when a price is known.
func (v *Venue) Submit(_ context.Context, o schema.Order) (schema.Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.offline("paper/submit"); err != nil {
		return schema.Report{}, err
	}
	if existing, ok := v.orders[o.ClientID]; ok {
		return existing.report, nil
	}
	v.exchangeSeq++
	rec := &order{order: o, report: schema.Report{
		ClientID:   o.ClientID,
		ExchangeID: "paper-" + strconv.FormatUint(v.exchangeSeq, 10),
		Instrument: o.Instrument,
		State:      schema.OrderSubmitted,
		UpdateSeq:  1,
		EventTime:  o.CreatedAt,
	}}
	v.orders[o.ClientID] = rec
	if o.Type == schema.OrderTypeMarket {
		px, ok := v.prices[o.Instrument]
		if !ok {
			rec.report.State = schema.OrderRejected
			rec.report.Reason = errs.ReasonVenueRejected
			rec.report.Detail = "no price"
			return rec.report, nil
		}
		v.fill(rec, px, schema.Observation{EventTime: o.CreatedAt})
	}
	return rec.report, nil
}

// Cancel cancels a resting order.
func (v *Venue) Cancel(_ context.Context, clientID string) (schema.Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.offline("paper/cancel"); err != nil {
		return schema.Report{}, err
	}
	o, ok := v.orders[clientID]
	if !ok {
		return schema.Report{}, errs.New("paper/cancel", errs.CodeNotFound, errs.WithField("client_id", clientID))
	}
	if !o.report.State.Terminal() {
		o.report.State = schema.OrderCanceled
		o.report.UpdateSeq++
	}
	return o.report, nil
}

// QueryStatus returns the venue's view of an order.
func (v *Venue) QueryStatus(_ context.Context, clientID string) (schema.Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.offline("paper/query"); err != nil {
		return schema.Report{}, err
	}
	o, ok := v.orders[clientID]
	if !ok {
		return schema.Report{}, errs.New("paper/query", errs.CodeNotFound, errs.WithField("client_id", clientID))
	}
	return o.report, nil
}

// OpenOrders lists working orders sorted by client id.
func (v *Venue) OpenOrders(_ context.Context) ([]schema.Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.offline("paper/open_orders"); err != nil {
		return nil, err
	}
	var out []schema.Report
	for _, o := range v.orders {
		if !o.report.State.Terminal() {
			out = append(out, o.report)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// Account returns the configured capital. Positions are tracked by the order manager.
func (v *Venue) Account(_ context.Context) (schema.AccountSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.offline("paper/account"); err != nil {
		return schema.AccountSnapshot{}, err
	}
	return schema.AccountSnapshot{Capital: v.cfg.Capital, Positions: map[string]schema.Position{}}, nil
}

// Reports streams fills of resting orders.
func (v *Venue) Reports() <-chan schema.Report { return v.reports }
