package backtest

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/execution"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// SimulatedExchange is the backtest execution adapter. Orders submitted while
// an observation is being processed are matched from the next observation of
// their instrument onward.
type SimulatedExchange struct {
	capital     decimal.Decimal
	instruments map[string]schema.Instrument
	fees        FeeModel
	slippage    SlippageModel
	timeframe   string

	mu      sync.Mutex
	books   map[string]*OrderBook
	orders  map[string]*resting
	arrival uint64
}

var _ execution.Adapter = (*SimulatedExchange)(nil)

// NewSimulatedExchange builds a simulator. When timeframe is set, only candles
// of that timeframe drive matching.
func NewSimulatedExchange(capital decimal.Decimal, instruments []schema.Instrument, fees FeeModel, slippage SlippageModel, timeframe string) *SimulatedExchange {
	byID := make(map[string]schema.Instrument, len(instruments))
	for _, inst := range instruments {
		byID[inst.Symbol] = inst
	}
	if fees == nil {
		fees = ProportionalFee{}
	}
	if slippage == nil {
		slippage = BasisPointSlippage{}
	}
	return &SimulatedExchange{
		capital:     capital,
		instruments: byID,
		fees:        fees,
		slippage:    slippage,
		timeframe:   timeframe,
		books:       make(map[string]*OrderBook),
		orders:      make(map[string]*resting),
	}
}

// Submit accepts an order for matching on later observations.
func (s *SimulatedExchange) Submit(_ context.Context, order schema.Order) (schema.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[order.ClientID]; ok {
		return existing.report, nil
	}
	s.arrival++
	r := &resting{order: order, arrival: s.arrival, report: schema.Report{
		ClientID:   order.ClientID,
		ExchangeID: "sim-" + strconv.FormatUint(s.arrival, 10),
		Instrument: order.Instrument,
		State:      schema.OrderSubmitted,
		UpdateSeq:  1,
		EventTime:  order.CreatedAt,
	}}
	s.orders[order.ClientID] = r
	if reason := s.validate(order); reason != "" {
		r.report.State = schema.OrderRejected
		r.report.Reason = errs.ReasonVenueRejected
		r.report.Detail = reason
		return r.report, nil
	}
	book, ok := s.books[order.Instrument]
	if !ok {
		book = NewOrderBook()
		s.books[order.Instrument] = book
	}
	book.add(r)
	return r.report, nil
}

func (s *SimulatedExchange) validate(o schema.Order) string {
	if _, ok := s.instruments[o.Instrument]; !ok {
		return "unknown instrument"
	}
	if !o.Quantity.IsPositive() {
		return "quantity must be positive"
	}
	switch o.Type {
	case schema.OrderTypeMarket:
	case schema.OrderTypeLimit:
		if !o.Price.IsPositive() {
			return "limit price required"
		}
	case schema.OrderTypeStop:
		if !o.StopPrice.IsPositive() {
			return "stop price required"
		}
	default:
		return "unsupported order type"
	}
	return ""
}

// Cancel removes a working order.
func (s *SimulatedExchange) Cancel(_ context.Context, clientID string) (schema.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.orders[clientID]
	if !ok {
		return schema.Report{}, errs.New("backtest/cancel", errs.CodeNotFound, errs.WithField("client_id", clientID))
	}
	if r.report.State.Terminal() {
		return r.report, nil
	}
	r.report.State = schema.OrderCanceled
	r.report.UpdateSeq++
	s.books[r.order.Instrument].remove(clientID)
	return r.report, nil
}

// QueryStatus returns the simulator's view of an order.
func (s *SimulatedExchange) QueryStatus(_ context.Context, clientID string) (schema.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.orders[clientID]
	if !ok {
		return schema.Report{}, errs.New("backtest/query", errs.CodeNotFound, errs.WithField("client_id", clientID))
	}
	return r.report, nil
}

// OpenOrders lists working orders in arrival order.
func (s *SimulatedExchange) OpenOrders(context.Context) ([]schema.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*resting
	for _, book := range s.books {
		open = append(open, book.orders...)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].arrival < open[j].arrival })
	out := make([]schema.Report, len(open))
	for i, r := range open {
		out[i] = r.report
	}
	return out, nil
}

// Account returns the starting capital; positions live in the order manager.
func (s *SimulatedExchange) Account(context.Context) (schema.AccountSnapshot, error) {
	return schema.AccountSnapshot{Capital: s.capital, Positions: map[string]schema.Position{}}, nil
}

// Reports is nil; fills are returned by Match.
func (s *SimulatedExchange) Reports() <-chan schema.Report { return nil }

// Health is always connected.
func (s *SimulatedExchange) Health() execution.Health { return execution.HealthConnected }

// Match executes working orders of obs's instrument against its price range
// and returns the fill reports in arrival order.
func (s *SimulatedExchange) Match(obs schema.Observation) []schema.Report {
	if s.timeframe != "" && obs.Kind == schema.ObservationCandle && obs.Timeframe != s.timeframe {
		return nil
	}
	b, ok := barOf(obs)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[obs.Instrument]
	if !ok || book.Len() == 0 {
		return nil
	}
	inst := s.instruments[obs.Instrument]
	var reports []schema.Report
	remaining := book.orders[:0]
	for _, r := range book.orders {
		px, hit := triggerPrice(r.order, b)
		if !hit {
			remaining = append(remaining, r)
			continue
		}
		if r.order.Type == schema.OrderTypeMarket {
			px = inst.RoundPrice(s.slippage.Adjust(r.order.Side, px))
		}
		qty := r.order.Quantity
		r.report.Filled = qty
		r.report.AvgPrice = px
		r.report.Fee = s.fees.Fee(qty, px)
		r.report.State = schema.OrderFilled
		r.report.UpdateSeq++
		r.report.EventTime = obs.EventTime
		reports = append(reports, r.report)
	}
	book.orders = remaining
	return reports
}
