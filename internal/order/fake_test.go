package order

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/execution"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// fakeVenue is a scriptable in-memory venue.
type fakeVenue struct {
	mu          sync.Mutex
	orders      map[string]schema.Report
	submitErrs  []error
	submits     map[string]int
	cancels     map[string]int
	holdCancels bool
	fillMarket  decimal.Decimal
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		orders:  make(map[string]schema.Report),
		submits: make(map[string]int),
		cancels: make(map[string]int),
	}
}

var _ execution.Adapter = (*fakeVenue)(nil)

func (f *fakeVenue) Submit(_ context.Context, o schema.Order) (schema.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits[o.ClientID]++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return schema.Report{}, err
		}
	}
	r := schema.Report{ClientID: o.ClientID, ExchangeID: "x-" + o.ClientID[:8], Instrument: o.Instrument, State: schema.OrderSubmitted, UpdateSeq: 1}
	if o.Type == schema.OrderTypeMarket && f.fillMarket.IsPositive() {
		r.State = schema.OrderFilled
		r.Filled = o.Quantity
		r.AvgPrice = f.fillMarket
	}
	f.orders[o.ClientID] = r
	return r, nil
}

func (f *fakeVenue) Cancel(_ context.Context, id string) (schema.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[id]++
	r, ok := f.orders[id]
	if !ok {
		return schema.Report{}, errs.New("fake/cancel", errs.CodeNotFound)
	}
	if r.State.Terminal() {
		return r, nil
	}
	r.UpdateSeq++
	r.State = schema.OrderCanceled
	if f.holdCancels {
		r.State = schema.OrderPendingCancel
	}
	f.orders[id] = r
	return r, nil
}

func (f *fakeVenue) QueryStatus(_ context.Context, id string) (schema.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.orders[id]
	if !ok {
		return schema.Report{}, errs.New("fake/query", errs.CodeNotFound)
	}
	return r, nil
}

func (f *fakeVenue) OpenOrders(context.Context) ([]schema.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []schema.Report
	for _, r := range f.orders {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeVenue) Account(context.Context) (schema.AccountSnapshot, error) {
	return schema.AccountSnapshot{}, nil
}

func (f *fakeVenue) Reports() <-chan schema.Report { return nil }

func (f *fakeVenue) Health() execution.Health { return execution.HealthConnected }

// fill advances the venue-side cumulative fill of id without telling the manager.
func (f *fakeVenue) fill(id, cum, avg string) schema.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.orders[id]
	r.UpdateSeq++
	r.Filled = decimal.RequireFromString(cum)
	r.AvgPrice = decimal.RequireFromString(avg)
	r.State = schema.OrderPartiallyFilled
	f.orders[id] = r
	return r
}

func (f *fakeVenue) complete(id string) schema.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.orders[id]
	r.UpdateSeq++
	r.State = schema.OrderFilled
	f.orders[id] = r
	return r
}

func (f *fakeVenue) submitCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[id]
}

func (f *fakeVenue) cancelCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[id]
}
