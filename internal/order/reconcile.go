package order

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// FlattenStrategyID owns the reducing orders submitted by FlattenAll.
const FlattenStrategyID = "flatten"

// Reconcile resyncs every non-terminal order with the venue after a
// reconnect. Statuses are queried concurrently; fills are applied as deltas
// against the cumulative quantity already known, so nothing is double-counted.
func (m *Manager) Reconcile(ctx context.Context) ([]schema.OrderEvent, error) {
	open, err := m.adapter.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile open orders: %w", err)
	}
	venue := make(map[string]schema.Report, len(open))
	for _, r := range open {
		venue[r.ClientID] = r
	}

	tracked := m.Open()
	results := make([][]schema.OrderEvent, len(tracked))
	failures := make([]error, len(tracked))
	p := pool.New().WithMaxGoroutines(m.workers)
	for i, o := range tracked {
		p.Go(func() {
			report, ok := venue[o.ClientID]
			if !ok {
				var qerr error
				report, qerr = m.adapter.QueryStatus(ctx, o.ClientID)
				if qerr != nil {
					failures[i] = fmt.Errorf("query %s: %w", o.ClientID, qerr)
					return
				}
			}
			events, aerr := m.Apply(report)
			if aerr != nil {
				failures[i] = aerr
				return
			}
			results[i] = events
		})
	}
	p.Wait()

	for _, r := range open {
		if _, ok := m.lookup(r.ClientID); !ok {
			observability.Log().Info("venue order not tracked",
				observability.Field{Key: "client_id", Value: r.ClientID},
				observability.Field{Key: "instrument", Value: r.Instrument})
		}
	}
	var events []schema.OrderEvent
	for _, evs := range results {
		events = append(events, evs...)
	}
	return events, observability.AggregateErrors("reconcile", failures)
}

// FlattenAll stops new entries, cancels every working order, then submits
// reducing market orders for the open positions. Concurrent calls are
// serialized; cancels already in flight are not repeated.
func (m *Manager) FlattenAll(ctx context.Context) ([]schema.OrderEvent, error) {
	if m.onFlatten != nil {
		m.onFlatten()
	}
	m.flattenMu.Lock()
	defer m.flattenMu.Unlock()

	var events []schema.OrderEvent
	var failures []error
	for _, o := range m.Open() {
		if o.StrategyID == FlattenStrategyID {
			continue
		}
		res, err := m.Cancel(ctx, o.ClientID)
		if err != nil {
			failures = append(failures, err)
		}
		events = append(events, res.Events...)
	}

	account := m.Account()
	working := m.flattenRemaining()
	symbols := make([]string, 0, len(account.Positions))
	for s := range account.Positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		pos := account.Positions[symbol]
		qty := pos.Size.Abs().Sub(working[symbol])
		if !qty.IsPositive() {
			continue
		}
		m.flattenSeq++
		intent := schema.Intent{
			ID:         FlattenStrategyID + "-" + symbol + "-" + strconv.FormatUint(m.flattenSeq, 10),
			StrategyID: FlattenStrategyID,
			Instrument: symbol,
			Side:       pos.Side().Opposite(),
			Kind:       schema.IntentClose,
			Quantity:   qty,
			OrderType:  schema.OrderTypeMarket,
			Tag:        FlattenStrategyID,
		}
		decision := schema.Decision{IntentID: intent.ID, Verdict: schema.VerdictAccept, Quantity: qty}
		_, evs, err := m.Submit(ctx, Plan{Intent: intent, Decision: decision})
		events = append(events, evs...)
		if err != nil {
			failures = append(failures, err)
		}
	}
	return events, observability.AggregateErrors("flatten all", failures)
}

func (m *Manager) flattenRemaining() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, o := range m.Open() {
		if o.StrategyID == FlattenStrategyID {
			out[o.Instrument] = out[o.Instrument].Add(o.Remaining())
		}
	}
	return out
}
