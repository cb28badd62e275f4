package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/coordinator"
	"github.com/coachpo/meltica-trader/internal/execution"
	"github.com/coachpo/meltica-trader/internal/execution/paper"
	"github.com/coachpo/meltica-trader/internal/feed"
	"github.com/coachpo/meltica-trader/internal/indicator"
	"github.com/coachpo/meltica-trader/internal/market"
	"github.com/coachpo/meltica-trader/internal/order"
	"github.com/coachpo/meltica-trader/internal/risk"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
	"github.com/coachpo/meltica-trader/internal/strategy/strategies"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stub struct {
	strategy.Base
	next   []func(strategy.Context) schema.Intent
	onFill func(schema.OrderEvent) []schema.Intent
	fail   error
	calls  int
	events []schema.OrderEvent
}

func (s *stub) queue(fn func(strategy.Context) schema.Intent) { s.next = append(s.next, fn) }

func (s *stub) OnObservation(ctx strategy.Context) ([]schema.Intent, error) {
	s.calls++
	if s.fail != nil {
		return nil, s.fail
	}
	var out []schema.Intent
	for _, fn := range s.next {
		out = append(out, fn(ctx))
	}
	s.next = nil
	return out, nil
}

func (s *stub) OnOrderEvent(evt schema.OrderEvent) ([]schema.Intent, error) {
	s.events = append(s.events, evt)
	if s.onFill != nil && evt.Fill != nil {
		return s.onFill(evt), nil
	}
	return nil, nil
}

func (s *stub) Configure(strategy.Params) error { return nil }

func (s *stub) DescribeState() schema.StrategyState { return s.State(nil) }

func (s *stub) buy(qty string) func(strategy.Context) schema.Intent {
	return func(ctx strategy.Context) schema.Intent {
		return s.Intent(schema.IntentOpen, schema.SideBuy, dec(qty), ctx.Observation.Ref())
	}
}

type rig struct {
	pipe     *Pipeline
	venue    *paper.Venue
	live     *execution.Live
	unit     *stub
	recorder *feed.Recorder
	orders   *order.Manager
	gate     *risk.Gate
}

func instruments() []schema.Instrument {
	return []schema.Instrument{
		{Symbol: "BTC-USD", QuantityStep: dec("0.001"), MinQuantity: dec("0.001"), PriceTick: dec("0.01")},
		{Symbol: "ETH-USD", QuantityStep: dec("0.01"), MinQuantity: dec("0.01"), PriceTick: dec("0.01")},
	}
}

func newRig(t *testing.T, capital string) *rig {
	t.Helper()
	unit := &stub{Base: strategy.NewBase("stub", strategy.Spec{ID: "s1", Instrument: "BTC-USD"})}
	r := assemble(t, capital, unit)
	r.unit = unit
	return r
}

func assemble(t *testing.T, capital string, unit strategy.Unit) *rig {
	t.Helper()
	venue := paper.NewVenue(paper.Config{Capital: dec(capital)})
	live := execution.NewLive(venue, execution.LiveConfig{})
	coord, err := coordinator.New([]strategy.Unit{unit})
	require.NoError(t, err)
	gate, err := risk.NewGate(risk.DefaultLimits(), instruments())
	require.NoError(t, err)
	now := t0
	orders := order.NewManager(live, instruments(), dec(capital),
		order.WithClock(func() time.Time { return now }),
		order.WithRetry(order.RetryPolicy{MaxAttempts: 1}))
	recorder := &feed.Recorder{}
	pipe, err := New(Parts{
		Store:       market.NewStore(),
		Indicators:  indicator.NewCache(),
		Coordinator: coord,
		Gate:        gate,
		Orders:      orders,
		Feed:        recorder,
	})
	require.NoError(t, err)
	return &rig{pipe: pipe, venue: venue, live: live, recorder: recorder, orders: orders, gate: gate}
}

func mark(sym, px string, minute int) schema.Observation {
	return schema.Observation{
		Instrument: sym,
		Kind:       schema.ObservationMark,
		EventTime:  t0.Add(time.Duration(minute) * time.Minute),
		Seq:        uint64(minute + 1),
		Mark:       dec(px),
	}
}

func candle(sym, px string, hour int) schema.Observation {
	open := t0.Add(time.Duration(hour) * time.Hour)
	return schema.Observation{
		Instrument: sym,
		Kind:       schema.ObservationCandle,
		Timeframe:  "1h",
		EventTime:  open.Add(time.Hour),
		Seq:        uint64(hour + 1),
		Candle: &schema.Candle{
			OpenTime: open,
			Open:     dec(px),
			High:     dec(px),
			Low:      dec(px),
			Close:    dec(px),
			Volume:   dec("1"),
			Closed:   true,
		},
	}
}

func (r *rig) step(t *testing.T, obs schema.Observation) Outcome {
	t.Helper()
	require.NoError(t, r.venue.Observe(context.Background(), obs))
	out, err := r.pipe.Process(context.Background(), obs)
	require.NoError(t, err)
	return out
}

func states(events []schema.OrderEvent) []schema.OrderState {
	out := make([]schema.OrderState, len(events))
	for i, e := range events {
		out[i] = e.To
	}
	return out
}

func TestNewRequiresParts(t *testing.T) {
	_, err := New(Parts{})
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestAcceptedIntentBecomesFilledOrder(t *testing.T) {
	r := newRig(t, "10000")
	r.unit.queue(r.unit.buy("2"))
	out := r.step(t, mark("BTC-USD", "100", 0))

	require.Equal(t, 1, out.Intents)
	require.Len(t, out.Decisions, 1)
	require.True(t, out.Decisions[0].Accepted())
	require.Equal(t, []schema.OrderState{schema.OrderPendingSubmit, schema.OrderFilled}, states(out.Events))
	require.Len(t, r.unit.events, 2)

	pos := r.orders.Account().Position("BTC-USD")
	require.Equal(t, "2", pos.Size.String())
	require.Equal(t, "100", pos.AvgEntry.String())

	kinds := map[feed.Kind]int{}
	for _, evt := range r.recorder.Events() {
		kinds[evt.Kind]++
	}
	require.Equal(t, 2, kinds[feed.KindOrder])
	require.Equal(t, 1, kinds[feed.KindPosition])
}

func TestRejectIsPublishedAndReported(t *testing.T) {
	r := newRig(t, "50")
	r.unit.queue(r.unit.buy("1"))
	out := r.step(t, mark("BTC-USD", "100", 0))

	require.Len(t, out.Rejects, 1)
	require.Equal(t, errs.ReasonInsufficientMargin, out.Rejects[0].Reason)
	require.Empty(t, out.Events)
	require.Empty(t, r.orders.Orders())
	require.Len(t, r.unit.events, 1)
	require.True(t, r.unit.events[0].Refused())
	require.Equal(t, errs.ReasonInsufficientMargin, r.unit.events[0].Reason)

	events := r.recorder.Events()
	require.Len(t, events, 1)
	require.Equal(t, feed.KindReject, events[0].Kind)
	require.Equal(t, "s1", events[0].Reject.StrategyID)
	require.Equal(t, t0, events[0].Time)
}

func TestOrderEventsCascadeIntoFollowUps(t *testing.T) {
	r := newRig(t, "10000")
	r.unit.onFill = func(evt schema.OrderEvent) []schema.Intent {
		if evt.Order.Side != schema.SideBuy {
			return nil
		}
		tp := r.unit.Intent(schema.IntentReduce, schema.SideSell, evt.Fill.Quantity, schema.Ref{Instrument: "BTC-USD"})
		tp.OrderType = schema.OrderTypeLimit
		tp.LimitPrice = dec("110")
		return []schema.Intent{tp}
	}
	r.unit.queue(r.unit.buy("1"))
	out := r.step(t, mark("BTC-USD", "100", 0))
	require.Equal(t, 2, out.Intents)
	open := r.orders.Open()
	require.Len(t, open, 1)
	require.Equal(t, "110", open[0].Price.String())
	require.True(t, open[0].ReduceOnly)

	// The take-profit fills asynchronously once the price crosses it.
	require.NoError(t, r.venue.Observe(context.Background(), mark("BTC-USD", "111", 1)))
	report := <-r.live.Reports()
	follow, err := r.pipe.HandleReport(context.Background(), report)
	require.NoError(t, err)
	require.Equal(t, []schema.OrderState{schema.OrderFilled}, states(follow.Events))
	pos := r.orders.Account().Position("BTC-USD")
	require.True(t, pos.Flat())
	require.Equal(t, "10", pos.RealizedPnL.String())
}

func TestIntentWithoutPriceIsDeferred(t *testing.T) {
	r := newRig(t, "10000")
	r.unit.queue(func(ctx strategy.Context) schema.Intent {
		in := r.unit.Intent(schema.IntentOpen, schema.SideBuy, dec("1"), ctx.Observation.Ref())
		in.Instrument = "ETH-USD"
		return in
	})
	out := r.step(t, mark("BTC-USD", "100", 0))
	require.Equal(t, schema.VerdictDefer, out.Decisions[0].Verdict)
	require.Empty(t, out.Rejects)
	require.Empty(t, r.orders.Orders())
	require.Len(t, r.unit.events, 1)
	require.True(t, r.unit.events[0].Refused())
	require.Equal(t, "ETH-USD", r.unit.events[0].Order.Instrument)
	for _, evt := range r.recorder.Events() {
		require.NotEqual(t, feed.KindOrder, evt.Kind)
	}

	// Once the instrument has a price the same entry goes through.
	r.step(t, mark("ETH-USD", "10", 1))
	r.unit.queue(func(ctx strategy.Context) schema.Intent {
		in := r.unit.Intent(schema.IntentOpen, schema.SideBuy, dec("1"), ctx.Observation.Ref())
		in.Instrument = "ETH-USD"
		return in
	})
	next := r.step(t, mark("BTC-USD", "100", 2))
	require.True(t, next.Decisions[0].Accepted())
	require.Equal(t, "1", r.orders.Account().Position("ETH-USD").Size.String())
}

func TestRejectedLadderEntryRetriesNextCycle(t *testing.T) {
	unit, err := strategies.NewDCA(strategy.Spec{ID: "d1", Kind: strategies.KindDCA, Instrument: "BTC-USD", Timeframe: "1h", Params: strategy.Params{
		"base_quantity":       "1",
		"deviations":          []any{"1"},
		"multipliers":         []any{"1"},
		"take_profit_percent": "1",
		"price_tick":          "0.01",
	}})
	require.NoError(t, err)
	r := assemble(t, "50", unit)

	out := r.step(t, candle("BTC-USD", "100", 0))
	require.Len(t, out.Rejects, 1)
	require.Equal(t, errs.ReasonInsufficientMargin, out.Rejects[0].Reason)
	require.Equal(t, "idle", unit.DescribeState().Fields["phase"])

	require.NoError(t, unit.Configure(strategy.Params{"base_quantity": "0.1"}))
	next := r.step(t, candle("BTC-USD", "100", 1))
	require.Empty(t, next.Rejects)
	require.Equal(t, "active", unit.DescribeState().Fields["phase"])
	require.Equal(t, "0.1", r.orders.Account().Position("BTC-USD").Size.String())
}

func TestDeferredLadderEntryEndsCycle(t *testing.T) {
	unit, err := strategies.NewDCA(strategy.Spec{ID: "d1", Kind: strategies.KindDCA, Instrument: "BTC-USD", Timeframe: "1h", Params: strategy.Params{
		"base_quantity":       "1",
		"deviations":          []any{"1"},
		"multipliers":         []any{"1"},
		"take_profit_percent": "1",
	}})
	require.NoError(t, err)
	r := assemble(t, "10000", unit)

	// A closed bar whose instrument never priced leaves the gate without a reference.
	bar := candle("BTC-USD", "100", 0)
	intents, err := unit.OnObservation(strategy.Context{Observation: bar})
	require.NoError(t, err)
	require.Len(t, intents, 1)
	out := r.pipe.execute(context.Background(), schema.Observation{Instrument: "ETH-USD", EventTime: bar.EventTime}, intents)
	require.Len(t, out.Decisions, 1)
	require.Equal(t, schema.VerdictDefer, out.Decisions[0].Verdict)
	require.Equal(t, "idle", unit.DescribeState().Fields["phase"])

	retry := r.step(t, candle("BTC-USD", "100", 1))
	require.True(t, retry.Decisions[0].Accepted())
	require.Equal(t, "active", unit.DescribeState().Fields["phase"])
}

func TestLateObservationIsNotDispatched(t *testing.T) {
	r := newRig(t, "10000")
	r.step(t, mark("BTC-USD", "100", 5))
	out := r.step(t, mark("BTC-USD", "90", 1))
	require.False(t, out.Update.Latest)
	require.Equal(t, 1, r.unit.calls)
}

func TestStrategyFaultIsContained(t *testing.T) {
	r := newRig(t, "10000")
	r.unit.fail = errors.New("boom")
	out := r.step(t, mark("BTC-USD", "100", 0))
	require.Len(t, out.Faults, 1)
	require.Equal(t, errs.CodeStrategy, errs.CodeOf(out.Faults[0]))
}

func TestFillDuringOutageIsReconciledOnce(t *testing.T) {
	r := newRig(t, "10000")
	r.unit.queue(func(ctx strategy.Context) schema.Intent {
		in := r.unit.Intent(schema.IntentOpen, schema.SideBuy, dec("1"), ctx.Observation.Ref())
		in.OrderType = schema.OrderTypeLimit
		in.LimitPrice = dec("99")
		return in
	})
	r.step(t, mark("BTC-USD", "100", 0))
	open := r.orders.Open()
	require.Len(t, open, 1)
	require.Equal(t, schema.OrderSubmitted, open[0].State)

	r.venue.Disconnect()
	require.NoError(t, r.venue.Observe(context.Background(), mark("BTC-USD", "98", 1)))
	require.Len(t, r.live.Reports(), 0, "report lost during the outage")
	_, err := r.pipe.Reconcile(context.Background(), t0.Add(time.Minute))
	require.Error(t, err)
	require.True(t, r.orders.Account().Position("BTC-USD").Flat())

	r.venue.Reconnect()
	out, err := r.pipe.Reconcile(context.Background(), t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []schema.OrderState{schema.OrderFilled}, states(out.Events))
	require.Equal(t, "1", r.orders.Account().Position("BTC-USD").Size.String())

	again, err := r.pipe.Reconcile(context.Background(), t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.Empty(t, again.Events)

	report, err := r.venue.QueryStatus(context.Background(), open[0].ClientID)
	require.NoError(t, err)
	dup, err := r.pipe.HandleReport(context.Background(), report)
	require.NoError(t, err)
	require.Empty(t, dup.Events)
	require.Equal(t, "1", r.orders.Account().Position("BTC-USD").Size.String())
}

func TestFlattenAllClosesAndBlocksEntries(t *testing.T) {
	r := newRig(t, "10000")
	r.unit.queue(r.unit.buy("1"))
	r.step(t, mark("BTC-USD", "100", 0))

	out, err := r.pipe.FlattenAll(context.Background(), t0.Add(time.Minute), "operator")
	require.NoError(t, err)
	require.NotEmpty(t, out.Events)
	require.True(t, r.orders.Account().Position("BTC-USD").Flat())
	require.True(t, r.gate.Breaker().Open())

	r.unit.queue(r.unit.buy("1"))
	next := r.step(t, mark("BTC-USD", "101", 2))
	require.Len(t, next.Rejects, 1)
	require.Equal(t, errs.ReasonDrawdownBreakerOpen, next.Rejects[0].Reason)
}
