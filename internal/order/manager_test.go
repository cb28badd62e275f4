package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var btc = schema.Instrument{Symbol: "BTCUSDT", QuantityStep: dec("0.001"), MinQuantity: dec("0.001"), PriceTick: dec("0.01")}

func newManager(venue *fakeVenue, opts ...Option) *Manager {
	base := []Option{
		WithRetry(RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}),
		WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }),
	}
	return NewManager(venue, []schema.Instrument{btc}, dec("10000"), append(base, opts...)...)
}

func limitPlan(id, side string, qty, px string) Plan {
	in := schema.Intent{
		ID: id, StrategyID: "s1", Instrument: "BTCUSDT",
		Side: schema.Side(side), Kind: schema.IntentOpen,
		Quantity: dec(qty), OrderType: schema.OrderTypeLimit, LimitPrice: dec(px), Tag: "entry",
	}
	return Plan{Intent: in, Decision: schema.Decision{IntentID: id, Verdict: schema.VerdictAccept, Quantity: dec(qty)}}
}

func TestClientIDIsDeterministic(t *testing.T) {
	require.Equal(t, ClientID("s1-1"), ClientID("s1-1"))
	require.NotEqual(t, ClientID("s1-1"), ClientID("s1-2"))
}

func TestSubmitDeduplicatesByClientID(t *testing.T) {
	venue := newFakeVenue()
	m := newManager(venue)
	plan := limitPlan("s1-1", "BUY", "1", "99")

	first, events, err := m.Submit(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, schema.OrderSubmitted, first.State)
	require.Len(t, events, 2)
	require.Equal(t, schema.OrderPendingSubmit, events[0].To)

	for i := 0; i < 3; i++ {
		again, evs, err := m.Submit(context.Background(), plan)
		require.NoError(t, err)
		require.Empty(t, evs)
		require.Equal(t, first.ClientID, again.ClientID)
	}
	require.Equal(t, 1, venue.submitCount(first.ClientID))
	require.Len(t, m.Orders(), 1)
}

func TestSubmitRetriesTransientWithSameID(t *testing.T) {
	venue := newFakeVenue()
	transient := errs.New("venue", errs.CodeConnectivity, errs.WithMessage("timeout"))
	venue.submitErrs = []error{transient, transient}
	m := newManager(venue)

	o, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "1", "99"))
	require.NoError(t, err)
	require.Equal(t, schema.OrderSubmitted, o.State)
	require.Equal(t, 3, o.Attempts)
	require.Equal(t, 3, venue.submitCount(o.ClientID))
}

func TestSubmitTransientExhaustionLeavesOrderPending(t *testing.T) {
	venue := newFakeVenue()
	transient := errs.New("venue", errs.CodeRateLimited)
	venue.submitErrs = []error{transient, transient, transient, transient}
	m := newManager(venue)

	o, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "1", "99"))
	require.Error(t, err)
	require.True(t, errs.IsTransient(err))
	require.Equal(t, schema.OrderPendingSubmit, o.State)
	require.Equal(t, 4, venue.submitCount(o.ClientID))
}

func TestSubmitPermanentFaultRejectsWithoutRetry(t *testing.T) {
	venue := newFakeVenue()
	venue.submitErrs = []error{errs.New("venue", errs.CodeExchange, errs.WithReason(errs.ReasonInsufficientMargin))}
	m := newManager(venue)

	o, events, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "1", "99"))
	require.NoError(t, err)
	require.Equal(t, schema.OrderRejected, o.State)
	require.Equal(t, errs.ReasonInsufficientMargin, o.RejectReason)
	require.Equal(t, 1, venue.submitCount(o.ClientID))
	last := events[len(events)-1]
	require.Equal(t, schema.OrderRejected, last.To)
	require.Equal(t, errs.ReasonInsufficientMargin, last.Reason)
}

func TestSubmitRefusesUnacceptedPlan(t *testing.T) {
	m := newManager(newFakeVenue())
	plan := limitPlan("s1-1", "BUY", "1", "99")
	plan.Decision.Verdict = schema.VerdictReject
	_, _, err := m.Submit(context.Background(), plan)
	require.Error(t, err)
	require.Empty(t, m.Orders())
}

func TestApplyDiscardsStaleAndDuplicateReports(t *testing.T) {
	venue := newFakeVenue()
	m := newManager(venue)
	o, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "3", "100"))
	require.NoError(t, err)

	partial := venue.fill(o.ClientID, "1", "100")
	events, err := m.Apply(partial)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Fill.Quantity.Equal(dec("1")))

	dup, err := m.Apply(partial)
	require.NoError(t, err)
	require.Empty(t, dup)

	stale := partial
	stale.UpdateSeq = 1
	stale.Filled = dec("3")
	none, err := m.Apply(stale)
	require.NoError(t, err)
	require.Empty(t, none)

	more := venue.fill(o.ClientID, "3", "99")
	events, err = m.Apply(more)
	require.NoError(t, err)
	require.Len(t, events, 1)
	// Delta of 2 priced so cumulative notional matches: (3*99 - 1*100) / 2.
	require.Equal(t, "98.5", events[0].Fill.Price.String())

	pos := m.Account().Positions["BTCUSDT"]
	require.Equal(t, "3", pos.Size.String())
	require.Equal(t, "99", pos.AvgEntry.String())
}

func TestTerminalStatesAbsorbNothing(t *testing.T) {
	venue := newFakeVenue()
	m := newManager(venue)
	o, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "1", "100"))
	require.NoError(t, err)
	venue.fill(o.ClientID, "1", "100")
	_, err = m.Apply(venue.complete(o.ClientID))
	require.NoError(t, err)

	late := schema.Report{ClientID: o.ClientID, State: schema.OrderCanceled, UpdateSeq: 99}
	events, err := m.Apply(late)
	require.NoError(t, err)
	require.Empty(t, events)
	got, _ := m.Order(o.ClientID)
	require.Equal(t, schema.OrderFilled, got.State)

	res, err := m.Cancel(context.Background(), o.ClientID)
	require.NoError(t, err)
	require.True(t, res.AlreadyTerminal)
	require.Equal(t, 0, venue.cancelCount(o.ClientID))
}

func TestCancelIsIdempotentWhilePending(t *testing.T) {
	venue := newFakeVenue()
	venue.holdCancels = true
	m := newManager(venue)
	o, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "1", "99"))
	require.NoError(t, err)

	res, err := m.Cancel(context.Background(), o.ClientID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderPendingCancel, res.Order.State)
	res, err = m.Cancel(context.Background(), o.ClientID)
	require.NoError(t, err)
	require.True(t, res.AlreadyPending)
	require.Equal(t, 1, venue.cancelCount(o.ClientID))

	_, err = m.Cancel(context.Background(), "missing")
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestReconcileAppliesOutageFillOnce(t *testing.T) {
	venue := newFakeVenue()
	m := newManager(venue)
	o, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "2", "100"))
	require.NoError(t, err)
	_, err = m.Apply(venue.fill(o.ClientID, "0.5", "100"))
	require.NoError(t, err)

	// Disconnected: the venue fills the rest and the reports are lost.
	venue.fill(o.ClientID, "2", "100")
	venue.complete(o.ClientID)

	events, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, schema.OrderFilled, events[0].To)
	require.Equal(t, "1.5", events[0].Fill.Quantity.String())

	again, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	require.Empty(t, again)

	pos := m.Account().Positions["BTCUSDT"]
	require.Equal(t, "2", pos.Size.String())
	require.Equal(t, "100", pos.AvgEntry.String())
}

func TestFlattenAllCancelsThenReduces(t *testing.T) {
	venue := newFakeVenue()
	tripped := 0
	m := newManager(venue, WithFlattenHook(func() { tripped++ }))

	filled, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "2", "100"))
	require.NoError(t, err)
	venue.fill(filled.ClientID, "2", "100")
	_, err = m.Apply(venue.complete(filled.ClientID))
	require.NoError(t, err)
	resting, _, err := m.Submit(context.Background(), limitPlan("s1-2", "BUY", "1", "95"))
	require.NoError(t, err)

	events, err := m.FlattenAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, tripped)
	require.Equal(t, 1, venue.cancelCount(resting.ClientID))

	var flatten []schema.Order
	for _, o := range m.Orders() {
		if o.StrategyID == FlattenStrategyID {
			flatten = append(flatten, o)
		}
	}
	require.Len(t, flatten, 1)
	require.Equal(t, schema.SideSell, flatten[0].Side)
	require.True(t, flatten[0].ReduceOnly)
	require.Equal(t, "2", flatten[0].Quantity.String())
	require.NotEmpty(t, events)
}

func TestFlattenAllConcurrentCallsDoNotDoubleSubmit(t *testing.T) {
	venue := newFakeVenue()
	venue.holdCancels = true
	m := newManager(venue)

	filled, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "2", "100"))
	require.NoError(t, err)
	venue.fill(filled.ClientID, "2", "100")
	_, err = m.Apply(venue.complete(filled.ClientID))
	require.NoError(t, err)
	resting, _, err := m.Submit(context.Background(), limitPlan("s1-2", "BUY", "1", "95"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	failures := make([]error, 4)
	for i := range failures {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, failures[i] = m.FlattenAll(context.Background())
		}()
	}
	wg.Wait()
	for _, err := range failures {
		require.NoError(t, err)
	}

	require.Equal(t, 1, venue.cancelCount(resting.ClientID))
	count := 0
	for _, o := range m.Orders() {
		if o.StrategyID == FlattenStrategyID {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestAccountSnapshotsAreVersionedCopies(t *testing.T) {
	venue := newFakeVenue()
	m := newManager(venue)
	before := m.Account()
	o, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "1", "100"))
	require.NoError(t, err)
	_, err = m.Apply(venue.fill(o.ClientID, "1", "100"))
	require.NoError(t, err)

	after := m.Account()
	require.Greater(t, after.Version, before.Version)
	require.Empty(t, before.Positions)
	after.Positions["BTCUSDT"] = schema.Position{}
	require.Equal(t, "1", m.Account().Positions["BTCUSDT"].Size.String())
}

func TestPendingNotionalCountsRestingOpeningOrders(t *testing.T) {
	m := newManager(newFakeVenue())
	_, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "2", "99"))
	require.NoError(t, err)
	require.Equal(t, "198", m.PendingNotional()["BTCUSDT"].String())
}

func TestListenersSeeEveryEvent(t *testing.T) {
	venue := newFakeVenue()
	m := newManager(venue)
	var seen []schema.OrderState
	m.Subscribe(func(evt schema.OrderEvent) { seen = append(seen, evt.To) })
	o, _, err := m.Submit(context.Background(), limitPlan("s1-1", "BUY", "1", "99"))
	require.NoError(t, err)
	_, err = m.Cancel(context.Background(), o.ClientID)
	require.NoError(t, err)
	require.Equal(t, []schema.OrderState{
		schema.OrderPendingSubmit, schema.OrderSubmitted, schema.OrderPendingCancel, schema.OrderCanceled,
	}, seen)
}
