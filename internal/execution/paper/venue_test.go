package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/schema"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mark(sym, px string) schema.Observation {
	return schema.Observation{Instrument: sym, Kind: schema.ObservationMark, EventTime: t0, Mark: dec(px)}
}

func TestMarketOrderFillsAtLastPrice(t *testing.T) {
	v := NewVenue(Config{Capital: dec("1000"), FeeRate: dec("0.001")})
	ctx := context.Background()

	rep, err := v.Submit(ctx, schema.Order{ClientID: "a", Instrument: "BTC", Side: schema.SideBuy, Type: schema.OrderTypeMarket, Quantity: dec("1")})
	require.NoError(t, err)
	require.Equal(t, schema.OrderRejected, rep.State, "no price yet")

	require.NoError(t, v.Observe(ctx, mark("BTC", "100")))
	rep, err = v.Submit(ctx, schema.Order{ClientID: "b", Instrument: "BTC", Side: schema.SideBuy, Type: schema.OrderTypeMarket, Quantity: dec("2")})
	require.NoError(t, err)
	require.Equal(t, schema.OrderFilled, rep.State)
	require.Equal(t, "100", rep.AvgPrice.String())
	require.Equal(t, "0.2", rep.Fee.String())
	require.Equal(t, uint64(2), rep.UpdateSeq)

	again, err := v.Submit(ctx, schema.Order{ClientID: "b"})
	require.NoError(t, err)
	require.Equal(t, rep, again)
}

func TestRestingOrdersFillOnCross(t *testing.T) {
	v := NewVenue(Config{})
	ctx := context.Background()
	require.NoError(t, v.Observe(ctx, mark("BTC", "100")))

	_, err := v.Submit(ctx, schema.Order{ClientID: "lim", Instrument: "BTC", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: dec("1"), Price: dec("98")})
	require.NoError(t, err)
	_, err = v.Submit(ctx, schema.Order{ClientID: "stp", Instrument: "BTC", Side: schema.SideSell, Type: schema.OrderTypeStop, Quantity: dec("1"), StopPrice: dec("97")})
	require.NoError(t, err)

	open, err := v.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)

	require.NoError(t, v.Observe(ctx, mark("BTC", "97.5")))
	rep := <-v.Reports()
	require.Equal(t, "lim", rep.ClientID)
	require.Equal(t, "98", rep.AvgPrice.String())

	require.NoError(t, v.Observe(ctx, mark("BTC", "96")))
	rep = <-v.Reports()
	require.Equal(t, "stp", rep.ClientID)
	require.Equal(t, "96", rep.AvgPrice.String())

	open, err = v.OpenOrders(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestDisconnectLosesReportsButKeepsMatching(t *testing.T) {
	v := NewVenue(Config{})
	ctx := context.Background()
	require.NoError(t, v.Observe(ctx, mark("BTC", "100")))
	_, err := v.Submit(ctx, schema.Order{ClientID: "lim", Instrument: "BTC", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: dec("1"), Price: dec("99")})
	require.NoError(t, err)

	v.Disconnect()
	_, err = v.Submit(ctx, schema.Order{ClientID: "x", Instrument: "BTC"})
	require.Equal(t, errs.CodeConnectivity, errs.CodeOf(err))

	require.NoError(t, v.Observe(ctx, mark("BTC", "98")))
	require.Len(t, v.Reports(), 0)

	v.Reconnect()
	rep, err := v.QueryStatus(ctx, "lim")
	require.NoError(t, err)
	require.Equal(t, schema.OrderFilled, rep.State)
}

func TestCancel(t *testing.T) {
	v := NewVenue(Config{})
	ctx := context.Background()
	_, err := v.Submit(ctx, schema.Order{ClientID: "lim", Instrument: "BTC", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: dec("1"), Price: dec("99")})
	require.NoError(t, err)

	rep, err := v.Cancel(ctx, "lim")
	require.NoError(t, err)
	require.Equal(t, schema.OrderCanceled, rep.State)
	again, err := v.Cancel(ctx, "lim")
	require.NoError(t, err)
	require.Equal(t, rep.UpdateSeq, again.UpdateSeq)

	_, err = v.Cancel(ctx, "missing")
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestFullReportChannelBlocksInsteadOfDropping(t *testing.T) {
	v := NewVenue(Config{Buffer: 1})
	ctx := context.Background()
	require.NoError(t, v.Observe(ctx, mark("BTC", "100")))
	for _, id := range []string{"a", "b", "c"} {
		_, err := v.Submit(ctx, schema.Order{ClientID: id, Instrument: "BTC", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: dec("1"), Price: dec("99")})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- v.Observe(ctx, mark("BTC", "98")) }()
	var got []string
	for len(got) < 3 {
		select {
		case rep := <-v.Reports():
			got = append(got, rep.ClientID)
		case <-time.After(2 * time.Second):
			t.Fatalf("reports stalled after %v", got)
		}
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.NoError(t, <-done)
}

func TestObserveGivesUpWhenContextEnds(t *testing.T) {
	v := NewVenue(Config{Buffer: 1})
	ctx := context.Background()
	require.NoError(t, v.Observe(ctx, mark("BTC", "100")))
	for _, id := range []string{"a", "b"} {
		_, err := v.Submit(ctx, schema.Order{ClientID: id, Instrument: "BTC", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: dec("1"), Price: dec("99")})
		require.NoError(t, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := v.Observe(cancelled, mark("BTC", "98"))
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
	require.Len(t, v.Reports(), 1)

	rep, err := v.QueryStatus(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, schema.OrderFilled, rep.State)
}
