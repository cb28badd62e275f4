package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/schema"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func candleObs(minute int, closePx string, closed bool) schema.Observation {
	px := decimal.RequireFromString(closePx)
	open := t0.Add(time.Duration(minute) * time.Minute)
	return schema.Observation{
		Instrument: "BTCUSDT",
		Kind:       schema.ObservationCandle,
		Timeframe:  "1m",
		EventTime:  open.Add(time.Minute),
		Candle:     &schema.Candle{OpenTime: open, Open: px, High: px, Low: px, Close: px, Closed: closed},
	}
}

func TestStoreAppendsAndBoundsHistory(t *testing.T) {
	store := NewStore(WithDepth(3))
	for i := 0; i < 5; i++ {
		_, err := store.Apply(candleObs(i, "100", true))
		require.NoError(t, err)
	}
	view := store.View("BTCUSDT")
	candles := view.Candles("1m", 0)
	require.Len(t, candles, 3)
	require.Equal(t, t0.Add(2*time.Minute), candles[0].OpenTime)
	require.Equal(t, uint64(5), view.Version())
}

func TestStoreReplacesInProgressCandle(t *testing.T) {
	store := NewStore()
	_, err := store.Apply(candleObs(0, "100", false))
	require.NoError(t, err)
	upd, err := store.Apply(candleObs(0, "101", true))
	require.NoError(t, err)
	require.True(t, upd.Latest)

	last, ok := store.View("BTCUSDT").LastCandle("1m")
	require.True(t, ok)
	require.True(t, last.Close.Equal(decimal.NewFromInt(101)))
	closePrice, ok := store.View("BTCUSDT").LastClose("1m")
	require.True(t, ok)
	require.True(t, closePrice.Equal(decimal.NewFromInt(101)))
	_, ok = store.View("BTCUSDT").LastClose("1h")
	require.False(t, ok)

	// a stale in-progress update must not reopen the closed bar
	upd, err = store.Apply(candleObs(0, "99", false))
	require.NoError(t, err)
	require.False(t, upd.Latest)
	last, _ = store.View("BTCUSDT").LastCandle("1m")
	require.True(t, last.Closed)
}

func TestStoreLateCandleWithinTolerance(t *testing.T) {
	store := NewStore(WithLateTolerance(5 * time.Minute))
	_, err := store.Apply(candleObs(0, "100", true))
	require.NoError(t, err)
	_, err = store.Apply(candleObs(2, "102", true))
	require.NoError(t, err)

	upd, err := store.Apply(candleObs(1, "101", true))
	require.NoError(t, err)
	require.False(t, upd.Latest)

	candles := store.View("BTCUSDT").Candles("1m", 0)
	require.Len(t, candles, 3)
	require.True(t, candles[1].Close.Equal(decimal.NewFromInt(101)))
	require.True(t, candles[2].Close.Equal(decimal.NewFromInt(102)))
}

func TestStoreLateCandleBeyondToleranceIsDataFault(t *testing.T) {
	store := NewStore()
	_, err := store.Apply(candleObs(5, "100", true))
	require.NoError(t, err)
	_, err = store.Apply(candleObs(1, "90", true))
	require.Error(t, err)
	require.Equal(t, errs.CodeData, errs.CodeOf(err))
}

func TestStoreMarkNeverRegresses(t *testing.T) {
	store := NewStore()
	obs := schema.Observation{Instrument: "BTCUSDT", Kind: schema.ObservationMark, EventTime: t0.Add(time.Minute), Mark: decimal.NewFromInt(105)}
	_, err := store.Apply(obs)
	require.NoError(t, err)

	stale := obs
	stale.EventTime = t0
	stale.Mark = decimal.NewFromInt(90)
	upd, err := store.Apply(stale)
	require.NoError(t, err)
	require.False(t, upd.Latest)
	require.True(t, store.View("BTCUSDT").Mark().Equal(decimal.NewFromInt(105)))
}

func TestViewIsCopyOnRead(t *testing.T) {
	store := NewStore()
	_, err := store.Apply(candleObs(0, "100", true))
	require.NoError(t, err)
	view := store.View("BTCUSDT")
	_, err = store.Apply(candleObs(1, "200", true))
	require.NoError(t, err)

	require.Len(t, view.Candles("1m", 0), 1)
	require.True(t, view.Mark().Equal(decimal.NewFromInt(100)))
}

func TestMarkPrefersFreshestSource(t *testing.T) {
	store := NewStore()
	px := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }
	apply := func(obs schema.Observation) {
		t.Helper()
		obs.Instrument = "BTCUSDT"
		_, err := store.Apply(obs)
		require.NoError(t, err)
	}

	apply(schema.Observation{Kind: schema.ObservationMark, EventTime: t0.Add(30 * time.Second), Mark: px("90")})
	require.Equal(t, "90", store.View("BTCUSDT").Mark().String())

	// the closed bar at t0+1m is newer than the mark
	apply(candleObs(0, "100", true))
	require.Equal(t, "100", store.View("BTCUSDT").Mark().String())

	apply(schema.Observation{Kind: schema.ObservationBook, EventTime: t0.Add(2 * time.Minute), Book: &schema.Book{
		Bids: []schema.BookLevel{{Price: px("100"), Quantity: px("1")}},
		Asks: []schema.BookLevel{{Price: px("102"), Quantity: px("1")}},
	}})
	require.Equal(t, "101", store.View("BTCUSDT").Mark().String())

	apply(schema.Observation{Kind: schema.ObservationMark, EventTime: t0.Add(3 * time.Minute), Mark: px("103")})
	require.Equal(t, "103", store.View("BTCUSDT").Mark().String())

	// equal timestamps favour the mark
	apply(candleObs(2, "104", true))
	require.Equal(t, "103", store.View("BTCUSDT").Mark().String())
}
