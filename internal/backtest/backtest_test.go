package backtest

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/feed"
	"github.com/coachpo/meltica-trader/internal/risk"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
	"github.com/coachpo/meltica-trader/internal/strategy/strategies"
)

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btc() schema.Instrument {
	return schema.Instrument{Symbol: "BTC-USD", QuantityStep: dec("0.001"), MinQuantity: dec("0.001"), PriceTick: dec("0.01")}
}

func candle(sym string, i int, o, h, l, c string) schema.Observation {
	open := epoch.Add(time.Duration(i) * time.Hour)
	return schema.Observation{
		Instrument: sym,
		Kind:       schema.ObservationCandle,
		Timeframe:  "1h",
		EventTime:  open.Add(time.Hour),
		Seq:        uint64(i + 1),
		Candle: &schema.Candle{
			OpenTime: open,
			Open:     dec(o), High: dec(h), Low: dec(l), Close: dec(c),
			Volume: dec("1"),
			Closed: true,
		},
	}
}

// dcaPath enters at 100, dips through 99 and 97.4, then rallies to 101.5.
func dcaPath() []schema.Observation {
	return []schema.Observation{
		candle("BTC-USD", 0, "100", "100", "100", "100"),
		candle("BTC-USD", 1, "100", "100", "99.2", "99.5"),
		candle("BTC-USD", 2, "99.5", "99.5", "98.8", "99"),
		candle("BTC-USD", 3, "98.5", "98.6", "97.4", "97.4"),
		candle("BTC-USD", 4, "98", "101.5", "98", "101.5"),
	}
}

func dcaUnit(t *testing.T) strategy.Unit {
	t.Helper()
	unit, err := strategies.NewRegistry().New(strategy.Spec{
		ID: "dca-btc", Kind: strategies.KindDCA, Instrument: "BTC-USD", Timeframe: "1h",
		Params: strategy.Params{
			"base_quantity":       "1",
			"deviations":          []any{"1", "2.5"},
			"multipliers":         []any{"1", "1.5"},
			"take_profit_percent": "1",
			"price_tick":          "0.01",
			"cooldown_bars":       10,
		},
	})
	require.NoError(t, err)
	return unit
}

func runDCA(t *testing.T, capital string, obs []schema.Observation, opts ...EngineOption) (Report, *Engine) {
	t.Helper()
	engine, err := NewEngine(Setup{
		Capital:     dec(capital),
		Instruments: []schema.Instrument{btc()},
		Units:       []strategy.Unit{dcaUnit(t)},
		Limits:      risk.DefaultLimits(),
	}, []DataFeeder{NewSliceFeeder(obs...)}, opts...)
	require.NoError(t, err)
	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	return report, engine
}

func TestDCALadderRoundTrip(t *testing.T) {
	report, engine := runDCA(t, "10000", dcaPath())

	require.Equal(t, 6, report.Orders, "base, two safety orders, three take-profits")
	require.Empty(t, report.Rejects)
	require.Equal(t, 1, report.TradeCount)

	trade := report.Trades[0]
	require.Equal(t, schema.SideBuy, trade.Side)
	require.Equal(t, "3.5", trade.Quantity.String())
	require.Equal(t, "99.63", trade.ExitPrice.String())
	require.Equal(t, "98.642857", trade.EntryPrice.Round(6).String())
	require.Equal(t, "3.455", trade.PnL.Round(6).String())
	require.Equal(t, epoch.Add(2*time.Hour), trade.EntryTime)
	require.Equal(t, epoch.Add(5*time.Hour), trade.ExitTime)

	require.Equal(t, "1", report.WinRate.String())
	require.Len(t, report.Equity, 5)
	require.Equal(t, "10003.455", report.FinalEquity.Round(6).String())
	require.True(t, report.MaxDrawdown.IsPositive(), "unrealized dip shows up in the curve")

	account := engine.Pipeline().Parts().Orders.Account()
	require.True(t, account.Position("BTC-USD").Flat())
	for _, o := range engine.Pipeline().Parts().Orders.Orders() {
		require.True(t, o.State.Terminal(), o.Tag)
	}
}

func TestInsufficientMarginNeverCreatesOrders(t *testing.T) {
	recorder := &feed.Recorder{}
	report, engine := runDCA(t, "50", dcaPath()[:3], WithFeed(recorder))

	require.Zero(t, report.Orders)
	require.Empty(t, engine.Pipeline().Parts().Orders.Orders())
	require.NotEmpty(t, report.Rejects)
	for _, r := range report.Rejects {
		require.Equal(t, errs.ReasonInsufficientMargin, r.Reason)
		require.Equal(t, "dca-btc", r.StrategyID)
	}
	require.Equal(t, epoch.Add(time.Hour), report.Rejects[0].Time)

	var feedRejects int
	var reports int
	for _, evt := range recorder.Events() {
		switch evt.Kind {
		case feed.KindReject:
			feedRejects++
			require.Equal(t, errs.ReasonInsufficientMargin, evt.Reject.Reason)
		case feed.KindReport:
			reports++
		}
	}
	require.Equal(t, len(report.Rejects), feedRejects)
	require.Equal(t, 1, reports)
}

func TestRunsAreByteIdentical(t *testing.T) {
	first, _ := runDCA(t, "10000", dcaPath())
	second, _ := runDCA(t, "10000", dcaPath())
	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestEngineRunsOnce(t *testing.T) {
	_, engine := runDCA(t, "10000", dcaPath()[:1])
	_, err := engine.Run(context.Background())
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))
}

func TestEngineSkipsObservationsBehindTheClock(t *testing.T) {
	path := dcaPath()
	late := path[0]
	report, _ := runDCA(t, "10000", []schema.Observation{path[0], path[1], late})
	require.Equal(t, 1, report.Skipped)
	require.Len(t, report.Equity, 2)
}

func TestNewEngineValidates(t *testing.T) {
	_, err := NewEngine(Setup{}, []DataFeeder{NewSliceFeeder()})
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	_, err = NewEngine(Setup{Capital: dec("1")}, nil)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestEngineHonoursCancellation(t *testing.T) {
	engine, err := NewEngine(Setup{
		Capital:     dec("10000"),
		Instruments: []schema.Instrument{btc()},
		Units:       []strategy.Unit{dcaUnit(t)},
	}, []DataFeeder{NewSliceFeeder(dcaPath()...)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
