package strategies

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

func firstIntents(t *testing.T, unit strategy.Unit, contexts ...strategy.Context) []schema.Intent {
	t.Helper()
	for _, ctx := range contexts {
		intents, err := unit.OnObservation(ctx)
		require.NoError(t, err)
		if len(intents) > 0 {
			return intents
		}
	}
	return nil
}

func TestRegistryUnknownKind(t *testing.T) {
	_, err := NewRegistry().New(strategy.Spec{ID: "x", Kind: "martingale", Instrument: "BTC-USD"})
	require.Error(t, err)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
	require.Contains(t, NewRegistry().Kinds(), KindFibCascade)
}

func TestPivotBreakout(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindPivot, "BTC-USD", strategy.Params{
		"quantity":   "1",
		"trade_type": "breakout",
		"atr_period": 2,
	})
	intents := firstIntents(t, unit,
		h.bar("BTC-USD", "1h", 100, 101, 99, 100),
		h.bar("BTC-USD", "1h", 100, 101, 99, 100),
		h.bar("BTC-USD", "1h", 100, 101, 99, 100),
		h.bar("BTC-USD", "1h", 100, 105, 100, 104),
	)
	require.Len(t, intents, 1)
	in := intents[0]
	require.Equal(t, schema.SideBuy, in.Side)
	require.Equal(t, schema.IntentOpen, in.Kind)
	require.True(t, in.StopLoss.LessThan(dec("104")))
	require.True(t, in.TakeProfit.GreaterThan(dec("104")))
	require.Equal(t, tagEntry, in.Tag)
}

func TestPivotExitsOnStop(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindPivot, "BTC-USD", strategy.Params{"quantity": "1", "trade_type": "breakout", "atr_period": 2})
	intents := firstIntents(t, unit,
		h.bar("BTC-USD", "1h", 100, 101, 99, 100),
		h.bar("BTC-USD", "1h", 100, 101, 99, 100),
		h.bar("BTC-USD", "1h", 100, 101, 99, 100),
		h.bar("BTC-USD", "1h", 100, 105, 100, 104),
	)
	require.Len(t, intents, 1)
	entry := orderFor("e1", intents[0])
	_, err := unit.OnOrderEvent(event(entry, schema.OrderFilled, fillOf(entry, "1", "104")))
	require.NoError(t, err)

	out, err := unit.OnObservation(h.bar("BTC-USD", "1h", 104, 104, 90, 91))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, schema.IntentClose, out[0].Kind)
	require.Equal(t, schema.SideSell, out[0].Side)
	require.Equal(t, "1", out[0].Quantity.String())
}

func TestHeuristicBuysOnOversoldScore(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindHeuristic, "BTC-USD", strategy.Params{
		"risk_percent":   1,
		"indicators":     []any{"rsi"},
		"rsi_period":     3,
		"buy_threshold":  1,
		"sell_threshold": -1,
		"atr_period":     2,
	})
	var ctxs []strategy.Context
	for _, c := range []float64{100, 99, 98, 97, 96} {
		ctxs = append(ctxs, h.bar("BTC-USD", "1h", c+0.5, c+1, c-1, c))
	}
	intents := firstIntents(t, unit, ctxs...)
	require.Len(t, intents, 1)
	require.Equal(t, schema.SideBuy, intents[0].Side)
	require.Equal(t, "0.01", intents[0].Sizing.RiskPercent.String())
	require.True(t, intents[0].Sizing.ATR.IsPositive())
}

func TestHeuristicEntersAgainAfterRefusal(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindHeuristic, "BTC-USD", strategy.Params{
		"risk_percent":   1,
		"indicators":     []any{"rsi"},
		"rsi_period":     3,
		"buy_threshold":  1,
		"sell_threshold": -1,
		"atr_period":     2,
	})
	var ctxs []strategy.Context
	for _, c := range []float64{100, 99, 98, 97, 96} {
		ctxs = append(ctxs, h.bar("BTC-USD", "1h", c+0.5, c+1, c-1, c))
	}
	intents := firstIntents(t, unit, ctxs...)
	require.Len(t, intents, 1)

	pending, err := unit.OnObservation(h.bar("BTC-USD", "1h", 95.5, 96, 94, 95))
	require.NoError(t, err)
	require.Empty(t, pending)

	refused := schema.RefusedEvent(intents[0], schema.Decision{Verdict: schema.VerdictReject, Reason: errs.ReasonInsufficientMargin}, epoch)
	_, err = unit.OnOrderEvent(refused)
	require.NoError(t, err)
	require.Equal(t, false, unit.DescribeState().Fields["entering"])

	retry, err := unit.OnObservation(h.bar("BTC-USD", "1h", 94.5, 95, 93, 94))
	require.NoError(t, err)
	require.Len(t, retry, 1)
	require.Equal(t, tagEntry, retry[0].Tag)
	require.NotEqual(t, intents[0].ID, retry[0].ID)
}

func TestHeuristicWeighsSMAVote(t *testing.T) {
	params := func(weight int) strategy.Params {
		return strategy.Params{
			"quantity":       "1",
			"indicators":     []any{"sma"},
			"sma_period":     3,
			"weights":        map[string]any{"sma": weight},
			"buy_threshold":  3,
			"sell_threshold": -3,
			"atr_period":     2,
		}
	}
	heavy := build(t, KindHeuristic, "BTC-USD", params(3))
	light := build(t, KindHeuristic, "BTC-USD", params(2))

	h := newHarness(t)
	var heavyOut, lightOut []schema.Intent
	for _, c := range []float64{100, 101, 102, 103} {
		ctx := h.bar("BTC-USD", "1h", c-0.5, c+1, c-1, c)
		out, err := heavy.OnObservation(ctx)
		require.NoError(t, err)
		heavyOut = append(heavyOut, out...)
		out, err = light.OnObservation(ctx)
		require.NoError(t, err)
		lightOut = append(lightOut, out...)
	}
	require.Len(t, heavyOut, 1)
	require.Equal(t, schema.SideBuy, heavyOut[0].Side)
	require.Equal(t, 3, heavy.DescribeState().Fields["score"])
	require.Empty(t, lightOut)
	require.Equal(t, 2, light.DescribeState().Fields["score"])

	_, err := NewRegistry().New(strategy.Spec{ID: "x", Kind: KindHeuristic, Instrument: "BTC-USD", Params: strategy.Params{
		"quantity": "1", "indicators": []any{"sma"}, "weights": map[string]any{"sma": -1},
	}})
	require.Error(t, err)
}

func TestSweepEntersAfterConfirmation(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindSweep, "BTC-USD", strategy.Params{
		"quantity":          "1",
		"swing_lookback":    3,
		"confirmation_bars": 1,
		"atr_period":        2,
	})
	for i := 0; i < 4; i++ {
		out, err := unit.OnObservation(h.bar("BTC-USD", "1h", 100, 101, 99, 100))
		require.NoError(t, err)
		require.Empty(t, out)
	}
	out, err := unit.OnObservation(h.bar("BTC-USD", "1h", 100, 103, 99.5, 100.5))
	require.NoError(t, err)
	require.Empty(t, out, "pierce bar only arms the setup")
	require.Equal(t, true, unit.DescribeState().Fields["pending"])

	out, err = unit.OnObservation(h.bar("BTC-USD", "1h", 100.5, 100.8, 99.6, 100))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, schema.SideSell, out[0].Side)
	require.True(t, out[0].StopLoss.GreaterThan(dec("103")))
	require.True(t, out[0].TakeProfit.LessThan(dec("100")))
}

func TestSweepPendingExpires(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindSweep, "BTC-USD", strategy.Params{"quantity": "1", "swing_lookback": 3, "atr_period": 2})
	for i := 0; i < 4; i++ {
		_, err := unit.OnObservation(h.bar("BTC-USD", "1h", 100, 101, 99, 100))
		require.NoError(t, err)
	}
	_, err := unit.OnObservation(h.bar("BTC-USD", "1h", 101, 103, 101, 102))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		out, err := unit.OnObservation(h.bar("BTC-USD", "1h", 102, 102.5, 101.5, 102))
		require.NoError(t, err)
		require.Empty(t, out)
	}
	require.Equal(t, false, unit.DescribeState().Fields["pending"])
}

func TestTrendEmitsOverridesOnRegimeChange(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindTrend, "BTC-USD", strategy.Params{
		"macro_timeframe":  "1d",
		"macro_sma_period": 3,
		"micro_timeframe":  "1h",
		"micro_ema_short":  2,
		"micro_ema_long":   3,
		"regimes": map[string]any{
			"MACRO_BULL": []any{map[string]any{"target": "dca-1", "action": "enable"}},
			"MACRO_BEAR": []any{map[string]any{"target": "dca-1", "action": "disable"}},
		},
	})
	meta, ok := unit.(strategy.MetaUnit)
	require.True(t, ok)

	for _, c := range []float64{100, 110, 120} {
		_, err := unit.OnObservation(h.flat("BTC-USD", "1d", c))
		require.NoError(t, err)
	}
	overrides := meta.Overrides()
	require.Len(t, overrides, 1)
	require.Equal(t, "dca-1", overrides[0].Target)
	require.Equal(t, strategy.OverrideEnable, overrides[0].Action)
	require.Equal(t, "trend-1:MACRO_BULL/MICRO_DATA_PENDING", overrides[0].Source)
	require.Empty(t, meta.Overrides(), "drained")

	for _, c := range []float64{90, 70} {
		_, err := unit.OnObservation(h.flat("BTC-USD", "1d", c))
		require.NoError(t, err)
	}
	overrides = meta.Overrides()
	require.Len(t, overrides, 1)
	require.Equal(t, strategy.OverrideDisable, overrides[0].Action)
}

func TestHedgeOpensAndClosesOnExcursion(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindHedge, "ETH-USD", strategy.Params{
		"primary_instrument": "BTC-USD",
		"trigger_percent":    "2",
		"recover_percent":    "0.5",
		"hedge_ratio":        "0.5",
	})
	require.Equal(t, []string{"BTC-USD"}, unit.(strategy.Watcher).Watches())

	h.account.Positions["BTC-USD"] = schema.Position{Instrument: "BTC-USD", Size: dec("2"), AvgEntry: dec("100")}
	out, err := unit.OnObservation(h.flat("BTC-USD", "1h", 99))
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = unit.OnObservation(h.flat("BTC-USD", "1h", 97))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "ETH-USD", out[0].Instrument)
	require.Equal(t, schema.SideSell, out[0].Side)
	require.Equal(t, "1", out[0].Quantity.String())

	entry := orderFor("h1", out[0])
	_, err = unit.OnOrderEvent(event(entry, schema.OrderFilled, fillOf(entry, "1", "2000")))
	require.NoError(t, err)

	out, err = unit.OnObservation(h.flat("BTC-USD", "1h", 99.8))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, schema.IntentClose, out[0].Kind)
	require.Equal(t, schema.SideBuy, out[0].Side)
}

func TestHedgeRejectsSelfHedge(t *testing.T) {
	_, err := NewRegistry().New(strategy.Spec{ID: "h", Kind: KindHedge, Instrument: "BTC-USD",
		Params: strategy.Params{"primary_instrument": "BTC-USD", "trigger_percent": "1"}})
	require.Error(t, err)
}

func TestFibCascadeScalesInAndExitsAtCentre(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindFibCascade, "BTC-USD", strategy.Params{
		"quantity":            "1",
		"base_radius_percent": 1,
		"ratios":              []any{1, 2},
		"weights":             []any{1, 2},
	})
	out, err := unit.OnObservation(h.flat("BTC-USD", "1h", 100))
	require.NoError(t, err)
	require.Empty(t, out)
	require.InDelta(t, 100.0, unit.(*FibCascade).Centre(), 1e-9)

	out, err = unit.OnObservation(h.flat("BTC-USD", "1h", 98.9))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, schema.IntentOpen, out[0].Kind)
	require.Equal(t, "ring-1", out[0].Tag)
	ring1 := orderFor("r1", out[0])
	_, err = unit.OnOrderEvent(event(ring1, schema.OrderFilled, fillOf(ring1, "1", "98.9")))
	require.NoError(t, err)

	out, err = unit.OnObservation(h.flat("BTC-USD", "1h", 97.5))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, schema.IntentAdd, out[0].Kind)
	require.Equal(t, "2", out[0].Quantity.String())
	ring2 := orderFor("r2", out[0])
	_, err = unit.OnOrderEvent(event(ring2, schema.OrderFilled, fillOf(ring2, "2", "97.5")))
	require.NoError(t, err)

	out, err = unit.OnObservation(h.flat("BTC-USD", "1h", 100.2))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, schema.IntentClose, out[0].Kind)
	require.Equal(t, "3", out[0].Quantity.String())
}

func TestFibCascadeRecentersAfterEscape(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindFibCascade, "BTC-USD", strategy.Params{
		"quantity":            "1",
		"base_radius_percent": 1,
		"ratios":              []any{1, 2},
		"weights":             []any{1, 1},
		"recenter_threshold":  1,
	})
	_, err := unit.OnObservation(h.flat("BTC-USD", "1h", 100))
	require.NoError(t, err)
	// A gap straight past the outer ring plus one gap escapes without entering.
	out, err := unit.OnObservation(h.flat("BTC-USD", "1h", 96))
	require.NoError(t, err)
	require.Empty(t, out)
	require.InDelta(t, 96.0, unit.(*FibCascade).Centre(), 1e-9)
}

func TestFibCascadeRejectsUnknownRule(t *testing.T) {
	_, err := NewRegistry().New(strategy.Spec{ID: "f", Kind: KindFibCascade, Instrument: "X",
		Params: strategy.Params{"quantity": "1", "recenter_rule": "spiral"}})
	require.Error(t, err)
}

const momentumScript = `
exports.onObservation = function (ctx) {
  if (!ctx.candle || ctx.position.size !== 0) {
    return [];
  }
  if (ctx.candle.close > ctx.config.threshold) {
    return [{ side: "BUY", kind: "open", quantity: 1, tag: "js", stop_loss: ctx.candle.low }];
  }
  return [];
};
exports.onOrderEvent = function (evt) {
  if (evt.to === "FILLED" && evt.tag === "js") {
    return [{ side: "SELL", kind: "close", quantity: evt.filled, order_type: "LIMIT", limit_price: evt.avg_price + 2 }];
  }
  return null;
};
`

func TestScriptStrategyReturnsIntents(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindScript, "BTC-USD", strategy.Params{
		"source": momentumScript,
		"config": map[string]any{"threshold": 100},
	})
	out, err := unit.OnObservation(h.flat("BTC-USD", "1h", 99))
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = unit.OnObservation(h.bar("BTC-USD", "1h", 100, 102, 99, 101))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, schema.SideBuy, out[0].Side)
	require.Equal(t, schema.OrderTypeMarket, out[0].OrderType)
	require.Equal(t, "99", out[0].StopLoss.String())
	require.Equal(t, "script-1-1", out[0].ID)

	order := orderFor("s1", out[0])
	order.Filled = dec("1")
	order.AvgPrice = dec("100")
	exit, err := unit.OnOrderEvent(event(order, schema.OrderFilled, fillOf(order, "1", "100")))
	require.NoError(t, err)
	require.Len(t, exit, 1)
	require.Equal(t, schema.OrderTypeLimit, exit[0].OrderType)
	require.Equal(t, "102", exit[0].LimitPrice.String())
}

func TestScriptErrorsSurface(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindScript, "BTC-USD", strategy.Params{
		"source": `exports.onObservation = function () { throw new Error("boom"); };`,
	})
	_, err := unit.OnObservation(h.flat("BTC-USD", "1h", 100))
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestScriptTimeoutInterruptsAndRecovers(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindScript, "BTC-USD", strategy.Params{
		"source": `var n = 0;
exports.onObservation = function () {
  n++;
  if (n === 1) { for (;;) {} }
  return [];
};`,
		"timeout_ms": 20,
	})
	_, err := unit.OnObservation(h.flat("BTC-USD", "1h", 100))
	require.Error(t, err)
	require.Contains(t, err.Error(), "script timeout")

	out, err := unit.OnObservation(h.flat("BTC-USD", "1h", 100))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestScriptRecursionFailsWithoutClock(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindScript, "BTC-USD", strategy.Params{
		"source": `exports.onObservation = function () {
  function deeper(n) { return deeper(n + 1) + 1; }
  return deeper(0);
};`,
		"timeout_ms":     0,
		"max_call_stack": 64,
	})
	for i := 0; i < 2; i++ {
		_, err := unit.OnObservation(h.flat("BTC-USD", "1h", 100))
		require.Error(t, err)
	}
}

func TestScriptRequiresEntryPoint(t *testing.T) {
	_, err := NewRegistry().New(strategy.Spec{ID: "s", Kind: KindScript, Instrument: "X",
		Params: strategy.Params{"source": "exports.other = 1;"}})
	require.Error(t, err)
}

func TestFibCascadeRefusedRingIsCrossedAgain(t *testing.T) {
	h := newHarness(t)
	unit := build(t, KindFibCascade, "BTC-USD", strategy.Params{
		"quantity":            "1",
		"base_radius_percent": 1,
		"ratios":              []any{1, 2},
		"weights":             []any{1, 2},
	})
	_, err := unit.OnObservation(h.flat("BTC-USD", "1h", 100))
	require.NoError(t, err)

	out, err := unit.OnObservation(h.flat("BTC-USD", "1h", 98.9))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "ring-1", out[0].Tag)

	_, err = unit.OnOrderEvent(schema.RefusedEvent(out[0], schema.Decision{Verdict: schema.VerdictDefer}, epoch))
	require.NoError(t, err)
	require.Equal(t, 0, unit.DescribeState().Fields["rings_crossed"])

	again, err := unit.OnObservation(h.flat("BTC-USD", "1h", 98.9))
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, "ring-1", again[0].Tag)
	require.Equal(t, schema.IntentOpen, again[0].Kind)
}
