package strategies

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-trader/internal/indicator"
	"github.com/coachpo/meltica-trader/internal/market"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	t       *testing.T
	store   *market.Store
	cache   *indicator.Cache
	account schema.AccountSnapshot
	bars    map[string]int
	seq     uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		t:       t,
		store:   market.NewStore(),
		cache:   indicator.NewCache(),
		account: schema.AccountSnapshot{Capital: dec("10000"), Positions: map[string]schema.Position{}},
		bars:    map[string]int{},
	}
}

func (h *harness) bar(instrument, tf string, o, hi, lo, c float64) strategy.Context {
	h.t.Helper()
	key := instrument + "/" + tf
	n := h.bars[key]
	h.bars[key] = n + 1
	h.seq++
	open := epoch.Add(time.Duration(n) * time.Hour)
	obs := schema.Observation{
		Instrument: instrument,
		Kind:       schema.ObservationCandle,
		Timeframe:  tf,
		EventTime:  open.Add(time.Hour),
		Seq:        h.seq,
		Candle: &schema.Candle{
			OpenTime: open,
			Open:     decimal.NewFromFloat(o),
			High:     decimal.NewFromFloat(hi),
			Low:      decimal.NewFromFloat(lo),
			Close:    decimal.NewFromFloat(c),
			Volume:   decimal.NewFromInt(1),
			Closed:   true,
		},
	}
	_, err := h.store.Apply(obs)
	require.NoError(h.t, err)
	view := h.store.View(instrument)
	return strategy.Context{
		Observation: obs,
		Market:      view,
		Indicators:  h.cache.For(view),
		Account:     h.account,
		Lookup:      h.store.View,
	}
}

func (h *harness) flat(instrument, tf string, c float64) strategy.Context {
	return h.bar(instrument, tf, c, c, c, c)
}

func event(order schema.Order, to schema.OrderState, fill *schema.Fill) schema.OrderEvent {
	order.State = to
	return schema.OrderEvent{Order: order, From: schema.OrderSubmitted, To: to, Fill: fill, Time: epoch}
}

func fillOf(order schema.Order, qty, px string) *schema.Fill {
	return &schema.Fill{
		ClientID:   order.ClientID,
		StrategyID: order.StrategyID,
		Instrument: order.Instrument,
		Side:       order.Side,
		Quantity:   dec(qty),
		Price:      dec(px),
	}
}

func orderFor(id string, in schema.Intent) schema.Order {
	return schema.Order{
		ClientID:   id,
		StrategyID: in.StrategyID,
		IntentID:   in.ID,
		Instrument: in.Instrument,
		Side:       in.Side,
		Type:       in.OrderType,
		Quantity:   in.Quantity,
		Price:      in.LimitPrice,
		StopLoss:   in.StopLoss,
		TakeProfit: in.TakeProfit,
		Tag:        in.Tag,
	}
}

func build(t *testing.T, kind string, instrument string, params strategy.Params) strategy.Unit {
	t.Helper()
	unit, err := NewRegistry().New(strategy.Spec{ID: kind + "-1", Kind: kind, Instrument: instrument, Timeframe: "1h", Params: params})
	require.NoError(t, err)
	return unit
}
