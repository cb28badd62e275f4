// Package indicator computes derived signals from candle windows.
//
// Every function is a pure function of its input window so recomputation
// is deterministic and idempotent.
package indicator

import (
	"math"

	"github.com/coachpo/meltica-trader/internal/schema"
)

// Closes extracts close prices.
func Closes(candles []schema.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMASeries returns the exponential moving average series with span period,
// seeded with the first value (no bias adjustment).
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) == 0 {
		return nil
	}
	alpha := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// EMA returns the latest EMA value once period values are available.
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	series := EMASeries(values, period)
	return series[len(series)-1], true
}

// wilderMean is the bias-adjusted exponential mean with com = period-1.
func wilderMean(values []float64, period int) float64 {
	decay := 1 - 1/float64(period)
	num, den, w := 0.0, 0.0, 1.0
	for i := len(values) - 1; i >= 0; i-- {
		num += w * values[i]
		den += w
		w *= decay
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// RSI returns the relative strength index using Wilder smoothing.
// It needs period+1 closes. With no losses it is 100, flat series give 50.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}
	gains := make([]float64, len(values))
	losses := make([]float64, len(values))
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gains[i] = d
		} else {
			losses[i] = -d
		}
	}
	avgGain := wilderMean(gains, period)
	avgLoss := wilderMean(losses, period)
	if avgLoss == 0 {
		if avgGain > 0 {
			return 100, true
		}
		return 50, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// TrueRanges returns the true range of each candle; the first uses high-low.
func TrueRanges(candles []schema.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		high := c.High.InexactFloat64()
		low := c.Low.InexactFloat64()
		tr := high - low
		if i > 0 {
			prev := candles[i-1].Close.InexactFloat64()
			tr = math.Max(tr, math.Max(math.Abs(high-prev), math.Abs(low-prev)))
		}
		out[i] = tr
	}
	return out
}

// ATR returns the average true range as an EMA of true ranges.
func ATR(candles []schema.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	return EMA(TrueRanges(candles), period)
}

// Cross reports the crossing of a short over a long series on the last value:
// +1 for a bullish cross, -1 for a bearish cross, 0 otherwise.
func Cross(short, long []float64) int {
	n := len(short)
	if n < 2 || len(long) != n {
		return 0
	}
	prevDiff := short[n-2] - long[n-2]
	diff := short[n-1] - long[n-1]
	switch {
	case prevDiff <= 0 && diff > 0:
		return 1
	case prevDiff >= 0 && diff < 0:
		return -1
	default:
		return 0
	}
}

// Levels holds classic floor-trader pivot levels.
type Levels struct {
	PP, R1, R2, R3, S1, S2, S3 float64
}

// Pivots computes classic pivots from a reference bar.
func Pivots(ref schema.Candle) Levels {
	h := ref.High.InexactFloat64()
	l := ref.Low.InexactFloat64()
	c := ref.Close.InexactFloat64()
	pp := (h + l + c) / 3
	return Levels{
		PP: pp,
		R1: 2*pp - l,
		S1: 2*pp - h,
		R2: pp + (h - l),
		S2: pp - (h - l),
		R3: h + 2*(pp-l),
		S3: l - 2*(h-pp),
	}
}

// Resistances returns resistance levels in ascending order.
func (l Levels) Resistances() []float64 { return []float64{l.R1, l.R2, l.R3} }

// Supports returns support levels in descending order.
func (l Levels) Supports() []float64 { return []float64{l.S1, l.S2, l.S3} }

// NextAbove returns the closest level strictly above price.
func (l Levels) NextAbove(price float64) (float64, bool) {
	best, ok := 0.0, false
	for _, lv := range []float64{l.S3, l.S2, l.S1, l.PP, l.R1, l.R2, l.R3} {
		if lv > price && (!ok || lv < best) {
			best, ok = lv, true
		}
	}
	return best, ok
}

// NextBelow returns the closest level strictly below price.
func (l Levels) NextBelow(price float64) (float64, bool) {
	best, ok := 0.0, false
	for _, lv := range []float64{l.S3, l.S2, l.S1, l.PP, l.R1, l.R2, l.R3} {
		if lv < price && (!ok || lv > best) {
			best, ok = lv, true
		}
	}
	return best, ok
}

// SwingHigh returns the highest high over lookback bars before the last one.
func SwingHigh(candles []schema.Candle, lookback int) (float64, bool) {
	window, ok := priorWindow(candles, lookback)
	if !ok {
		return 0, false
	}
	best := window[0].High.InexactFloat64()
	for _, c := range window[1:] {
		best = math.Max(best, c.High.InexactFloat64())
	}
	return best, true
}

// SwingLow returns the lowest low over lookback bars before the last one.
func SwingLow(candles []schema.Candle, lookback int) (float64, bool) {
	window, ok := priorWindow(candles, lookback)
	if !ok {
		return 0, false
	}
	best := window[0].Low.InexactFloat64()
	for _, c := range window[1:] {
		best = math.Min(best, c.Low.InexactFloat64())
	}
	return best, true
}

func priorWindow(candles []schema.Candle, lookback int) ([]schema.Candle, bool) {
	if lookback <= 0 || len(candles) < lookback+1 {
		return nil, false
	}
	end := len(candles) - 1
	return candles[end-lookback : end], true
}
