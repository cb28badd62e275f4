package market

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
)

// View is an immutable snapshot of one instrument. Callers may keep it.
type View struct {
	instrument string
	version    uint64
	candles    map[string][]schema.Candle
	book       schema.Book
	bookTime   time.Time
	mark       decimal.Decimal
	markTime   time.Time
	close      decimal.Decimal
	closeTime  time.Time
	lastEvent  time.Time
}

// Instrument returns the symbol the view describes.
func (v View) Instrument() string { return v.instrument }

// Version returns the store version the view was taken at.
func (v View) Version() uint64 { return v.version }

// LastEvent returns the newest observation time seen for the instrument.
func (v View) LastEvent() time.Time { return v.lastEvent }

// Candles returns up to n most recent candles, oldest first. n <= 0 returns all.
func (v View) Candles(timeframe string, n int) []schema.Candle {
	series := v.candles[timeframe]
	if n > 0 && len(series) > n {
		series = series[len(series)-n:]
	}
	return append([]schema.Candle(nil), series...)
}

// ClosedCandles returns closed candles only, oldest first.
func (v View) ClosedCandles(timeframe string) []schema.Candle {
	series := v.candles[timeframe]
	out := make([]schema.Candle, 0, len(series))
	for _, c := range series {
		if c.Closed {
			out = append(out, c)
		}
	}
	return out
}

// LastCandle returns the most recent candle for timeframe.
func (v View) LastCandle(timeframe string) (schema.Candle, bool) {
	series := v.candles[timeframe]
	if len(series) == 0 {
		return schema.Candle{}, false
	}
	return series[len(series)-1], true
}

// LastClose returns the close of the most recent candle for timeframe.
func (v View) LastClose(timeframe string) (decimal.Decimal, bool) {
	last, ok := v.LastCandle(timeframe)
	if !ok {
		return decimal.Zero, false
	}
	return last.Close, true
}

// Book returns the latest order book snapshot.
func (v View) Book() schema.Book { return v.book }

// Mark returns the freshest reference price among the mark, the book mid and
// the last candle close, by observation time. Ties prefer mark, then mid.
func (v View) Mark() decimal.Decimal {
	var (
		best decimal.Decimal
		at   time.Time
	)
	consider := func(px decimal.Decimal, ts time.Time) {
		if px.IsPositive() && (!best.IsPositive() || ts.After(at)) {
			best, at = px, ts
		}
	}
	consider(v.mark, v.markTime)
	consider(v.book.Mid(), v.bookTime)
	consider(v.close, v.closeTime)
	return best
}
