package indicator

import (
	"strconv"
	"sync"

	"github.com/coachpo/meltica-trader/internal/market"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// Key identifies a memoised indicator value.
type Key struct {
	Instrument string
	Timeframe  string
	Name       string
	Params     string
}

type cached struct {
	version uint64
	value   any
	ok      bool
}

// Cache memoises indicator values per store version.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]cached
	hits    uint64
	misses  uint64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Key]cached)}
}

// Invalidate drops entries of instrument computed before version.
func (c *Cache) Invalidate(instrument string, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if key.Instrument == instrument && entry.version < version {
			delete(c.entries, key)
		}
	}
}

// Stats returns cache hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// For binds the cache to a market view.
func (c *Cache) For(view market.View) View {
	return View{cache: c, view: view}
}

func (c *Cache) lookup(key Key, version uint64, compute func() (any, bool)) (any, bool) {
	c.mu.Lock()
	if entry, found := c.entries[key]; found && entry.version == version {
		c.hits++
		c.mu.Unlock()
		return entry.value, entry.ok
	}
	c.misses++
	c.mu.Unlock()

	value, ok := compute()

	c.mu.Lock()
	c.entries[key] = cached{version: version, value: value, ok: ok}
	c.mu.Unlock()
	return value, ok
}

// View exposes memoised indicators over closed candles of one instrument.
type View struct {
	cache *Cache
	view  market.View
}

func (v View) get(tf, name string, params string, compute func([]schema.Candle) (any, bool)) (any, bool) {
	key := Key{Instrument: v.view.Instrument(), Timeframe: tf, Name: name, Params: params}
	if v.cache == nil {
		return compute(v.view.ClosedCandles(tf))
	}
	return v.cache.lookup(key, v.view.Version(), func() (any, bool) {
		return compute(v.view.ClosedCandles(tf))
	})
}

func floatResult(value any, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	f, isFloat := value.(float64)
	return f, isFloat
}

// SMA of closes.
func (v View) SMA(tf string, period int) (float64, bool) {
	return floatResult(v.get(tf, "sma", strconv.Itoa(period), func(c []schema.Candle) (any, bool) {
		return SMA(Closes(c), period)
	}))
}

// EMA of closes.
func (v View) EMA(tf string, period int) (float64, bool) {
	return floatResult(v.get(tf, "ema", strconv.Itoa(period), func(c []schema.Candle) (any, bool) {
		return EMA(Closes(c), period)
	}))
}

// RSI of closes.
func (v View) RSI(tf string, period int) (float64, bool) {
	return floatResult(v.get(tf, "rsi", strconv.Itoa(period), func(c []schema.Candle) (any, bool) {
		return RSI(Closes(c), period)
	}))
}

// ATR over closed candles.
func (v View) ATR(tf string, period int) (float64, bool) {
	return floatResult(v.get(tf, "atr", strconv.Itoa(period), func(c []schema.Candle) (any, bool) {
		return ATR(c, period)
	}))
}

// EMACross reports a short/long EMA cross on the last closed candle.
func (v View) EMACross(tf string, short, long int) int {
	value, ok := v.get(tf, "ema_cross", strconv.Itoa(short)+","+strconv.Itoa(long), func(c []schema.Candle) (any, bool) {
		closes := Closes(c)
		if len(closes) < long+1 {
			return 0, false
		}
		return Cross(EMASeries(closes, short), EMASeries(closes, long)), true
	})
	if !ok {
		return 0
	}
	cross, _ := value.(int)
	return cross
}

// Pivots uses the previous closed candle as the reference bar.
func (v View) Pivots(tf string) (Levels, bool) {
	value, ok := v.get(tf, "pivots", "classic", func(c []schema.Candle) (any, bool) {
		if len(c) < 2 {
			return Levels{}, false
		}
		return Pivots(c[len(c)-2]), true
	})
	if !ok {
		return Levels{}, false
	}
	levels, _ := value.(Levels)
	return levels, true
}

// SwingHigh over lookback closed candles before the last one.
func (v View) SwingHigh(tf string, lookback int) (float64, bool) {
	return floatResult(v.get(tf, "swing_high", strconv.Itoa(lookback), func(c []schema.Candle) (any, bool) {
		return SwingHigh(c, lookback)
	}))
}

// SwingLow over lookback closed candles before the last one.
func (v View) SwingLow(tf string, lookback int) (float64, bool) {
	return floatResult(v.get(tf, "swing_low", strconv.Itoa(lookback), func(c []schema.Candle) (any, bool) {
		return SwingLow(c, lookback)
	}))
}

// Market returns the underlying market view.
func (v View) Market() market.View { return v.view }
