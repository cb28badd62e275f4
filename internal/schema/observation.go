package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ObservationKind classifies a market observation.
type ObservationKind string

const (
	// ObservationCandle carries an OHLCV bar, closed or in progress.
	ObservationCandle ObservationKind = "candle"
	// ObservationBook carries an order book snapshot.
	ObservationBook ObservationKind = "book"
	// ObservationMark carries a mark price tick.
	ObservationMark ObservationKind = "mark"
)

// Candle is an OHLCV bar.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Closed   bool            `json:"closed"`
}

// BookLevel is a single price level.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Book is an order book snapshot, best levels first.
type Book struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// Mid returns the mid price, or zero when either side is empty.
func (b Book) Mid() decimal.Decimal {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price.Add(b.Asks[0].Price).Div(decimal.NewFromInt(2))
}

// Observation is an immutable timestamped market fact.
type Observation struct {
	Instrument string          `json:"instrument"`
	Kind       ObservationKind `json:"kind"`
	Timeframe  string          `json:"timeframe,omitempty"`
	EventTime  time.Time       `json:"event_time"`
	Seq        uint64          `json:"seq"`
	Candle     *Candle         `json:"candle,omitempty"`
	Book       *Book           `json:"book,omitempty"`
	Mark       decimal.Decimal `json:"mark"`
}

// Ref identifies an observation for causal references.
type Ref struct {
	Instrument string          `json:"instrument"`
	Kind       ObservationKind `json:"kind"`
	EventTime  time.Time       `json:"event_time"`
	Seq        uint64          `json:"seq"`
}

// Ref returns the causal reference of the observation.
func (o Observation) Ref() Ref {
	return Ref{Instrument: o.Instrument, Kind: o.Kind, EventTime: o.EventTime, Seq: o.Seq}
}

// Price returns the most representative price carried by the observation.
func (o Observation) Price() decimal.Decimal {
	switch o.Kind {
	case ObservationCandle:
		if o.Candle != nil {
			return o.Candle.Close
		}
	case ObservationBook:
		if o.Book != nil {
			return o.Book.Mid()
		}
	case ObservationMark:
		return o.Mark
	}
	return decimal.Zero
}

// Before orders observations by event time, then sequence.
func (o Observation) Before(other Observation) bool {
	if o.EventTime.Equal(other.EventTime) {
		return o.Seq < other.Seq
	}
	return o.EventTime.Before(other.EventTime)
}

// ParseTimeframe converts a candle timeframe such as "15m", "4h", "1d" or "1w" to a duration.
func ParseTimeframe(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(tf)
	if len(tf) < 2 {
		return 0, fmt.Errorf("timeframe %q: too short", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("timeframe %q: invalid count", tf)
	}
	var unit time.Duration
	switch tf[len(tf)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("timeframe %q: unknown unit", tf)
	}
	return time.Duration(n) * unit, nil
}
