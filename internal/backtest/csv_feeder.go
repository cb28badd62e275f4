package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/schema"
)

// CSVFeeder reads closed candles from `timestamp,open,high,low,close,volume[,symbol]` rows.
// Timestamps are bar open times in unix seconds, unix milliseconds, or RFC 3339.
type CSVFeeder struct {
	reader    *csv.Reader
	closer    io.Closer
	symbol    string
	timeframe string
	span      time.Duration
	row       uint64
}

// NewCSVFeeder opens path. symbol is used for rows without a symbol column.
func NewCSVFeeder(path, symbol, timeframe string) (*CSVFeeder, error) {
	// #nosec G304 -- file path is operator provided via CLI flags.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	feeder, err := NewCSVReader(file, symbol, timeframe)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	feeder.closer = file
	return feeder, nil
}

// NewCSVReader reads candles from r.
func NewCSVReader(r io.Reader, symbol, timeframe string) (*CSVFeeder, error) {
	span, err := schema.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	return &CSVFeeder{reader: reader, symbol: symbol, timeframe: timeframe, span: span}, nil
}

// Close releases the underlying file.
func (f *CSVFeeder) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// Next implements DataFeeder.
func (f *CSVFeeder) Next() (schema.Observation, error) {
	record, err := f.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return schema.Observation{}, io.EOF
		}
		return schema.Observation{}, fmt.Errorf("read csv record: %w", err)
	}
	f.row++
	if len(record) < 6 {
		return schema.Observation{}, fmt.Errorf("csv row %d: want at least 6 columns, got %d", f.row, len(record))
	}
	open, err := parseTimestamp(record[0])
	if err != nil {
		return schema.Observation{}, fmt.Errorf("csv row %d: %w", f.row, err)
	}
	values := make([]decimal.Decimal, 5)
	for i := range values {
		values[i], err = decimal.NewFromString(strings.TrimSpace(record[i+1]))
		if err != nil {
			return schema.Observation{}, fmt.Errorf("csv row %d column %d: %w", f.row, i+2, err)
		}
	}
	symbol := f.symbol
	if len(record) > 6 && strings.TrimSpace(record[6]) != "" {
		symbol = strings.TrimSpace(record[6])
	}
	if symbol == "" {
		return schema.Observation{}, fmt.Errorf("csv row %d: symbol missing", f.row)
	}
	return schema.Observation{
		Instrument: symbol,
		Kind:       schema.ObservationCandle,
		Timeframe:  f.timeframe,
		EventTime:  open.Add(f.span),
		Seq:        f.row,
		Candle: &schema.Candle{
			OpenTime: open,
			Open:     values[0],
			High:     values[1],
			Low:      values[2],
			Close:    values[3],
			Volume:   values[4],
			Closed:   true,
		},
	}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n >= 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return ts.UTC(), nil
}
