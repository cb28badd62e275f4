// Package market holds the latest and recent market observations per instrument.
package market

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/schema"
)

const (
	defaultDepth         = 500
	defaultLateTolerance = 0
)

// Update describes the effect of applying an observation.
type Update struct {
	Instrument string
	Version    uint64
	// Latest is false when the observation was older than the current view.
	Latest bool
}

// Option configures the store.
type Option func(*Store)

// WithDepth bounds the candle history kept per instrument and timeframe.
func WithDepth(depth int) Option {
	return func(s *Store) {
		if depth > 0 {
			s.depth = depth
		}
	}
}

// WithLateTolerance accepts candles up to d older than the latest one.
// Anything older is reported as a data fault.
func WithLateTolerance(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.lateTolerance = d
		}
	}
}

// Store is an in-memory snapshot store. Writers are serialised per instrument.
type Store struct {
	mu            sync.RWMutex
	entries       map[string]*entry
	depth         int
	lateTolerance time.Duration
}

type entry struct {
	mu        sync.RWMutex
	version   uint64
	candles   map[string][]schema.Candle
	book      schema.Book
	bookTime  time.Time
	mark      decimal.Decimal
	markTime  time.Time
	close     decimal.Decimal
	closeTime time.Time
	lastEvent time.Time
}

// NewStore creates an empty snapshot store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:       make(map[string]*entry),
		depth:         defaultDepth,
		lateTolerance: defaultLateTolerance,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Apply stores an observation without ever regressing the latest view.
func (s *Store) Apply(obs schema.Observation) (Update, error) {
	if strings.TrimSpace(obs.Instrument) == "" {
		return Update{}, errs.New("market/apply", errs.CodeValidation, errs.WithMessage("instrument required"))
	}
	e := s.entry(obs.Instrument)
	e.mu.Lock()
	defer e.mu.Unlock()

	latest := true
	switch obs.Kind {
	case schema.ObservationCandle:
		if obs.Candle == nil {
			return Update{}, errs.New("market/apply", errs.CodeValidation, errs.WithMessage("candle payload missing"))
		}
		var err error
		latest, err = s.applyCandle(e, obs)
		if err != nil {
			return Update{}, err
		}
		if latest && !obs.EventTime.Before(e.closeTime) {
			e.close = obs.Candle.Close
			e.closeTime = obs.EventTime
		}
	case schema.ObservationBook:
		if obs.Book == nil {
			return Update{}, errs.New("market/apply", errs.CodeValidation, errs.WithMessage("book payload missing"))
		}
		if obs.EventTime.Before(e.bookTime) {
			latest = false
			break
		}
		e.book = cloneBook(*obs.Book)
		e.bookTime = obs.EventTime
	case schema.ObservationMark:
		if !obs.Mark.IsPositive() {
			return Update{}, errs.New("market/apply", errs.CodeValidation, errs.WithMessage("mark must be positive"))
		}
		if obs.EventTime.Before(e.markTime) {
			latest = false
			break
		}
		e.mark = obs.Mark
		e.markTime = obs.EventTime
	default:
		return Update{}, errs.New("market/apply", errs.CodeValidation,
			errs.WithMessage("unknown observation kind"), errs.WithField("kind", string(obs.Kind)))
	}
	if obs.EventTime.After(e.lastEvent) {
		e.lastEvent = obs.EventTime
	}
	e.version++
	return Update{Instrument: obs.Instrument, Version: e.version, Latest: latest}, nil
}

func (s *Store) applyCandle(e *entry, obs schema.Observation) (bool, error) {
	series := e.candles[obs.Timeframe]
	c := *obs.Candle
	n := len(series)
	if n == 0 || series[n-1].OpenTime.Before(c.OpenTime) {
		series = append(series, c)
		if len(series) > s.depth {
			series = append([]schema.Candle(nil), series[len(series)-s.depth:]...)
		}
		e.candles[obs.Timeframe] = series
		return true, nil
	}
	if series[n-1].OpenTime.Equal(c.OpenTime) {
		if series[n-1].Closed && !c.Closed {
			// a late in-progress update never replaces the closed bar
			return false, nil
		}
		series[n-1] = c
		return true, nil
	}
	if series[n-1].OpenTime.Sub(c.OpenTime) > s.lateTolerance {
		return false, errs.New("market/apply", errs.CodeData,
			errs.WithMessage("candle older than tolerance"),
			errs.WithField("instrument", obs.Instrument),
			errs.WithField("timeframe", obs.Timeframe),
			errs.WithRemediation("request resync from the market data collaborator"))
	}
	idx := sort.Search(n, func(i int) bool { return !series[i].OpenTime.Before(c.OpenTime) })
	if idx < n && series[idx].OpenTime.Equal(c.OpenTime) {
		series[idx] = c
		return false, nil
	}
	series = append(series, schema.Candle{})
	copy(series[idx+1:], series[idx:])
	series[idx] = c
	e.candles[obs.Timeframe] = series
	return false, nil
}

// View returns a read-only copy of the instrument's current state.
func (s *Store) View(instrument string) View {
	s.mu.RLock()
	e, ok := s.entries[instrument]
	s.mu.RUnlock()
	if !ok {
		return View{instrument: instrument, candles: map[string][]schema.Candle{}}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	candles := make(map[string][]schema.Candle, len(e.candles))
	for tf, series := range e.candles {
		candles[tf] = append([]schema.Candle(nil), series...)
	}
	return View{
		instrument: instrument,
		version:    e.version,
		candles:    candles,
		book:       cloneBook(e.book),
		bookTime:   e.bookTime,
		mark:       e.mark,
		markTime:   e.markTime,
		close:      e.close,
		closeTime:  e.closeTime,
		lastEvent:  e.lastEvent,
	}
}

// Version returns the current version of the instrument entry.
func (s *Store) Version(instrument string) uint64 {
	s.mu.RLock()
	e, ok := s.entries[instrument]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

func (s *Store) entry(instrument string) *entry {
	s.mu.RLock()
	e, ok := s.entries[instrument]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[instrument]; ok {
		return e
	}
	e = &entry{candles: make(map[string][]schema.Candle)}
	s.entries[instrument] = e
	return e
}

func cloneBook(b schema.Book) schema.Book {
	return schema.Book{
		Bids: append([]schema.BookLevel(nil), b.Bids...),
		Asks: append([]schema.BookLevel(nil), b.Asks...),
	}
}
