// Package coordinator fans observations out to strategy units and collects their intents.
package coordinator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
	"github.com/coachpo/meltica-trader/internal/telemetry"
)

// DefaultFaultLimit is the number of consecutive faults that disables a unit.
const DefaultFaultLimit = 3

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFaultLimit sets the consecutive-fault threshold. Zero disables auto-disable.
func WithFaultLimit(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.faultLimit = n
		}
	}
}

// WithMetrics records intents and faults.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithDisabled starts the named units disabled.
func WithDisabled(ids ...string) Option {
	return func(c *Coordinator) { c.startDisabled = append(c.startDisabled, ids...) }
}

// Result is the outcome of one dispatch cycle.
type Result struct {
	Intents []schema.Intent
	// Faults holds one CodeStrategy error per failing unit.
	Faults []error
	// Overrides were queued by meta units and apply from the next cycle.
	Overrides []strategy.Override
}

type slot struct {
	mu       sync.Mutex
	unit     strategy.Unit
	watches  []string
	faults   int
	paused   bool
	disabled bool
}

func (s *slot) health() schema.StrategyHealth {
	switch {
	case s.disabled:
		return schema.HealthDisabled
	case s.paused:
		return schema.HealthPaused
	case s.faults > 0:
		return schema.HealthUnhealthy
	default:
		return schema.HealthActive
	}
}

func (s *slot) binds(instrument string) bool {
	return s.unit.Instrument() == instrument || slices.Contains(s.watches, instrument)
}

// Coordinator owns the configured units in a stable order.
//
// Dispatch may run concurrently for different instruments. A unit bound to
// several instruments is still called by one goroutine at a time.
type Coordinator struct {
	slots         []*slot
	index         map[string]*slot
	faultLimit    int
	metrics       *telemetry.Metrics
	startDisabled []string

	mu      sync.Mutex
	pending []strategy.Override
}

// New builds a coordinator over units in the given order.
func New(units []strategy.Unit, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		index:      make(map[string]*slot, len(units)),
		faultLimit: DefaultFaultLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	for _, unit := range units {
		if unit == nil {
			continue
		}
		id := unit.ID()
		if _, dup := c.index[id]; dup {
			return nil, errs.New("coordinator", errs.CodeConflict, errs.WithMessage("duplicate strategy id"), errs.WithField("strategy", id))
		}
		s := &slot{unit: unit}
		if w, ok := unit.(strategy.Watcher); ok {
			s.watches = w.Watches()
		}
		c.slots = append(c.slots, s)
		c.index[id] = s
	}
	for _, id := range c.startDisabled {
		s, ok := c.index[id]
		if !ok {
			return nil, errs.New("coordinator", errs.CodeNotFound, errs.WithField("strategy", id))
		}
		s.disabled = true
	}
	return c, nil
}

// Instruments lists every instrument some unit trades or watches, in unit order.
func (c *Coordinator) Instruments() []string {
	var out []string
	for _, s := range c.slots {
		for _, sym := range append([]string{s.unit.Instrument()}, s.watches...) {
			if sym != "" && !slices.Contains(out, sym) {
				out = append(out, sym)
			}
		}
	}
	return out
}

// Enqueue queues an override for the start of the next dispatch cycle.
func (c *Coordinator) Enqueue(o strategy.Override) {
	c.mu.Lock()
	c.pending = append(c.pending, o)
	c.mu.Unlock()
}

// ApplyParams queues a parameter update.
func (c *Coordinator) ApplyParams(id string, params strategy.Params, source string) {
	c.Enqueue(strategy.Override{Target: id, Action: strategy.OverrideParams, Params: params, Source: source})
}

// Pause queues a pause.
func (c *Coordinator) Pause(id, source string) {
	c.Enqueue(strategy.Override{Target: id, Action: strategy.OverridePause, Source: source})
}

// Resume queues a resume.
func (c *Coordinator) Resume(id, source string) {
	c.Enqueue(strategy.Override{Target: id, Action: strategy.OverrideResume, Source: source})
}

// Flush applies queued overrides now. Dispatch calls it on entry.
func (c *Coordinator) Flush() []error {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	var failures []error
	for _, o := range queued {
		if err := c.apply(o); err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}

func (c *Coordinator) apply(o strategy.Override) error {
	s, ok := c.index[o.Target]
	if !ok {
		return errs.New("coordinator/override", errs.CodeNotFound,
			errs.WithField("strategy", o.Target), errs.WithField("action", string(o.Action)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	observability.Log().Info("strategy override",
		observability.Field{Key: "strategy", Value: o.Target},
		observability.Field{Key: "action", Value: string(o.Action)},
		observability.Field{Key: "source", Value: o.Source})
	switch o.Action {
	case strategy.OverrideEnable:
		s.disabled = false
		s.faults = 0
	case strategy.OverrideDisable:
		s.disabled = true
	case strategy.OverridePause:
		s.paused = true
	case strategy.OverrideResume:
		s.paused = false
	case strategy.OverrideParams:
		if err := s.unit.Configure(o.Params); err != nil {
			return errs.New("coordinator/override", errs.CodeValidation,
				errs.WithField("strategy", o.Target), errs.WithCause(err))
		}
	default:
		return errs.New("coordinator/override", errs.CodeValidation,
			errs.WithMessage("unknown override action"), errs.WithField("action", string(o.Action)))
	}
	return nil
}

// Dispatch calls every active unit bound to the observation's instrument, in
// configured order.
func (c *Coordinator) Dispatch(ctx context.Context, in strategy.Context) Result {
	var res Result
	for _, err := range c.Flush() {
		observability.Log().Error("override rejected", observability.Field{Key: "error", Value: err.Error()})
	}
	instrument := in.Observation.Instrument
	for _, s := range c.slots {
		if !s.binds(instrument) {
			continue
		}
		s.mu.Lock()
		if s.disabled || s.paused {
			s.mu.Unlock()
			continue
		}
		intents, err := safeCall(s.unit, func() ([]schema.Intent, error) { return s.unit.OnObservation(in) })
		var overrides []strategy.Override
		if meta, ok := s.unit.(strategy.MetaUnit); ok && err == nil {
			overrides = meta.Overrides()
		}
		fault := c.settle(ctx, s, err)
		s.mu.Unlock()

		if fault != nil {
			res.Faults = append(res.Faults, fault)
			continue
		}
		res.Intents = append(res.Intents, stamp(s.unit.ID(), intents)...)
		c.metrics.Intents(ctx, s.unit.ID(), len(intents))
		for _, o := range overrides {
			if o.Source == "" {
				o.Source = s.unit.ID()
			}
			c.Enqueue(o)
			res.Overrides = append(res.Overrides, o)
		}
	}
	return res
}

// OnOrderEvent routes evt to the unit that originated the order. Units that are
// paused or disabled still see the event but may only reduce exposure.
func (c *Coordinator) OnOrderEvent(ctx context.Context, evt schema.OrderEvent) ([]schema.Intent, error) {
	s, ok := c.index[evt.Order.StrategyID]
	if !ok {
		return nil, nil
	}
	s.mu.Lock()
	intents, err := safeCall(s.unit, func() ([]schema.Intent, error) { return s.unit.OnOrderEvent(evt) })
	fault := c.settle(ctx, s, err)
	inactive := s.disabled || s.paused
	s.mu.Unlock()
	if fault != nil {
		return nil, fault
	}
	intents = stamp(s.unit.ID(), intents)
	if inactive {
		intents = slices.DeleteFunc(intents, func(in schema.Intent) bool { return in.Kind.Opening() })
	}
	c.metrics.Intents(ctx, s.unit.ID(), len(intents))
	return intents, nil
}

// OnReject tells the originating unit that the risk gate refused or deferred
// one of its intents, as a terminal REJECTED event.
func (c *Coordinator) OnReject(ctx context.Context, intent schema.Intent, decision schema.Decision, at time.Time) ([]schema.Intent, error) {
	return c.OnOrderEvent(ctx, schema.RefusedEvent(intent, decision, at))
}

// settle updates fault accounting. The caller holds s.mu.
func (c *Coordinator) settle(ctx context.Context, s *slot, err error) error {
	if err == nil {
		s.faults = 0
		return nil
	}
	s.faults++
	id := s.unit.ID()
	c.metrics.Fault(ctx, id)
	fault := errs.New("coordinator/dispatch", errs.CodeStrategy,
		errs.WithField("strategy", id), errs.WithCause(err))
	if c.faultLimit > 0 && s.faults >= c.faultLimit && !s.disabled {
		s.disabled = true
		observability.Log().Error("strategy disabled after repeated faults",
			observability.Field{Key: "strategy", Value: id},
			observability.Field{Key: "faults", Value: s.faults})
	}
	return fault
}

func safeCall(unit strategy.Unit, fn func() ([]schema.Intent, error)) (intents []schema.Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			intents = nil
			err = fmt.Errorf("strategy %s panicked: %v", unit.ID(), r)
		}
	}()
	return fn()
}

func stamp(id string, intents []schema.Intent) []schema.Intent {
	for i := range intents {
		if intents[i].StrategyID == "" {
			intents[i].StrategyID = id
		}
	}
	return intents
}

// States snapshots every unit in configured order with coordinator-owned health.
func (c *Coordinator) States() []schema.StrategyState {
	out := make([]schema.StrategyState, 0, len(c.slots))
	for _, s := range c.slots {
		s.mu.Lock()
		state := s.unit.DescribeState()
		state.Health = s.health()
		s.mu.Unlock()
		out = append(out, state)
	}
	return out
}

// Health reports one unit's health.
func (c *Coordinator) Health(id string) (schema.StrategyHealth, bool) {
	s, ok := c.index[id]
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health(), true
}
