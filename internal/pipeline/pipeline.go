// Package pipeline wires one observation through the market store, strategy
// coordinator, risk gate, and order manager. Live trading and backtests share it.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/coordinator"
	"github.com/coachpo/meltica-trader/internal/feed"
	"github.com/coachpo/meltica-trader/internal/indicator"
	"github.com/coachpo/meltica-trader/internal/market"
	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/order"
	"github.com/coachpo/meltica-trader/internal/risk"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
	"github.com/coachpo/meltica-trader/internal/telemetry"
)

// defaultMaxCascade bounds intent -> order event -> intent chains within one step.
const defaultMaxCascade = 256

// Parts are the collaborators a pipeline drives.
type Parts struct {
	Store       *market.Store
	Indicators  *indicator.Cache
	Coordinator *coordinator.Coordinator
	Gate        *risk.Gate
	Orders      *order.Manager
	// Feed is optional.
	Feed feed.Publisher
	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPivotTimeframe selects the candle timeframe used for pivot protective levels.
// By default the timeframe of the triggering observation is used.
func WithPivotTimeframe(tf string) Option {
	return func(p *Pipeline) { p.pivotTimeframe = tf }
}

// WithMaxCascade bounds follow-up intents produced by order events in one step.
func WithMaxCascade(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxCascade = n
		}
	}
}

// Outcome summarises one pipeline step.
type Outcome struct {
	Update    market.Update
	Intents   int
	Decisions []schema.Decision
	Events    []schema.OrderEvent
	Rejects   []feed.Reject
	// Faults are strategy faults; they never abort the step.
	Faults []error
	// Errors are order-path failures such as exhausted retries.
	Errors []error
}

func (o *Outcome) merge(other Outcome) {
	o.Intents += other.Intents
	o.Decisions = append(o.Decisions, other.Decisions...)
	o.Events = append(o.Events, other.Events...)
	o.Rejects = append(o.Rejects, other.Rejects...)
	o.Faults = append(o.Faults, other.Faults...)
	o.Errors = append(o.Errors, other.Errors...)
}

// Pipeline is the decision path. Process must not be called concurrently for
// the same instrument; risk evaluation and submission are serialized across
// instruments so exposure checks see every accepted order.
type Pipeline struct {
	parts          Parts
	pivotTimeframe string
	maxCascade     int

	decideMu sync.Mutex
}

// New validates parts and builds a pipeline.
func New(parts Parts, opts ...Option) (*Pipeline, error) {
	switch {
	case parts.Store == nil, parts.Indicators == nil, parts.Coordinator == nil, parts.Gate == nil, parts.Orders == nil:
		return nil, errs.New("pipeline", errs.CodeValidation, errs.WithMessage("store, indicators, coordinator, gate and orders are required"))
	}
	p := &Pipeline{parts: parts, maxCascade: defaultMaxCascade}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Parts returns the wired collaborators.
func (p *Pipeline) Parts() Parts { return p.parts }

// Process applies obs to the store, refreshes the breaker, dispatches to the
// bound units, and routes their intents through risk into orders.
func (p *Pipeline) Process(ctx context.Context, obs schema.Observation) (Outcome, error) {
	var start time.Time
	if p.parts.Metrics != nil {
		start = time.Now()
	}
	upd, err := p.parts.Store.Apply(obs)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Update: upd}
	p.parts.Metrics.Observation(ctx, obs.Instrument)
	p.parts.Indicators.Invalidate(obs.Instrument, upd.Version)
	if !upd.Latest {
		return out, nil
	}

	state := p.accountState(obs)
	if p.parts.Gate.Breaker().Observe(p.parts.Gate.Equity(state), obs.EventTime) {
		observability.Log().Error("drawdown breaker tripped",
			observability.Field{Key: "instrument", Value: obs.Instrument},
			observability.Field{Key: "equity", Value: p.parts.Gate.Equity(state).String()})
		p.publish(ctx, feed.Event{Kind: feed.KindHealth, Time: obs.EventTime, Health: "breaker_open"})
	}

	view := p.parts.Store.View(obs.Instrument)
	res := p.parts.Coordinator.Dispatch(ctx, strategy.Context{
		Observation: obs,
		Market:      view,
		Indicators:  p.parts.Indicators.For(view),
		Account:     state.Account,
		Lookup:      p.parts.Store.View,
	})
	out.Faults = append(out.Faults, res.Faults...)
	for _, fault := range res.Faults {
		observability.Log().Error("strategy fault",
			observability.Field{Key: "instrument", Value: obs.Instrument},
			observability.Field{Key: "error", Value: fault.Error()})
	}
	out.merge(p.execute(ctx, obs, res.Intents))
	if p.parts.Metrics != nil {
		p.parts.Metrics.DispatchDuration(ctx, obs.Instrument, time.Since(start))
	}
	return out, nil
}

// HandleReport folds an asynchronous venue report into the order manager and
// routes the resulting events back to the originating units.
func (p *Pipeline) HandleReport(ctx context.Context, report schema.Report) (Outcome, error) {
	events, err := p.parts.Orders.Apply(report)
	if err != nil {
		return Outcome{}, err
	}
	at := schema.Observation{Instrument: report.Instrument, EventTime: report.EventTime}
	return p.follow(ctx, at, events), nil
}

// Reconcile resyncs open orders with the venue and routes the resulting events.
func (p *Pipeline) Reconcile(ctx context.Context, at time.Time) (Outcome, error) {
	events, err := p.parts.Orders.Reconcile(ctx)
	out := p.follow(ctx, schema.Observation{EventTime: at}, events)
	return out, err
}

// FlattenAll trips the breaker, cancels working orders, and closes positions.
func (p *Pipeline) FlattenAll(ctx context.Context, at time.Time, reason string) (Outcome, error) {
	p.parts.Gate.Breaker().Trip(at, reason)
	p.decideMu.Lock()
	events, err := p.parts.Orders.FlattenAll(ctx)
	p.decideMu.Unlock()
	out := p.follow(ctx, schema.Observation{EventTime: at}, events)
	return out, err
}

func (p *Pipeline) follow(ctx context.Context, at schema.Observation, events []schema.OrderEvent) Outcome {
	var out Outcome
	out.Events = append(out.Events, events...)
	p.publishEvents(ctx, events)
	intents, faults := p.route(ctx, events)
	out.Faults = append(out.Faults, faults...)
	out.merge(p.execute(ctx, at, intents))
	return out
}

// execute evaluates intents in order, submits accepted ones, and feeds order
// events back to units until no follow-up intents remain.
func (p *Pipeline) execute(ctx context.Context, at schema.Observation, intents []schema.Intent) Outcome {
	var out Outcome
	queue := append([]schema.Intent(nil), intents...)
	for steps := 0; len(queue) > 0; steps++ {
		if steps >= p.maxCascade {
			out.Errors = append(out.Errors, errs.New("pipeline/execute", errs.CodeStrategy,
				errs.WithMessage("intent cascade limit reached"), errs.WithField("dropped", strconv.Itoa(len(queue)))))
			break
		}
		if err := ctx.Err(); err != nil {
			out.Errors = append(out.Errors, err)
			break
		}
		in := queue[0]
		queue = queue[1:]
		out.Intents++

		events, refused := p.decide(ctx, at, in, &out)
		if refused != nil {
			more, err := p.parts.Coordinator.OnReject(ctx, in, *refused, at.EventTime)
			if err != nil {
				out.Faults = append(out.Faults, err)
			}
			queue = append(queue, more...)
			continue
		}
		out.Events = append(out.Events, events...)
		p.publishEvents(ctx, events)
		more, faults := p.route(ctx, events)
		out.Faults = append(out.Faults, faults...)
		queue = append(queue, more...)
	}
	return out
}

// decide evaluates one intent. A non-nil decision is returned when the gate
// refused or deferred the intent; the caller hands it back to the unit.
func (p *Pipeline) decide(ctx context.Context, at schema.Observation, in schema.Intent, out *Outcome) ([]schema.OrderEvent, *schema.Decision) {
	p.decideMu.Lock()
	defer p.decideMu.Unlock()

	state := p.accountState(at)
	decision := p.parts.Gate.Evaluate(in, state, state.Account.Position(in.Instrument))
	out.Decisions = append(out.Decisions, decision)

	switch decision.Verdict {
	case schema.VerdictReject:
		p.reject(ctx, at, in, decision, out)
		return nil, &decision
	case schema.VerdictDefer:
		observability.Log().Debug("intent deferred",
			observability.Field{Key: "intent", Value: in.ID},
			observability.Field{Key: "detail", Value: decision.Detail})
		return nil, &decision
	}

	if in.Kind == schema.IntentCancel {
		res, err := p.parts.Orders.Cancel(ctx, in.CancelID)
		if err != nil && errs.CodeOf(err) != errs.CodeNotFound {
			out.Errors = append(out.Errors, err)
		}
		return res.Events, nil
	}

	_, events, err := p.parts.Orders.Submit(ctx, order.Plan{Intent: in, Decision: decision})
	if err != nil {
		observability.Log().Error("submit failed",
			observability.Field{Key: "intent", Value: in.ID},
			observability.Field{Key: "error", Value: err.Error()})
		out.Errors = append(out.Errors, err)
	}
	return events, nil
}

func (p *Pipeline) reject(ctx context.Context, at schema.Observation, in schema.Intent, d schema.Decision, out *Outcome) {
	rej := feed.Reject{
		StrategyID: in.StrategyID,
		IntentID:   in.ID,
		Instrument: in.Instrument,
		Reason:     d.Reason,
		Detail:     d.Detail,
		Decision:   d,
	}
	out.Rejects = append(out.Rejects, rej)
	p.parts.Metrics.Reject(ctx, in.StrategyID, string(d.Reason))
	observability.Log().Info("intent rejected",
		observability.Field{Key: "strategy", Value: in.StrategyID},
		observability.Field{Key: "intent", Value: in.ID},
		observability.Field{Key: "reason", Value: string(d.Reason)},
		observability.Field{Key: "detail", Value: d.Detail})
	p.publish(ctx, feed.Event{Kind: feed.KindReject, Time: at.EventTime, Reject: &rej})
}

// route hands events to the originating units and collects follow-up intents.
func (p *Pipeline) route(ctx context.Context, events []schema.OrderEvent) ([]schema.Intent, []error) {
	var intents []schema.Intent
	var faults []error
	for _, evt := range events {
		more, err := p.parts.Coordinator.OnOrderEvent(ctx, evt)
		if err != nil {
			faults = append(faults, err)
			continue
		}
		intents = append(intents, more...)
	}
	return intents, faults
}

func (p *Pipeline) publishEvents(ctx context.Context, events []schema.OrderEvent) {
	if p.parts.Feed == nil {
		return
	}
	for i := range events {
		evt := events[i]
		p.publish(ctx, feed.Event{Kind: feed.KindOrder, Time: evt.Time, Order: &evt})
		if evt.Fill != nil {
			pos := p.parts.Orders.Account().Position(evt.Fill.Instrument)
			p.publish(ctx, feed.Event{Kind: feed.KindPosition, Time: evt.Time, Position: &pos})
		}
	}
}

func (p *Pipeline) publish(ctx context.Context, evt feed.Event) {
	if p.parts.Feed == nil {
		return
	}
	if err := p.parts.Feed.Publish(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
		observability.Log().Debug("feed publish dropped",
			observability.Field{Key: "kind", Value: string(evt.Kind)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// accountState assembles the gate's view: the manager's account snapshot,
// marks for every held or observed instrument, resting notional, and pivots.
func (p *Pipeline) accountState(at schema.Observation) risk.AccountState {
	account := p.parts.Orders.Account()
	state := risk.AccountState{
		Account: account,
		Marks:   make(map[string]decimal.Decimal, len(account.Positions)+1),
		Pending: p.parts.Orders.PendingNotional(),
		Levels:  make(map[string]indicator.Levels, 1),
	}
	symbols := make([]string, 0, len(account.Positions)+1)
	for sym := range account.Positions {
		symbols = append(symbols, sym)
	}
	for _, sym := range p.parts.Coordinator.Instruments() {
		symbols = append(symbols, sym)
	}
	if at.Instrument != "" {
		symbols = append(symbols, at.Instrument)
	}
	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if seen[sym] {
			continue
		}
		seen[sym] = true
		view := p.parts.Store.View(sym)
		if mark := view.Mark(); mark.IsPositive() {
			state.Marks[sym] = mark
		}
		tf := p.pivotTimeframe
		if tf == "" {
			tf = at.Timeframe
		}
		if tf == "" {
			continue
		}
		if levels, ok := p.parts.Indicators.For(view).Pivots(tf); ok {
			state.Levels[sym] = levels
		}
	}
	return state
}
