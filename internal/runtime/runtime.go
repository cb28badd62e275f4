// Package runtime drives the decision pipeline from a live observation stream:
// one worker per instrument, a report pump, venue health handling, advisory
// file exchange, and configuration reload.
package runtime

import (
	"context"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/advisory"
	"github.com/coachpo/meltica-trader/internal/config"
	"github.com/coachpo/meltica-trader/internal/execution"
	"github.com/coachpo/meltica-trader/internal/feed"
	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/pipeline"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// ConfigSource tags overrides produced by a configuration reload.
const ConfigSource = "config"

const (
	defaultQueueSize     = 64
	defaultRetryInterval = time.Second
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLive subscribes the runtime to venue health. While the venue is degraded
// or disconnected no observation is dispatched; dispatch resumes only after a
// successful reconcile.
func WithLive(live *execution.Live) Option {
	return func(r *Runtime) { r.live = live }
}

// WithReports pumps asynchronous venue reports into the pipeline.
func WithReports(reports <-chan schema.Report) Option {
	return func(r *Runtime) { r.reports = reports }
}

// WithBeforeProcess runs fn ahead of every pipeline step, e.g. to let a paper
// venue match resting orders against the new price.
func WithBeforeProcess(fn func(context.Context, schema.Observation) error) Option {
	return func(r *Runtime) { r.before = fn }
}

// WithResync registers the market data collaborator's resync request. It is
// called when an observation is refused as inconsistent with stored state.
func WithResync(fn func()) Option {
	return func(r *Runtime) { r.resync = fn }
}

// WithAdvisory enables the snapshot writer and the directive poller. Either may be nil.
func WithAdvisory(writer *advisory.Writer, poller *advisory.Poller) Option {
	return func(r *Runtime) {
		r.writer = writer
		r.poller = poller
	}
}

// WithConfigUpdates applies reloaded configs relative to current.
func WithConfigUpdates(current config.AppConfig, updates <-chan config.AppConfig) Option {
	return func(r *Runtime) {
		r.current = current
		r.updates = updates
	}
}

// WithClock overrides the wall clock used for reconcile and flatten timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithQueueSize bounds each instrument's pending observations.
func WithQueueSize(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithRetryInterval sets how often a held runtime retries reconciliation.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.retry = d
		}
	}
}

// Runtime owns the goroutines around a pipeline.
type Runtime struct {
	pipe    *pipeline.Pipeline
	source  <-chan schema.Observation
	live    *execution.Live
	reports <-chan schema.Report
	before  func(context.Context, schema.Observation) error
	resync  func()
	writer  *advisory.Writer
	poller  *advisory.Poller
	updates <-chan config.AppConfig
	current config.AppConfig

	now       func() time.Time
	queueSize int
	retry     time.Duration

	gate        *gate
	batch       atomic.Uint64
	health      chan execution.Health
	reconnected chan struct{}
	feedState   chan bool
}

// New builds a runtime reading observations from source.
func New(pipe *pipeline.Pipeline, source <-chan schema.Observation, opts ...Option) (*Runtime, error) {
	if pipe == nil || source == nil {
		return nil, errs.New("runtime", errs.CodeValidation, errs.WithMessage("pipeline and source are required"))
	}
	r := &Runtime{
		pipe:        pipe,
		source:      source,
		now:         time.Now,
		queueSize:   defaultQueueSize,
		retry:       defaultRetryInterval,
		gate:        newGate(),
		health:      make(chan execution.Health, 4),
		reconnected: make(chan struct{}, 1),
		feedState:   make(chan bool, 4),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.live != nil {
		r.live.OnHealth(r.onHealth)
		r.live.OnReconnect(r.onReconnect)
		if r.live.Health() != execution.HealthConnected {
			r.gate.hold()
		}
	}
	return r, nil
}

// Held reports whether dispatch is suspended awaiting reconciliation.
func (r *Runtime) Held() bool { return r.gate.held() }

// Batch returns the number of observations dispatched so far.
func (r *Runtime) Batch() uint64 { return r.batch.Load() }

// FeedState records observation stream connectivity for subscribers.
func (r *Runtime) FeedState(connected bool) {
	select {
	case r.feedState <- connected:
	default:
	}
}

// FlattenAll cancels every open order and closes every position.
func (r *Runtime) FlattenAll(ctx context.Context, reason string) (pipeline.Outcome, error) {
	observability.Log().Error("flatten all requested", observability.Field{Key: "reason", Value: reason})
	return r.pipe.FlattenAll(ctx, r.now(), reason)
}

// Run dispatches until ctx is done or the source closes. Queued observations
// are drained when the source closes.
func (r *Runtime) Run(ctx context.Context) error {
	auxCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var aux conc.WaitGroup
	aux.Go(func() { r.supervise(auxCtx) })
	if r.reports != nil {
		aux.Go(func() { r.pumpReports(auxCtx) })
	}
	if r.poller != nil {
		aux.Go(func() { r.poller.Run(auxCtx, r.applyDirectives) })
	}

	var workers conc.WaitGroup
	r.route(ctx, &workers)
	workers.Wait()
	cancel()
	aux.Wait()
	return nil
}

func (r *Runtime) route(ctx context.Context, workers *conc.WaitGroup) {
	queues := make(map[string]chan schema.Observation)
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-r.source:
			if !ok {
				return
			}
			q, exists := queues[obs.Instrument]
			if !exists {
				q = make(chan schema.Observation, r.queueSize)
				queues[obs.Instrument] = q
				workers.Go(func() { r.work(ctx, q) })
			}
			select {
			case <-ctx.Done():
				return
			case q <- obs:
			}
		}
	}
}

func (r *Runtime) work(ctx context.Context, queue <-chan schema.Observation) {
	for obs := range queue {
		select {
		case <-ctx.Done():
			return
		case <-r.gate.wait():
		}
		r.step(ctx, obs)
	}
}

func (r *Runtime) step(ctx context.Context, obs schema.Observation) {
	if r.before != nil {
		if err := r.before(ctx, obs); err != nil {
			observability.Log().Error("pre-process hook failed",
				observability.Field{Key: "instrument", Value: obs.Instrument},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
	out, err := r.pipe.Process(ctx, obs)
	if err != nil {
		observability.Log().Error("observation rejected",
			observability.Field{Key: "instrument", Value: obs.Instrument},
			observability.Field{Key: "error", Value: err.Error()})
		if errs.CodeOf(err) == errs.CodeData {
			r.requestResync(obs.Instrument)
		}
		return
	}
	logOutcome("observation", out)
	if !out.Update.Latest {
		return
	}
	batch := r.batch.Add(1)
	r.snapshot(batch, obs.EventTime)
}

func (r *Runtime) snapshot(batch uint64, asOf time.Time) {
	if r.writer == nil {
		return
	}
	parts := r.pipe.Parts()
	account := parts.Orders.Account()
	symbols := make([]string, 0, len(account.Positions))
	for sym := range account.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	positions := make([]schema.Position, 0, len(symbols))
	for _, sym := range symbols {
		positions = append(positions, account.Positions[sym])
	}
	snap := advisory.Snapshot{
		Batch:      batch,
		AsOf:       asOf,
		Strategies: parts.Coordinator.States(),
		Positions:  positions,
		Breaker:    parts.Gate.Breaker().State(),
	}
	if _, err := r.writer.Write(snap); err != nil {
		observability.Log().Error("advisory snapshot failed", observability.Field{Key: "error", Value: err.Error()})
	}
}

func (r *Runtime) pumpReports(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case report, ok := <-r.reports:
			if !ok {
				return
			}
			out, err := r.pipe.HandleReport(ctx, report)
			if err != nil {
				observability.Log().Error("venue report rejected",
					observability.Field{Key: "client_id", Value: report.ClientID},
					observability.Field{Key: "error", Value: err.Error()})
				continue
			}
			logOutcome("report", out)
		}
	}
}

// requestResync asks the market data collaborator for a fresh snapshot and
// queues a reconcile so order state is refreshed alongside it.
func (r *Runtime) requestResync(instrument string) {
	observability.Log().Info("resync requested", observability.Field{Key: "instrument", Value: instrument})
	if r.resync != nil {
		r.resync()
	}
	select {
	case r.reconnected <- struct{}{}:
	default:
	}
}

func (r *Runtime) onHealth(h execution.Health) {
	if h != execution.HealthConnected && r.gate.hold() {
		observability.Log().Error("dispatch held", observability.Field{Key: "venue", Value: string(h)})
	}
	select {
	case r.health <- h:
	default:
	}
}

func (r *Runtime) onReconnect(context.Context) {
	select {
	case r.reconnected <- struct{}{}:
	default:
	}
}

func (r *Runtime) supervise(ctx context.Context) {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-r.health:
			r.publishHealth(ctx, "venue_"+string(h))
		case <-r.reconnected:
			r.resume(ctx)
		case <-ticker.C:
			if r.gate.held() {
				r.resume(ctx)
			}
		case up := <-r.feedState:
			state := "feed_down"
			if up {
				state = "feed_up"
			}
			r.publishHealth(ctx, state)
		case next, ok := <-r.updates:
			if !ok {
				r.updates = nil
				continue
			}
			r.reload(next)
		}
	}
}

// resume reconciles against the venue and reopens the gate on success.
func (r *Runtime) resume(ctx context.Context) {
	out, err := r.pipe.Reconcile(ctx, r.now())
	if err != nil {
		observability.Log().Error("reconcile failed",
			observability.Field{Key: "held", Value: r.gate.held()},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	logOutcome("reconcile", out)
	// a successful reconcile may itself flip the venue to connected; that
	// reconnect is already covered
	select {
	case <-r.reconnected:
	default:
	}
	if r.gate.release() {
		observability.Log().Info("dispatch resumed", observability.Field{Key: "events", Value: len(out.Events)})
		r.publishHealth(ctx, "dispatch_resumed")
	}
}

func (r *Runtime) publishHealth(ctx context.Context, state string) {
	publisher := r.pipe.Parts().Feed
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, feed.Event{Kind: feed.KindHealth, Time: r.now(), Health: state}); err != nil {
		observability.Log().Debug("health publish failed", observability.Field{Key: "error", Value: err.Error()})
	}
}

func (r *Runtime) applyDirectives(directives []advisory.Directive) {
	coord := r.pipe.Parts().Coordinator
	for _, d := range directives {
		coord.Enqueue(d.Override())
	}
}

func (r *Runtime) reload(next config.AppConfig) {
	coord := r.pipe.Parts().Coordinator
	changes, restart := config.Diff(r.current, next)
	for _, c := range changes {
		if c.Params != nil {
			coord.ApplyParams(c.StrategyID, c.Params, ConfigSource)
		}
		if c.Enabled != nil {
			action := strategy.OverrideDisable
			if *c.Enabled {
				action = strategy.OverrideEnable
			}
			coord.Enqueue(strategy.Override{Target: c.StrategyID, Action: action, Source: ConfigSource})
		}
	}
	if len(restart) > 0 {
		observability.Log().Error("strategy changes need a restart", observability.Field{Key: "strategies", Value: restart})
	}
	if !reflect.DeepEqual(r.current.Risk, next.Risk) || !reflect.DeepEqual(r.current.Orders, next.Orders) {
		observability.Log().Error("risk and order settings need a restart")
	}
	observability.Log().Info("config reloaded", observability.Field{Key: "changes", Value: len(changes)})
	r.current = next
}

func logOutcome(stage string, out pipeline.Outcome) {
	for _, err := range out.Errors {
		observability.Log().Error("order path failure",
			observability.Field{Key: "stage", Value: stage},
			observability.Field{Key: "error", Value: err.Error()})
	}
	if len(out.Events) > 0 || len(out.Rejects) > 0 {
		observability.Log().Debug("pipeline step",
			observability.Field{Key: "stage", Value: stage},
			observability.Field{Key: "events", Value: len(out.Events)},
			observability.Field{Key: "rejects", Value: len(out.Rejects)})
	}
}
