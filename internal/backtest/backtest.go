package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/coordinator"
	"github.com/coachpo/meltica-trader/internal/feed"
	"github.com/coachpo/meltica-trader/internal/indicator"
	"github.com/coachpo/meltica-trader/internal/market"
	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/order"
	"github.com/coachpo/meltica-trader/internal/pipeline"
	"github.com/coachpo/meltica-trader/internal/risk"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
	"github.com/coachpo/meltica-trader/internal/telemetry"
)

// DefaultAnnualization scales per-observation Sharpe ratios of hourly bars.
const DefaultAnnualization = 365 * 24

// Setup is the full configuration of one run.
type Setup struct {
	Capital     decimal.Decimal
	FeeRate     decimal.Decimal
	SlippageBPS decimal.Decimal
	// Annualization multiplies the per-observation Sharpe ratio by its square root.
	Annualization float64
	// Timeframe restricts order matching to candles of one timeframe.
	Timeframe   string
	Instruments []schema.Instrument
	Units       []strategy.Unit
	Disabled    []string
	Limits      risk.Limits
}

type engineConfig struct {
	feed           feed.Publisher
	metrics        *telemetry.Metrics
	faultLimit     int
	pivotTimeframe string
	storeDepth     int
}

// EngineOption configures optional engine behaviour.
type EngineOption func(*engineConfig)

// WithFeed publishes order, position, reject, and report events to p.
func WithFeed(p feed.Publisher) EngineOption {
	return func(cfg *engineConfig) { cfg.feed = p }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(cfg *engineConfig) { cfg.metrics = m }
}

// WithFaultLimit overrides the consecutive strategy faults tolerated before disabling a unit.
func WithFaultLimit(n int) EngineOption {
	return func(cfg *engineConfig) { cfg.faultLimit = n }
}

// WithPivotTimeframe selects the candle timeframe used for pivot protective levels.
func WithPivotTimeframe(tf string) EngineOption {
	return func(cfg *engineConfig) { cfg.pivotTimeframe = tf }
}

// WithStoreDepth bounds the candles retained per instrument and timeframe.
func WithStoreDepth(n int) EngineOption {
	return func(cfg *engineConfig) { cfg.storeDepth = n }
}

// Engine replays observations through the decision pipeline.
type Engine struct {
	clock         *VirtualClock
	source        *merger
	exchange      *SimulatedExchange
	pipe          *pipeline.Pipeline
	analytics     *Analytics
	feed          feed.Publisher
	annualization float64
	ran           bool
}

// NewEngine wires a store, indicator cache, coordinator, risk gate, simulated
// exchange, and order manager into a pipeline fed by feeders.
func NewEngine(setup Setup, feeders []DataFeeder, opts ...EngineOption) (*Engine, error) {
	cfg := engineConfig{faultLimit: coordinator.DefaultFaultLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if !setup.Capital.IsPositive() {
		return nil, errs.New("backtest", errs.CodeValidation, errs.WithMessage("initial capital must be positive"))
	}
	if len(feeders) == 0 {
		return nil, errs.New("backtest", errs.CodeValidation, errs.WithMessage("at least one feeder required"))
	}
	annualization := setup.Annualization
	if annualization <= 0 {
		annualization = DefaultAnnualization
	}

	clock := NewVirtualClock(time.Unix(0, 0).UTC())
	exchange := NewSimulatedExchange(setup.Capital, setup.Instruments,
		ProportionalFee{Rate: setup.FeeRate}, BasisPointSlippage{BPS: setup.SlippageBPS}, setup.Timeframe)

	gate, err := risk.NewGate(setup.Limits, setup.Instruments)
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.New(setup.Units,
		coordinator.WithFaultLimit(cfg.faultLimit),
		coordinator.WithMetrics(cfg.metrics),
		coordinator.WithDisabled(setup.Disabled...))
	if err != nil {
		return nil, err
	}
	var storeOpts []market.Option
	if cfg.storeDepth > 0 {
		storeOpts = append(storeOpts, market.WithDepth(cfg.storeDepth))
	}
	manager := order.NewManager(exchange, setup.Instruments, setup.Capital,
		order.WithClock(clock.Now),
		order.WithMetrics(cfg.metrics))
	pipe, err := pipeline.New(pipeline.Parts{
		Store:       market.NewStore(storeOpts...),
		Indicators:  indicator.NewCache(),
		Coordinator: coord,
		Gate:        gate,
		Orders:      manager,
		Feed:        cfg.feed,
		Metrics:     cfg.metrics,
	}, pipeline.WithPivotTimeframe(cfg.pivotTimeframe))
	if err != nil {
		return nil, err
	}
	e := &Engine{
		clock:         clock,
		source:        newMerger(feeders),
		exchange:      exchange,
		pipe:          pipe,
		analytics:     newAnalytics(setup.Capital, setup.Instruments),
		feed:          cfg.feed,
		annualization: annualization,
	}
	manager.Subscribe(e.recordOrderEvent)
	return e, nil
}

// Pipeline exposes the wired decision path.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipe }

// Run replays every observation once and returns the report. Working orders
// are matched against each observation before units see it.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	if e.ran {
		return Report{}, errs.New("backtest", errs.CodeConflict, errs.WithMessage("engine already ran"))
	}
	e.ran = true
	for {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		obs, err := e.source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Report{}, fmt.Errorf("backtest feed: %w", err)
		}
		if err := e.step(ctx, obs); err != nil {
			return Report{}, err
		}
	}
	report := e.analytics.report(e.annualization)
	if e.feed != nil {
		evt, err := feed.ReportEvent(e.clock.Now(), report)
		if err != nil {
			return report, err
		}
		if err := e.feed.Publish(ctx, evt); err != nil {
			observability.Log().Debug("report publish dropped", observability.Field{Key: "error", Value: err.Error()})
		}
	}
	return report, nil
}

func (e *Engine) step(ctx context.Context, obs schema.Observation) error {
	if !e.clock.AdvanceTo(obs.EventTime) {
		e.analytics.skipped++
		observability.Log().Debug("skipping observation behind the clock",
			observability.Field{Key: "instrument", Value: obs.Instrument},
			observability.Field{Key: "event_time", Value: obs.EventTime})
		return nil
	}
	for _, report := range e.exchange.Match(obs) {
		out, err := e.pipe.HandleReport(ctx, report)
		if err != nil {
			return err
		}
		e.collect(obs.EventTime, out)
	}
	out, err := e.pipe.Process(ctx, obs)
	switch {
	case err == nil:
		e.collect(obs.EventTime, out)
	case errs.CodeOf(err) == errs.CodeValidation, errs.CodeOf(err) == errs.CodeData:
		e.analytics.skipped++
		observability.Log().Debug("skipping malformed observation",
			observability.Field{Key: "instrument", Value: obs.Instrument},
			observability.Field{Key: "error", Value: err.Error()})
		return nil
	default:
		return err
	}
	e.analytics.recordEquity(obs.EventTime, e.equity())
	return nil
}

// recordOrderEvent counts orders and fills as the manager applies them.
func (e *Engine) recordOrderEvent(evt schema.OrderEvent) {
	if evt.To == schema.OrderPendingSubmit {
		e.analytics.recordOrder()
	}
	if evt.Fill != nil {
		e.analytics.recordFill(*evt.Fill)
	}
	if evt.To == schema.OrderRejected {
		e.analytics.recordReject(evt.Time, feed.Reject{
			StrategyID: evt.Order.StrategyID,
			IntentID:   evt.Order.IntentID,
			Instrument: evt.Order.Instrument,
			Reason:     evt.Reason,
			Detail:     "rejected by venue",
		})
	}
}

func (e *Engine) collect(at time.Time, out pipeline.Outcome) {
	for _, r := range out.Rejects {
		e.analytics.recordReject(at, r)
	}
	e.analytics.faults += len(out.Faults)
	for _, err := range out.Errors {
		observability.Log().Error("backtest order path error", observability.Field{Key: "error", Value: err.Error()})
	}
}

func (e *Engine) equity() decimal.Decimal {
	parts := e.pipe.Parts()
	account := parts.Orders.Account()
	marks := make(map[string]decimal.Decimal, len(account.Positions))
	for sym := range account.Positions {
		marks[sym] = parts.Store.View(sym).Mark()
	}
	return parts.Gate.Equity(risk.AccountState{Account: account, Marks: marks})
}
