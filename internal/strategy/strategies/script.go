package strategies

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// KindScript is the registry kind of JavaScript-hosted strategies.
const KindScript = "script"

// ScriptConfig locates the module and its user config.
type ScriptConfig struct {
	Source string         `json:"source"`
	Path   string         `json:"path"`
	Config map[string]any `json:"config"`
	// Seed feeds Math.random so scripts replay identically.
	Seed int64 `json:"seed"`
	// TimeoutMS bounds one call by wall-clock time. It is a liveness guard,
	// not part of the decision: whether a slow call trips it depends on host
	// load, so a replay may fault where the original run did not.
	TimeoutMS int `json:"timeout_ms"`
	// MaxCallStack bounds call depth, which fails runaway recursion the same
	// way on every run.
	MaxCallStack int `json:"max_call_stack"`
}

// scriptIntent is the shape scripts return.
type scriptIntent struct {
	Side        schema.Side       `json:"side"`
	Kind        schema.IntentKind `json:"kind"`
	Quantity    decimal.Decimal   `json:"quantity"`
	RiskPercent decimal.Decimal   `json:"risk_percent"`
	OrderType   schema.OrderType  `json:"order_type"`
	LimitPrice  decimal.Decimal   `json:"limit_price"`
	StopPrice   decimal.Decimal   `json:"stop_price"`
	StopLoss    decimal.Decimal   `json:"stop_loss"`
	TakeProfit  decimal.Decimal   `json:"take_profit"`
	CancelID    string            `json:"cancel_id"`
	Tag         string            `json:"tag"`
}

// Script runs a CommonJS-style module exporting onObservation(ctx) and,
// optionally, onOrderEvent(evt). The runtime has no IO and a fixed clock.
type Script struct {
	strategy.Base
	cfg     ScriptConfig
	hash    string
	rt      *goja.Runtime
	exports *goja.Object
	now     time.Time
	calls   uint64
}

// NewScript compiles and instantiates a script unit.
func NewScript(spec strategy.Spec) (strategy.Unit, error) {
	cfg := ScriptConfig{TimeoutMS: 250, MaxCallStack: 1024}
	if err := spec.Params.Decode(&cfg); err != nil {
		return nil, err
	}
	source := cfg.Source
	name := spec.ID + ".js"
	if strings.TrimSpace(source) == "" {
		if cfg.Path == "" {
			return nil, fmt.Errorf("script: source or path required")
		}
		// #nosec G304 -- path comes from operator configuration.
		raw, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("script: read %q: %w", cfg.Path, err)
		}
		source = string(raw)
		name = cfg.Path
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("script: compile %q: %w", name, err)
	}
	s := &Script{Base: strategy.NewBase(KindScript, spec), cfg: cfg}
	sum := sha256.Sum256([]byte(source))
	s.hash = hex.EncodeToString(sum[:])

	s.rt = goja.New()
	if cfg.MaxCallStack > 0 {
		s.rt.SetMaxCallStackSize(cfg.MaxCallStack)
	}
	rng := rand.New(rand.NewSource(cfg.Seed)) // #nosec G404 -- replayable script randomness
	s.rt.SetRandSource(rng.Float64)
	s.rt.SetTimeSource(func() time.Time { return s.now })
	exports, err := runModule(s.rt, program, spec.ID)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", spec.ID, err)
	}
	if _, ok := goja.AssertFunction(exports.Get("onObservation")); !ok {
		return nil, fmt.Errorf("script %s: onObservation export missing", spec.ID)
	}
	s.exports = exports
	return s, nil
}

func runModule(rt *goja.Runtime, program *goja.Program, id string) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, id)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime, id string) *goja.Object {
	console := rt.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		observability.Log().Debug("script console",
			observability.Field{Key: "strategy", Value: id},
			observability.Field{Key: "message", Value: strings.Join(parts, " ")})
		return goja.Undefined()
	}
	_ = console.Set("log", logFn)
	_ = console.Set("error", logFn)
	_ = console.Set("warn", logFn)
	_ = console.Set("info", logFn)
	return console
}

// Configure replaces the user config handed to the script; the module is not reloaded.
func (s *Script) Configure(params strategy.Params) error {
	next := s.cfg
	if err := params.Decode(&next); err != nil {
		return err
	}
	if next.Source != s.cfg.Source || next.Path != s.cfg.Path {
		return fmt.Errorf("script: source changes require a restart")
	}
	s.cfg = next
	return nil
}

// OnObservation calls the script's onObservation export.
func (s *Script) OnObservation(ctx strategy.Context) ([]schema.Intent, error) {
	obs := ctx.Observation
	s.now = obs.EventTime
	payload := map[string]any{
		"instrument": obs.Instrument,
		"kind":       string(obs.Kind),
		"timeframe":  obs.Timeframe,
		"time":       obs.EventTime.UnixMilli(),
		"price":      obs.Price().InexactFloat64(),
		"config":     s.cfg.Config,
	}
	if obs.Candle != nil {
		payload["candle"] = map[string]any{
			"open":   obs.Candle.Open.InexactFloat64(),
			"high":   obs.Candle.High.InexactFloat64(),
			"low":    obs.Candle.Low.InexactFloat64(),
			"close":  obs.Candle.Close.InexactFloat64(),
			"volume": obs.Candle.Volume.InexactFloat64(),
			"closed": obs.Candle.Closed,
		}
	}
	pos := ctx.Account.Position(s.Instrument())
	payload["position"] = map[string]any{
		"size":      pos.Size.InexactFloat64(),
		"avg_entry": pos.AvgEntry.InexactFloat64(),
	}
	payload["equity"] = ctx.Account.Balance().InexactFloat64()
	ind := ctx.Indicators
	tf := obs.Timeframe
	payload["indicators"] = map[string]any{
		"sma": func(period int) any { return orNull(ind.SMA(tf, period)) },
		"ema": func(period int) any { return orNull(ind.EMA(tf, period)) },
		"rsi": func(period int) any { return orNull(ind.RSI(tf, period)) },
		"atr": func(period int) any { return orNull(ind.ATR(tf, period)) },
	}
	return s.call("onObservation", payload, obs.Ref())
}

// OnOrderEvent calls onOrderEvent when the script exports it.
func (s *Script) OnOrderEvent(evt schema.OrderEvent) ([]schema.Intent, error) {
	if _, ok := goja.AssertFunction(s.exports.Get("onOrderEvent")); !ok {
		return nil, nil
	}
	payload := map[string]any{
		"client_id": evt.Order.ClientID,
		"tag":       evt.Order.Tag,
		"side":      string(evt.Order.Side),
		"from":      string(evt.From),
		"to":        string(evt.To),
		"filled":    evt.Order.Filled.InexactFloat64(),
		"avg_price": evt.Order.AvgPrice.InexactFloat64(),
		"refused":   evt.Refused(),
		"reason":    string(evt.Reason),
	}
	if evt.Fill != nil {
		payload["fill"] = map[string]any{
			"quantity": evt.Fill.Quantity.InexactFloat64(),
			"price":    evt.Fill.Price.InexactFloat64(),
		}
	}
	return s.call("onOrderEvent", payload, schema.Ref{Instrument: evt.Order.Instrument, EventTime: evt.Time})
}

func orNull(v float64, ok bool) any {
	if !ok {
		return nil
	}
	return v
}

func (s *Script) call(name string, payload map[string]any, cause schema.Ref) ([]schema.Intent, error) {
	fn, ok := goja.AssertFunction(s.exports.Get(name))
	if !ok {
		return nil, fmt.Errorf("script %s: %s export missing", s.ID(), name)
	}
	s.calls++
	if s.cfg.TimeoutMS > 0 {
		timer := time.AfterFunc(time.Duration(s.cfg.TimeoutMS)*time.Millisecond, func() {
			observability.Log().Error("script call interrupted",
				observability.Field{Key: "strategy", Value: s.ID()},
				observability.Field{Key: "timeout_ms", Value: s.cfg.TimeoutMS})
			s.rt.Interrupt("script timeout")
		})
		defer func() {
			timer.Stop()
			s.rt.ClearInterrupt()
		}()
	}
	value, err := fn(goja.Undefined(), s.rt.ToValue(payload))
	if err != nil {
		return nil, fmt.Errorf("script %s: %s: %w", s.ID(), name, err)
	}
	return s.decode(value, cause)
}

func (s *Script) decode(value goja.Value, cause schema.Ref) ([]schema.Intent, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	raw, err := json.Marshal(value.Export())
	if err != nil {
		return nil, fmt.Errorf("script %s: encode result: %w", s.ID(), err)
	}
	var items []scriptIntent
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("script %s: result must be an array of intents: %w", s.ID(), err)
	}
	intents := make([]schema.Intent, 0, len(items))
	for _, item := range items {
		if item.Kind == schema.IntentCancel {
			intents = append(intents, s.Cancel(item.CancelID, cause))
			continue
		}
		in := s.Intent(item.Kind, item.Side, item.Quantity, cause)
		if item.OrderType != "" {
			in.OrderType = item.OrderType
		}
		in.LimitPrice = item.LimitPrice
		in.StopPrice = item.StopPrice
		in.StopLoss = item.StopLoss
		in.TakeProfit = item.TakeProfit
		in.Tag = item.Tag
		if item.RiskPercent.IsPositive() {
			in.Sizing.RiskPercent = item.RiskPercent.Div(hundred)
		}
		if err := in.Validate(); err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, nil
}

// DescribeState reports the module hash and call count.
func (s *Script) DescribeState() schema.StrategyState {
	return s.State(map[string]any{"hash": s.hash, "calls": s.calls})
}
