package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/coachpo/meltica-trader"

// Metrics bundles the trader's instruments. A nil *Metrics records nothing.
type Metrics struct {
	observations metric.Int64Counter
	intents      metric.Int64Counter
	rejects      metric.Int64Counter
	transitions  metric.Int64Counter
	fills        metric.Int64Counter
	faults       metric.Int64Counter
	retries      metric.Int64Counter
	health       metric.Int64Counter
	dispatch     metric.Float64Histogram
	submit       metric.Float64Histogram
}

// NewMetrics creates the instruments on meter, or on the global meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
		unit   string
	}{
		{&m.observations, MetricObservations, "Observations dispatched", "{observation}"},
		{&m.intents, MetricIntents, "Trade intents emitted by strategies", "{intent}"},
		{&m.rejects, MetricRiskRejects, "Intents rejected by the risk gate", "{intent}"},
		{&m.transitions, MetricOrderTransitions, "Order state transitions", "{transition}"},
		{&m.fills, MetricFills, "Fills applied to positions", "{fill}"},
		{&m.faults, MetricStrategyFaults, "Strategy faults caught by the coordinator", "{fault}"},
		{&m.retries, MetricSubmitRetries, "Order submissions retried after transient faults", "{retry}"},
		{&m.health, MetricVenueHealth, "Venue health transitions", "{transition}"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}
	m.dispatch, err = meter.Float64Histogram(MetricDispatchDuration,
		metric.WithDescription("Strategy dispatch duration per observation"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	m.submit, err = meter.Float64Histogram(MetricSubmitDuration,
		metric.WithDescription("Order submission round trip"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func attrs(kv []attribute.KeyValue) metric.AddOption {
	return metric.WithAttributes(kv...)
}

// Observation counts a dispatched observation.
func (m *Metrics) Observation(ctx context.Context, instrument string) {
	if m == nil {
		return
	}
	m.observations.Add(ctx, 1, attrs(InstrumentAttributes(Environment(), instrument)))
}

// Intents counts intents emitted by a strategy.
func (m *Metrics) Intents(ctx context.Context, strategy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.intents.Add(ctx, int64(n), attrs(StrategyAttributes(Environment(), strategy)))
}

// Reject counts a risk reject by reason code.
func (m *Metrics) Reject(ctx context.Context, strategy, reason string) {
	if m == nil {
		return
	}
	m.rejects.Add(ctx, 1, attrs(RejectAttributes(Environment(), strategy, reason)))
}

// Transition counts an order entering state.
func (m *Metrics) Transition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment()), AttrOrderState.String(state)))
}

// Fill counts a fill on instrument.
func (m *Metrics) Fill(ctx context.Context, instrument string) {
	if m == nil {
		return
	}
	m.fills.Add(ctx, 1, attrs(InstrumentAttributes(Environment(), instrument)))
}

// Fault counts a strategy fault.
func (m *Metrics) Fault(ctx context.Context, strategy string) {
	if m == nil {
		return
	}
	m.faults.Add(ctx, 1, attrs(StrategyAttributes(Environment(), strategy)))
}

// Retry counts a retried operation.
func (m *Metrics) Retry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, attrs(OperationResultAttributes(Environment(), operation, "retry")))
}

// Health counts a venue health transition.
func (m *Metrics) Health(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.health.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment()), AttrHealth.String(state)))
}

// DispatchDuration records how long one observation took to dispatch.
func (m *Metrics) DispatchDuration(ctx context.Context, instrument string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(InstrumentAttributes(Environment(), instrument)...))
}

// SubmitDuration records an order submission round trip.
func (m *Metrics) SubmitDuration(ctx context.Context, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.submit.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(OperationResultAttributes(Environment(), "submit", result)...))
}
