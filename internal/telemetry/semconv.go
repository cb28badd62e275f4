package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for trader telemetry, following OpenTelemetry naming conventions.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrInstrument  = attribute.Key("instrument")
	AttrStrategy    = attribute.Key("strategy")
	AttrReason      = attribute.Key("reason")
	AttrOrderState  = attribute.Key("order.state")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrHealth      = attribute.Key("venue.health")
)

// Instrument names.
const (
	MetricObservations     = "trader.observations"
	MetricIntents          = "trader.intents"
	MetricRiskRejects      = "trader.risk.rejects"
	MetricOrderTransitions = "trader.orders.transitions"
	MetricFills            = "trader.fills"
	MetricStrategyFaults   = "trader.strategy.faults"
	MetricSubmitRetries    = "trader.submit.retries"
	MetricDispatchDuration = "trader.dispatch.duration"
	MetricSubmitDuration   = "trader.submit.duration"
	MetricVenueHealth      = "trader.venue.health_changes"
)

// InstrumentAttributes labels per-instrument metrics.
func InstrumentAttributes(environment, instrument string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstrument.String(instrument),
	}
}

// StrategyAttributes labels per-strategy metrics.
func StrategyAttributes(environment, strategy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
	}
}

// RejectAttributes labels risk rejects by reason code.
func RejectAttributes(environment, strategy, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
		AttrReason.String(reason),
	}
}

// OperationResultAttributes labels an operation outcome.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
