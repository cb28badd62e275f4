// Package strategy defines the capability contract shared by every strategy unit.
package strategy

import (
	"github.com/coachpo/meltica-trader/internal/indicator"
	"github.com/coachpo/meltica-trader/internal/market"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// Context is the read-only input of one dispatch cycle.
type Context struct {
	Observation schema.Observation
	Market      market.View
	Indicators  indicator.View
	Account     schema.AccountSnapshot
	// Lookup returns views of other instruments, for units that watch more than one.
	Lookup func(instrument string) market.View
}

// ClosedCandle returns the observation's candle when it is a closed bar of timeframe.
func (c Context) ClosedCandle(timeframe string) (schema.Candle, bool) {
	obs := c.Observation
	if obs.Kind != schema.ObservationCandle || obs.Candle == nil || !obs.Candle.Closed {
		return schema.Candle{}, false
	}
	if timeframe != "" && obs.Timeframe != timeframe {
		return schema.Candle{}, false
	}
	return *obs.Candle, true
}

// Unit is one configured strategy instance.
//
// Units own their state exclusively; the coordinator calls them from a single
// goroutine per dispatch cycle.
type Unit interface {
	ID() string
	Kind() string
	Instrument() string
	OnObservation(ctx Context) ([]schema.Intent, error)
	// OnOrderEvent also receives intents refused by the risk gate as
	// terminal REJECTED events without a client id (see OrderEvent.Refused).
	OnOrderEvent(evt schema.OrderEvent) ([]schema.Intent, error)
	// Configure stages new parameters. Units apply them without resetting in-flight state.
	Configure(params Params) error
	DescribeState() schema.StrategyState
}

// Watcher is implemented by units that also need observations of other instruments.
type Watcher interface {
	Watches() []string
}

// OverrideAction enumerates configuration overrides.
type OverrideAction string

const (
	// OverrideEnable activates a unit.
	OverrideEnable OverrideAction = "enable"
	// OverrideDisable deactivates a unit.
	OverrideDisable OverrideAction = "disable"
	// OverrideParams reparametrizes a unit.
	OverrideParams OverrideAction = "params"
	// OverridePause pauses a unit until resumed.
	OverridePause OverrideAction = "pause"
	// OverrideResume lifts a pause.
	OverrideResume OverrideAction = "resume"
)

// Override is a configuration-override event routed through the coordinator.
type Override struct {
	Target string         `json:"target"`
	Action OverrideAction `json:"action"`
	Params Params         `json:"params,omitempty"`
	Source string         `json:"source"`
}

// MetaUnit emits overrides instead of intents.
type MetaUnit interface {
	Unit
	// Overrides drains the overrides produced by the last observation.
	Overrides() []Override
}
