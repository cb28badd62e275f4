package config

import (
	"fmt"
	"reflect"

	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
	"github.com/coachpo/meltica-trader/internal/telemetry"
)

// SchemaInstruments returns the declared instruments in file order.
func (c AppConfig) SchemaInstruments() []schema.Instrument {
	out := make([]schema.Instrument, len(c.Instruments))
	for i, inst := range c.Instruments {
		out[i] = inst.Instrument()
	}
	return out
}

// Spec converts a strategy entry into a registry spec.
func (s StrategyConfig) Spec() strategy.Spec {
	return strategy.Spec{
		ID:         s.ID,
		Kind:       s.Kind,
		Instrument: s.Instrument,
		Timeframe:  s.Timeframe,
		Params:     strategy.Params(s.Params),
	}
}

// BuildUnits instantiates every declared strategy in file order and returns
// the ids of those configured as disabled.
func (c AppConfig) BuildUnits(reg *strategy.Registry, session string) ([]strategy.Unit, []string, error) {
	units := make([]strategy.Unit, 0, len(c.Strategies))
	var disabled []string
	for _, s := range c.Strategies {
		spec := s.Spec()
		spec.Session = session
		unit, err := reg.New(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("strategy %s: %w", s.ID, err)
		}
		units = append(units, unit)
		if !s.IsEnabled() {
			disabled = append(disabled, s.ID)
		}
	}
	return units, disabled, nil
}

// TelemetryConfig overlays the file's telemetry section on base, usually telemetry.DefaultConfig().
func (c AppConfig) TelemetryConfig(base telemetry.Config) telemetry.Config {
	out := base
	if c.Telemetry.OTLPEndpoint != "" {
		out.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	out.ServiceName = c.Telemetry.ServiceName
	out.OTLPInsecure = out.OTLPInsecure || c.Telemetry.OTLPInsecure
	out.EnableMetrics = c.Telemetry.EnableMetrics
	out.Enabled = out.Enabled || c.Telemetry.EnableMetrics
	out.Environment = string(c.Environment)
	return out
}

// Change is one strategy difference a running coordinator can absorb.
type Change struct {
	StrategyID string
	// Params is set when the parameters changed.
	Params strategy.Params
	// Enabled is set when the enabled flag changed.
	Enabled *bool
}

// Diff compares two configs. Changes lists updates applied in place;
// restart lists strategy ids whose change needs a restart (added, removed,
// or rebound to another kind, instrument, or timeframe).
func Diff(prev, next AppConfig) (changes []Change, restart []string) {
	before := make(map[string]StrategyConfig, len(prev.Strategies))
	for _, s := range prev.Strategies {
		before[s.ID] = s
	}
	seen := make(map[string]bool, len(next.Strategies))
	for _, s := range next.Strategies {
		seen[s.ID] = true
		old, ok := before[s.ID]
		if !ok || old.Kind != s.Kind || old.Instrument != s.Instrument || old.Timeframe != s.Timeframe {
			restart = append(restart, s.ID)
			continue
		}
		change := Change{StrategyID: s.ID}
		if !reflect.DeepEqual(old.Params, s.Params) {
			change.Params = strategy.Params(s.Params)
			if change.Params == nil {
				change.Params = strategy.Params{}
			}
		}
		if old.IsEnabled() != s.IsEnabled() {
			enabled := s.IsEnabled()
			change.Enabled = &enabled
		}
		if change.Params != nil || change.Enabled != nil {
			changes = append(changes, change)
		}
	}
	for _, s := range prev.Strategies {
		if !seen[s.ID] {
			restart = append(restart, s.ID)
		}
	}
	return changes, restart
}
