// Package advisory exchanges files with an external advisory process: a
// read-only snapshot of strategy state going out, and versioned
// pause/resume/parameter directives coming in. Directives only reach the
// coordinator's override queue; nothing here can place an order.
package advisory

import (
	"time"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/risk"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy"
)

// Source tags overrides that arrive through the advisory channel.
const Source = "advisory"

// Snapshot is the outgoing state file.
type Snapshot struct {
	// Batch increases with every dispatch batch; a batch is written at most once.
	Batch      uint64                 `json:"batch"`
	AsOf       time.Time              `json:"as_of"`
	Strategies []schema.StrategyState `json:"strategies"`
	Positions  []schema.Position      `json:"positions"`
	Breaker    risk.BreakerState      `json:"breaker"`
}

// Action names what a directive asks for.
type Action string

const (
	// ActionPause soft-pauses a strategy: it stops opening exposure.
	ActionPause Action = "pause"
	// ActionResume lifts a pause.
	ActionResume Action = "resume"
	// ActionParams stages new parameters.
	ActionParams Action = "params"
)

// Directive is one request from the advisory process.
type Directive struct {
	StrategyID string          `json:"strategy_id"`
	Action     Action          `json:"action"`
	Params     strategy.Params `json:"params,omitempty"`
}

// Validate rejects unknown actions and empty targets.
func (d Directive) Validate() error {
	if d.StrategyID == "" {
		return errs.New("advisory/directive", errs.CodeValidation, errs.WithMessage("strategy_id required"))
	}
	switch d.Action {
	case ActionPause, ActionResume:
		return nil
	case ActionParams:
		if len(d.Params) == 0 {
			return errs.New("advisory/directive", errs.CodeValidation,
				errs.WithMessage("params directive without params"), errs.WithField("strategy", d.StrategyID))
		}
		return nil
	default:
		return errs.New("advisory/directive", errs.CodeValidation,
			errs.WithMessage("unsupported action"), errs.WithField("action", string(d.Action)))
	}
}

// Override converts the directive into a coordinator override.
func (d Directive) Override() strategy.Override {
	o := strategy.Override{Target: d.StrategyID, Source: Source}
	switch d.Action {
	case ActionPause:
		o.Action = strategy.OverridePause
	case ActionResume:
		o.Action = strategy.OverrideResume
	case ActionParams:
		o.Action = strategy.OverrideParams
		o.Params = d.Params
	}
	return o
}

// Overrides is the incoming directives file.
type Overrides struct {
	Version    uint64      `json:"version"`
	Directives []Directive `json:"directives"`
}
