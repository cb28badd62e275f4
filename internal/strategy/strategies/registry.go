package strategies

import "github.com/coachpo/meltica-trader/internal/strategy"

// Register binds every built-in kind on reg.
func Register(reg *strategy.Registry) {
	reg.Register(KindDCA, NewDCA)
	reg.Register(KindPivot, NewPivot)
	reg.Register(KindTrend, NewTrend)
	reg.Register(KindHeuristic, NewHeuristic)
	reg.Register(KindHedge, NewHedge)
	reg.Register(KindSweep, NewSweep)
	reg.Register(KindFibCascade, NewFibCascade)
	reg.Register(KindScript, NewScript)
}

// NewRegistry returns a registry preloaded with the built-in kinds.
func NewRegistry() *strategy.Registry {
	reg := strategy.NewRegistry()
	Register(reg)
	return reg
}
