package strategy

import (
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/meltica-trader/errs"
)

// Spec describes one strategy instance to build.
type Spec struct {
	ID         string `json:"id" yaml:"id"`
	Kind       string `json:"kind" yaml:"kind"`
	Instrument string `json:"instrument" yaml:"instrument"`
	Timeframe  string `json:"timeframe" yaml:"timeframe"`
	Params     Params `json:"params" yaml:"params"`
	// Session is mixed into intent ids so that client order ids derived
	// from them do not repeat across process restarts. Empty in backtests.
	Session string `json:"-" yaml:"-"`
}

// Factory builds a unit from a spec.
type Factory func(spec Spec) (Unit, error)

// Registry maps strategy kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds kind to factory, replacing any previous binding.
func (r *Registry) Register(kind string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(kind))
	if key == "" || factory == nil {
		return
	}
	r.mu.Lock()
	r.factories[key] = factory
	r.mu.Unlock()
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds a unit for spec.
func (r *Registry) New(spec Spec) (Unit, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, errs.New("strategy/registry", errs.CodeValidation, errs.WithMessage("strategy id required"))
	}
	if strings.TrimSpace(spec.Instrument) == "" {
		return nil, errs.New("strategy/registry", errs.CodeValidation,
			errs.WithMessage("instrument required"), errs.WithField("strategy", spec.ID))
	}
	key := strings.ToLower(strings.TrimSpace(spec.Kind))
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("strategy/registry", errs.CodeNotFound,
			errs.WithMessage("unknown strategy kind"), errs.WithField("kind", spec.Kind))
	}
	unit, err := factory(spec)
	if err != nil {
		return nil, errs.New("strategy/registry", errs.CodeValidation,
			errs.WithMessage("build strategy"), errs.WithField("strategy", spec.ID), errs.WithCause(err))
	}
	return unit, nil
}
