package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Breaker is the drawdown circuit breaker. It is driven by observation time,
// never the wall clock.
type Breaker struct {
	mu        sync.RWMutex
	threshold decimal.Decimal
	cooldown  time.Duration
	peak      decimal.Decimal
	open      bool
	openedAt  time.Time
	reason    string
}

// BreakerState is an inspection snapshot.
type BreakerState struct {
	Open     bool            `json:"open"`
	Peak     decimal.Decimal `json:"peak"`
	OpenedAt time.Time       `json:"opened_at"`
	Reason   string          `json:"reason,omitempty"`
}

// NewBreaker builds a breaker tripping at threshold drawdown (fraction). Zero threshold never trips on drawdown.
func NewBreaker(threshold decimal.Decimal, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Observe records equity at the given observation time and reports whether the breaker tripped on this call.
func (b *Breaker) Observe(equity decimal.Decimal, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		if b.cooldown > 0 && !at.Before(b.openedAt.Add(b.cooldown)) {
			b.open = false
			b.reason = ""
			b.peak = equity
		}
		return false
	}
	if equity.GreaterThan(b.peak) {
		b.peak = equity
	}
	if !b.threshold.IsPositive() || !b.peak.IsPositive() {
		return false
	}
	drawdown := b.peak.Sub(equity).Div(b.peak)
	if drawdown.GreaterThanOrEqual(b.threshold) {
		b.open = true
		b.openedAt = at
		b.reason = "drawdown " + drawdown.StringFixed(4)
		return true
	}
	return false
}

// Trip opens the breaker regardless of drawdown.
func (b *Breaker) Trip(at time.Time, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = true
	b.openedAt = at
	b.reason = reason
}

// Reset closes the breaker; the high-water mark restarts from the next observation.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.reason = ""
	b.peak = decimal.Zero
}

// Open reports whether opening intents are blocked.
func (b *Breaker) Open() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.open
}

// State returns an inspection snapshot.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerState{Open: b.open, Peak: b.peak, OpenedAt: b.openedAt, Reason: b.reason}
}
