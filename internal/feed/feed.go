// Package feed publishes order transitions, position updates, risk rejects,
// and performance reports to reporting subscribers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// Kind enumerates feed event categories.
type Kind string

const (
	// KindOrder carries an order transition.
	KindOrder Kind = "order"
	// KindPosition carries a position after a fill.
	KindPosition Kind = "position"
	// KindReject carries a risk reject or a venue rejection.
	KindReject Kind = "reject"
	// KindReport carries a serialized performance report.
	KindReport Kind = "report"
	// KindHealth carries a venue health change.
	KindHealth Kind = "health"
)

// Event is one feed message. Exactly one payload field is set per kind.
type Event struct {
	Kind     Kind               `json:"kind"`
	Time     time.Time          `json:"time"`
	Order    *schema.OrderEvent `json:"order,omitempty"`
	Position *schema.Position   `json:"position,omitempty"`
	Reject   *Reject            `json:"reject,omitempty"`
	Report   json.RawMessage    `json:"report,omitempty"`
	Health   string             `json:"health,omitempty"`
}

// Reject explains why a trade did not happen.
type Reject struct {
	StrategyID string          `json:"strategy_id"`
	IntentID   string          `json:"intent_id"`
	Instrument string          `json:"instrument"`
	Reason     errs.Reason     `json:"reason"`
	Detail     string          `json:"detail,omitempty"`
	Decision   schema.Decision `json:"decision"`
}

// Publisher is the producer side of the feed.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is an in-memory, non-blocking fan-out feed.
type Bus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	subs     []*subscriber
	shutdown sync.Once
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Event
	once   sync.Once
}

// NewBus constructs a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{ctx: ctx, cancel: cancel, buffer: buffer}
}

// Publish offers event to every subscriber without blocking. Subscribers
// whose buffer is full miss the event and the call reports CodeUnavailable.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs...)
	b.mu.RUnlock()
	var failed []error
	for _, sub := range subs {
		if err := b.deliver(ctx, sub, event); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// Subscribe registers a subscriber until ctx is done or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return nil, errs.New("feed/subscribe", errs.CodeUnavailable, errs.WithMessage("feed closed"))
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ctx: ctx, cancel: cancel, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.observe(sub)
	return sub.ch, nil
}

// Close shuts down the bus and closes subscriber channels.
func (b *Bus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		for _, sub := range b.subs {
			sub.close()
		}
		b.subs = nil
		b.mu.Unlock()
	})
}

func (b *Bus) deliver(ctx context.Context, sub *subscriber, event Event) error {
	if sub.ctx.Err() != nil {
		return nil
	}
	select {
	case <-b.ctx.Done():
		return errs.New("feed/publish", errs.CodeUnavailable, errs.WithMessage("feed closed"))
	case <-ctx.Done():
		return fmt.Errorf("feed publish: %w", ctx.Err())
	case sub.ch <- event:
		return nil
	default:
		return errs.New("feed/publish", errs.CodeUnavailable,
			errs.WithMessage("subscriber buffer full"), errs.WithField("kind", string(event.Kind)))
	}
}

func (b *Bus) observe(sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	for i, candidate := range b.subs {
		if candidate == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// ReportEvent serializes report into a KindReport event.
func ReportEvent(at time.Time, report any) (Event, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return Event{}, fmt.Errorf("encode report: %w", err)
	}
	return Event{Kind: KindReport, Time: at, Report: raw}, nil
}

// Recorder keeps every published event in memory. Backtests use it as the reject log sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends event.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Fanout publishes to several publishers, joining their errors.
type Fanout []Publisher

// Publish forwards event to every publisher.
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var failed []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}
