package execution

import (
	"context"
	"errors"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// Venue is the connectivity collaborator behind a live or paper adapter.
type Venue interface {
	Submit(ctx context.Context, order schema.Order) (schema.Report, error)
	Cancel(ctx context.Context, clientID string) (schema.Report, error)
	QueryStatus(ctx context.Context, clientID string) (schema.Report, error)
	OpenOrders(ctx context.Context) ([]schema.Report, error)
	Account(ctx context.Context) (schema.AccountSnapshot, error)
	Reports() <-chan schema.Report
}

// LiveConfig tunes the live adapter.
type LiveConfig struct {
	// OrdersPerSecond throttles order actions. Zero disables throttling.
	OrdersPerSecond float64 `yaml:"ordersPerSecond"`
	Burst           int     `yaml:"burst"`
	// DegradeAfter consecutive transient failures marks the venue degraded.
	DegradeAfter int `yaml:"degradeAfter"`
}

// Live wraps a Venue with throttling, fault classification, and health tracking.
type Live struct {
	venue   Venue
	limiter *rate.Limiter
	cfg     LiveConfig

	mu          sync.Mutex
	health      Health
	failures    int
	onHealth    []func(Health)
	onReconnect []func(context.Context)
}

// NewLive builds a live adapter around venue.
func NewLive(venue Venue, cfg LiveConfig) *Live {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = 3
	}
	limit := rate.Inf
	if cfg.OrdersPerSecond > 0 {
		limit = rate.Limit(cfg.OrdersPerSecond)
	}
	return &Live{
		venue:   venue,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
		health:  HealthConnected,
	}
}

var _ Adapter = (*Live)(nil)

// OnHealth registers a callback for health changes.
func (l *Live) OnHealth(fn func(Health)) {
	l.mu.Lock()
	l.onHealth = append(l.onHealth, fn)
	l.mu.Unlock()
}

// OnReconnect registers a callback run when the venue becomes reachable again.
func (l *Live) OnReconnect(fn func(context.Context)) {
	l.mu.Lock()
	l.onReconnect = append(l.onReconnect, fn)
	l.mu.Unlock()
}

// Health returns the current connectivity status.
func (l *Live) Health() Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health
}

// SetHealth records a status reported out of band, e.g. by the observation stream.
func (l *Live) SetHealth(ctx context.Context, h Health) {
	l.transition(ctx, h)
}

// Submit forwards a new order.
func (l *Live) Submit(ctx context.Context, order schema.Order) (schema.Report, error) {
	if err := l.throttle(ctx); err != nil {
		return schema.Report{}, err
	}
	report, err := l.venue.Submit(ctx, order)
	return report, l.observe(ctx, "submit", err)
}

// Cancel forwards a cancel request.
func (l *Live) Cancel(ctx context.Context, clientID string) (schema.Report, error) {
	if err := l.throttle(ctx); err != nil {
		return schema.Report{}, err
	}
	report, err := l.venue.Cancel(ctx, clientID)
	return report, l.observe(ctx, "cancel", err)
}

// QueryStatus reads one order's status.
func (l *Live) QueryStatus(ctx context.Context, clientID string) (schema.Report, error) {
	report, err := l.venue.QueryStatus(ctx, clientID)
	return report, l.observe(ctx, "query", err)
}

// OpenOrders lists the venue's working orders.
func (l *Live) OpenOrders(ctx context.Context) ([]schema.Report, error) {
	reports, err := l.venue.OpenOrders(ctx)
	return reports, l.observe(ctx, "open_orders", err)
}

// Account pulls the venue account snapshot.
func (l *Live) Account(ctx context.Context) (schema.AccountSnapshot, error) {
	snap, err := l.venue.Account(ctx)
	return snap, l.observe(ctx, "account", err)
}

// Reports streams asynchronous venue reports.
func (l *Live) Reports() <-chan schema.Report { return l.venue.Reports() }

func (l *Live) throttle(ctx context.Context) error {
	if l.limiter.Allow() {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return errs.New("execution/throttle", errs.CodeRateLimited,
			errs.WithReason(errs.ReasonThrottleExceeded), errs.WithMessage("order throttle exceeded"), errs.WithCause(err))
	}
	return nil
}

// observe classifies err into the fault taxonomy and updates health.
func (l *Live) observe(ctx context.Context, op string, err error) error {
	if err == nil {
		l.mu.Lock()
		l.failures = 0
		l.mu.Unlock()
		l.transition(ctx, HealthConnected)
		return nil
	}
	classified := Classify(op, err)
	if !errs.IsTransient(classified) {
		return classified
	}
	l.mu.Lock()
	l.failures++
	failures := l.failures
	l.mu.Unlock()
	switch {
	case errs.CodeOf(classified) == errs.CodeConnectivity && failures >= l.cfg.DegradeAfter:
		l.transition(ctx, HealthDisconnected)
	case failures >= l.cfg.DegradeAfter:
		l.transition(ctx, HealthDegraded)
	}
	return classified
}

func (l *Live) transition(ctx context.Context, next Health) {
	l.mu.Lock()
	prev := l.health
	if prev == next {
		l.mu.Unlock()
		return
	}
	l.health = next
	if next == HealthConnected {
		l.failures = 0
	}
	healthFns := append(([]func(Health))(nil), l.onHealth...)
	reconnectFns := append(([]func(context.Context))(nil), l.onReconnect...)
	l.mu.Unlock()

	observability.Log().Info("venue health changed",
		observability.Field{Key: "from", Value: string(prev)},
		observability.Field{Key: "to", Value: string(next)})
	for _, fn := range healthFns {
		fn(next)
	}
	if next == HealthConnected {
		for _, fn := range reconnectFns {
			fn(ctx)
		}
	}
}

// Classify maps a venue error onto the fault taxonomy. Errors that already
// carry an envelope keep their code.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *errs.E
	if errors.As(err, &e) || errors.Is(err, context.Canceled) {
		return err
	}
	scope := "execution/" + op
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(scope, errs.CodeConnectivity, errs.WithMessage("venue timeout"), errs.WithCause(err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.New(scope, errs.CodeConnectivity, errs.WithMessage("venue unreachable"), errs.WithCause(err))
	}
	return errs.New(scope, errs.CodeExchange, errs.WithReason(errs.ReasonVenueRejected), errs.WithCause(err))
}
