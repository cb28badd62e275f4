package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/execution"
	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/telemetry"
)

var clientNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("meltica-trader/orders"))

// ClientID derives the client order id of an intent. The same intent always maps to the same id.
func ClientID(intentID string) string {
	return uuid.NewSHA1(clientNamespace, []byte(intentID)).String()
}

// Plan is an accepted intent ready to become an order.
type Plan struct {
	Intent   schema.Intent
	Decision schema.Decision
}

// RetryPolicy bounds transient submit retries.
type RetryPolicy struct {
	MaxAttempts     uint          `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// DefaultRetryPolicy returns the retry bounds used when none are configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// Listener observes every order event after it is applied.
type Listener func(schema.OrderEvent)

// Option configures a Manager.
type Option func(*Manager)

// WithRetry overrides the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(m *Manager) {
		if p.MaxAttempts > 0 {
			m.retry = p
		}
	}
}

// WithClock sets the time source stamped on orders.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics records transitions, fills, and retries.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithFlattenHook runs before FlattenAll cancels anything, typically tripping the risk breaker.
func WithFlattenHook(hook func()) Option {
	return func(m *Manager) { m.onFlatten = hook }
}

// WithReconcileWorkers bounds concurrent status queries during reconciliation.
func WithReconcileWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

type entry struct {
	mu    sync.Mutex
	order schema.Order
}

// Manager is the single writer of orders and positions.
type Manager struct {
	adapter     execution.Adapter
	instruments map[string]schema.Instrument
	retry       RetryPolicy
	now         func() time.Time
	metrics     *telemetry.Metrics
	onFlatten   func()
	workers     int

	mu        sync.RWMutex
	orders    map[string]*entry
	positions map[string]schema.Position
	capital   decimal.Decimal
	realized  decimal.Decimal
	fees      decimal.Decimal
	version   uint64
	asOf      time.Time
	listeners []Listener

	flattenMu  sync.Mutex
	flattenSeq uint64
}

// NewManager builds a manager trading through adapter.
func NewManager(adapter execution.Adapter, instruments []schema.Instrument, capital decimal.Decimal, opts ...Option) *Manager {
	byID := make(map[string]schema.Instrument, len(instruments))
	for _, inst := range instruments {
		byID[inst.Symbol] = inst
	}
	m := &Manager{
		adapter:     adapter,
		instruments: byID,
		retry:       DefaultRetryPolicy(),
		now:         time.Now,
		workers:     8,
		orders:      make(map[string]*entry),
		positions:   make(map[string]schema.Position),
		capital:     capital,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Subscribe registers a listener for every applied event.
func (m *Manager) Subscribe(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Submit turns an accepted plan into an order. Resubmitting a plan for the
// same intent returns the existing order without contacting the venue.
// Permanent venue faults surface as a Rejected event, not an error.
func (m *Manager) Submit(ctx context.Context, plan Plan) (schema.Order, []schema.OrderEvent, error) {
	in := plan.Intent
	if !plan.Decision.Accepted() {
		return schema.Order{}, nil, errs.New("order/submit", errs.CodeValidation,
			errs.WithMessage("plan was not accepted"), errs.WithField("intent", in.ID))
	}
	if in.Kind == schema.IntentCancel {
		return schema.Order{}, nil, errs.New("order/submit", errs.CodeValidation,
			errs.WithMessage("cancel intents go through Cancel"), errs.WithField("intent", in.ID))
	}
	id := ClientID(in.ID)
	at := m.now()
	order := schema.Order{
		ClientID:   id,
		StrategyID: in.StrategyID,
		IntentID:   in.ID,
		Instrument: in.Instrument,
		Side:       in.Side,
		Type:       in.OrderType,
		Quantity:   plan.Decision.Quantity,
		Price:      in.LimitPrice,
		StopPrice:  in.StopPrice,
		StopLoss:   plan.Decision.StopLoss,
		TakeProfit: plan.Decision.TakeProfit,
		ReduceOnly: !in.Kind.Opening(),
		Tag:        in.Tag,
		State:      schema.OrderPendingSubmit,
		CreatedAt:  at,
		UpdatedAt:  at,
	}

	m.mu.Lock()
	if existing, ok := m.orders[id]; ok {
		m.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.order, nil, nil
	}
	e := &entry{order: order}
	m.orders[id] = e
	m.mu.Unlock()

	created := schema.OrderEvent{Order: order, To: schema.OrderPendingSubmit, Time: at}
	m.publish(created)
	events := []schema.OrderEvent{created}

	report, err := m.submitWithRetry(ctx, e)
	if err != nil {
		if errs.IsTransient(err) || errors.Is(err, context.Canceled) {
			// Outcome unknown; reconciliation settles it under the same id.
			e.mu.Lock()
			snapshot := e.order
			e.mu.Unlock()
			return snapshot, events, fmt.Errorf("submit %s: %w", id, err)
		}
		evt := m.reject(e, err)
		return evt.Order, append(events, evt), nil
	}
	applied, err := m.Apply(report)
	if err != nil {
		return schema.Order{}, events, err
	}
	events = append(events, applied...)
	e.mu.Lock()
	snapshot := e.order
	e.mu.Unlock()
	return snapshot, events, nil
}

func (m *Manager) submitWithRetry(ctx context.Context, e *entry) (schema.Report, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.retry.InitialInterval
	policy.MaxInterval = m.retry.MaxInterval
	started := time.Now()

	op := func() (schema.Report, error) {
		e.mu.Lock()
		e.order.Attempts++
		order := e.order
		e.mu.Unlock()
		report, err := m.adapter.Submit(ctx, order)
		if err != nil && !errs.IsTransient(err) {
			return schema.Report{}, backoff.Permanent(err)
		}
		return report, err
	}
	notify := func(err error, wait time.Duration) {
		m.metrics.Retry(ctx, "submit")
		observability.Log().Info("submit retry",
			observability.Field{Key: "client_id", Value: e.order.ClientID},
			observability.Field{Key: "wait", Value: wait.String()},
			observability.Field{Key: "error", Value: err.Error()})
	}
	report, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(m.retry.MaxAttempts),
		backoff.WithNotify(notify))
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.SubmitDuration(ctx, result, time.Since(started))
	return report, err
}

func (m *Manager) reject(e *entry, cause error) schema.OrderEvent {
	reason := errs.ReasonOf(cause)
	if reason == errs.ReasonNone {
		reason = errs.ReasonVenueRejected
	}
	e.mu.Lock()
	from := e.order.State
	e.order.State = schema.OrderRejected
	e.order.RejectReason = reason
	e.order.UpdatedAt = m.now()
	evt := schema.OrderEvent{Order: e.order, From: from, To: schema.OrderRejected, Reason: reason, Time: e.order.UpdatedAt}
	e.mu.Unlock()
	observability.Log().Info("order rejected",
		observability.Field{Key: "client_id", Value: evt.Order.ClientID},
		observability.Field{Key: "reason", Value: string(reason)},
		observability.Field{Key: "cause", Value: cause.Error()})
	m.publish(evt)
	return evt
}

// CancelResult describes the outcome of a cancel request.
type CancelResult struct {
	Order schema.Order
	// AlreadyTerminal is set when the order had already finished; nothing was sent.
	AlreadyTerminal bool
	// AlreadyPending is set when a cancel was already in flight; nothing was sent.
	AlreadyPending bool
	Events         []schema.OrderEvent
}

// Cancel requests cancellation. Cancelling a terminal or already-cancelling order is a no-op.
func (m *Manager) Cancel(ctx context.Context, clientID string) (CancelResult, error) {
	e, ok := m.lookup(clientID)
	if !ok {
		return CancelResult{}, errs.New("order/cancel", errs.CodeNotFound,
			errs.WithMessage("unknown order"), errs.WithField("client_id", clientID))
	}
	e.mu.Lock()
	switch {
	case e.order.State.Terminal():
		res := CancelResult{Order: e.order, AlreadyTerminal: true}
		e.mu.Unlock()
		return res, nil
	case e.order.State == schema.OrderPendingCancel:
		res := CancelResult{Order: e.order, AlreadyPending: true}
		e.mu.Unlock()
		return res, nil
	}
	from := e.order.State
	e.order.State = schema.OrderPendingCancel
	e.order.UpdatedAt = m.now()
	evt := schema.OrderEvent{Order: e.order, From: from, To: schema.OrderPendingCancel, Time: e.order.UpdatedAt}
	e.mu.Unlock()
	m.publish(evt)

	res := CancelResult{Order: evt.Order, Events: []schema.OrderEvent{evt}}
	report, err := m.adapter.Cancel(ctx, clientID)
	if err != nil {
		return res, fmt.Errorf("cancel %s: %w", clientID, err)
	}
	applied, err := m.Apply(report)
	if err != nil {
		return res, err
	}
	res.Events = append(res.Events, applied...)
	if o, ok := m.Order(clientID); ok {
		res.Order = o
	}
	return res, nil
}

// Apply folds a venue report into the order. Stale, duplicate, and invalid
// reports are discarded without error.
func (m *Manager) Apply(report schema.Report) ([]schema.OrderEvent, error) {
	e, ok := m.lookup(report.ClientID)
	if !ok {
		return nil, errs.New("order/apply", errs.CodeNotFound,
			errs.WithMessage("report for unknown order"), errs.WithField("client_id", report.ClientID))
	}
	e.mu.Lock()
	evt, fill, ok := m.advance(e, report)
	if ok && fill != nil {
		m.applyFill(*fill)
	}
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}
	m.publish(evt)
	return []schema.OrderEvent{evt}, nil
}

// advance moves e to the reported state. Callers hold e.mu.
func (m *Manager) advance(e *entry, report schema.Report) (schema.OrderEvent, *schema.Fill, bool) {
	cur := e.order
	if report.UpdateSeq <= cur.UpdateSeq || cur.State.Terminal() {
		return schema.OrderEvent{}, nil, false
	}
	if report.State == cur.State && report.State != schema.OrderPartiallyFilled {
		e.order.UpdateSeq = report.UpdateSeq
		return schema.OrderEvent{}, nil, false
	}
	if !CanTransition(cur.State, report.State) {
		observability.Log().Debug("discarding invalid transition",
			observability.Field{Key: "client_id", Value: cur.ClientID},
			observability.Field{Key: "from", Value: string(cur.State)},
			observability.Field{Key: "to", Value: string(report.State)})
		return schema.OrderEvent{}, nil, false
	}

	var fill *schema.Fill
	delta := report.Filled.Sub(cur.Filled)
	if delta.IsPositive() {
		px := report.AvgPrice
		if cur.Filled.IsPositive() {
			px = report.Filled.Mul(report.AvgPrice).Sub(cur.Filled.Mul(cur.AvgPrice)).Div(delta)
		}
		fee := report.Fee.Sub(cur.Fees)
		if fee.IsNegative() {
			fee = decimal.Zero
		}
		fill = &schema.Fill{
			ClientID:   cur.ClientID,
			StrategyID: cur.StrategyID,
			Instrument: cur.Instrument,
			Side:       cur.Side,
			Quantity:   delta,
			Price:      px,
			Fee:        fee,
			Time:       report.EventTime,
		}
		e.order.Filled = report.Filled
		e.order.AvgPrice = report.AvgPrice
		e.order.Fees = cur.Fees.Add(fee)
	} else if report.State == schema.OrderPartiallyFilled && cur.State == schema.OrderPartiallyFilled {
		e.order.UpdateSeq = report.UpdateSeq
		return schema.OrderEvent{}, nil, false
	}

	if report.ExchangeID != "" {
		e.order.ExchangeID = report.ExchangeID
	}
	e.order.State = report.State
	e.order.UpdateSeq = report.UpdateSeq
	e.order.UpdatedAt = report.EventTime
	if report.State == schema.OrderRejected {
		e.order.RejectReason = report.Reason
		if e.order.RejectReason == errs.ReasonNone {
			e.order.RejectReason = errs.ReasonVenueRejected
		}
	}
	evt := schema.OrderEvent{
		Order:  e.order,
		From:   cur.State,
		To:     report.State,
		Fill:   fill,
		Reason: e.order.RejectReason,
		Time:   report.EventTime,
	}
	return evt, fill, true
}

func (m *Manager) applyFill(fill schema.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instruments[fill.Instrument]
	pos := m.positions[fill.Instrument]
	pos.Instrument = fill.Instrument
	realized := pos.Apply(inst, fill)
	m.positions[fill.Instrument] = pos
	m.realized = m.realized.Add(realized)
	m.fees = m.fees.Add(fill.Fee)
	m.version++
	if fill.Time.After(m.asOf) {
		m.asOf = fill.Time
	}
}

func (m *Manager) publish(evt schema.OrderEvent) {
	ctx := context.Background()
	m.metrics.Transition(ctx, string(evt.To))
	if evt.Fill != nil {
		m.metrics.Fill(ctx, evt.Fill.Instrument)
	}
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(evt)
	}
}

func (m *Manager) lookup(clientID string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.orders[clientID]
	return e, ok
}

// Order returns a copy of the tracked order.
func (m *Manager) Order(clientID string) (schema.Order, bool) {
	e, ok := m.lookup(clientID)
	if !ok {
		return schema.Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order, true
}

// Orders returns copies of every tracked order sorted by creation then client id.
func (m *Manager) Orders() []schema.Order {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.orders))
	for _, e := range m.orders {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	out := make([]schema.Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.order)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// Open returns the non-terminal orders, sorted like Orders.
func (m *Manager) Open() []schema.Order {
	all := m.Orders()
	open := all[:0]
	for _, o := range all {
		if !o.State.Terminal() {
			open = append(open, o)
		}
	}
	return open
}

// PendingNotional sums the resting notional of priced, non-terminal opening orders per instrument.
func (m *Manager) PendingNotional() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, o := range m.Open() {
		if o.ReduceOnly {
			continue
		}
		px := o.Price
		if o.Type == schema.OrderTypeStop {
			px = o.StopPrice
		}
		if !px.IsPositive() {
			continue
		}
		out[o.Instrument] = out[o.Instrument].Add(m.instruments[o.Instrument].Notional(o.Remaining(), px))
	}
	return out
}

// Account returns an immutable, versioned snapshot of capital and positions.
func (m *Manager) Account() schema.AccountSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	positions := make(map[string]schema.Position, len(m.positions))
	for k, v := range m.positions {
		positions[k] = v
	}
	return schema.AccountSnapshot{
		Version:     m.version,
		Capital:     m.capital,
		RealizedPnL: m.realized,
		Fees:        m.fees,
		Positions:   positions,
		AsOf:        m.asOf,
	}
}
