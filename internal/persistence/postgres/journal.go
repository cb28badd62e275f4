// Package postgres journals orders, fills, risk rejects, and performance
// reports to PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/feed"
	"github.com/coachpo/meltica-trader/internal/schema"
)

const (
	orderUpsertSQL = `
INSERT INTO orders (
    client_id,
    exchange_id,
    strategy_id,
    intent_id,
    instrument,
    side,
    order_type,
    quantity,
    price,
    state,
    filled,
    avg_price,
    fees,
    update_seq,
    reduce_only,
    reject_reason,
    tag,
    created_at,
    updated_at
)
VALUES (
    @client_id,
    @exchange_id,
    @strategy_id,
    @intent_id,
    @instrument,
    @side,
    @order_type,
    @quantity,
    @price,
    @state,
    @filled,
    @avg_price,
    @fees,
    @update_seq,
    @reduce_only,
    @reject_reason,
    @tag,
    @created_at,
    @updated_at
)
ON CONFLICT (client_id) DO UPDATE SET
    exchange_id = COALESCE(EXCLUDED.exchange_id, orders.exchange_id),
    state = EXCLUDED.state,
    filled = EXCLUDED.filled,
    avg_price = EXCLUDED.avg_price,
    fees = EXCLUDED.fees,
    update_seq = EXCLUDED.update_seq,
    reject_reason = EXCLUDED.reject_reason,
    updated_at = EXCLUDED.updated_at
WHERE orders.update_seq <= EXCLUDED.update_seq;
`

	fillInsertSQL = `
INSERT INTO fills (client_id, seq, strategy_id, instrument, side, quantity, price, fee, traded_at)
VALUES (@client_id, @seq, @strategy_id, @instrument, @side, @quantity, @price, @fee, @traded_at)
ON CONFLICT (client_id, seq) DO NOTHING;
`

	rejectInsertSQL = `
INSERT INTO rejects (strategy_id, intent_id, instrument, reason, detail, decision, rejected_at)
VALUES (@strategy_id, @intent_id, @instrument, @reason, @detail, @decision::jsonb, @rejected_at)
ON CONFLICT (intent_id, reason) DO NOTHING;
`

	reportUpsertSQL = `
INSERT INTO reports (run_id, body, created_at)
VALUES (@run_id, @body::jsonb, @created_at)
ON CONFLICT (run_id) DO UPDATE SET body = EXCLUDED.body, created_at = EXCLUDED.created_at;
`

	rejectSelectBase = `
SELECT strategy_id, intent_id, instrument, reason, COALESCE(detail, ''), decision, rejected_at
FROM rejects
`

	defaultRejectLimit = 100
	maxRejectLimit     = 1000
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// RejectQuery filters ListRejects.
type RejectQuery struct {
	StrategyID string
	Since      time.Time
	Limit      int
}

// RejectRecord is one journaled reject.
type RejectRecord struct {
	feed.Reject
	At time.Time
}

// Journal persists the trading record. It implements feed.Publisher so it can
// subscribe to the reporting feed directly.
type Journal struct {
	pool  *pgxpool.Pool
	runID func(time.Time) string
}

var _ feed.Publisher = (*Journal)(nil)

// NewJournal constructs a Journal backed by pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool, runID: defaultRunID}
}

func defaultRunID(at time.Time) string {
	return "run-" + at.UTC().Format("20060102T150405.000000000Z")
}

func (j *Journal) ensurePool() (*pgxpool.Pool, error) {
	if j == nil || j.pool == nil {
		return nil, errs.New("journal", errs.CodeUnavailable, errs.WithMessage("nil pool"))
	}
	return j.pool, nil
}

// RecordOrder upserts the latest known state of order. Stale updates are ignored.
func (j *Journal) RecordOrder(ctx context.Context, order schema.Order) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	return recordOrderWith(ctx, pool, order)
}

// RecordFill inserts a fill once; seq is the order update that produced it.
func (j *Journal) RecordFill(ctx context.Context, seq uint64, fill schema.Fill) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	return recordFillWith(ctx, pool, seq, fill)
}

// RecordReject inserts a risk or venue reject.
func (j *Journal) RecordReject(ctx context.Context, at time.Time, reject feed.Reject) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	decision, err := json.Marshal(reject.Decision)
	if err != nil {
		return fmt.Errorf("journal: encode decision: %w", err)
	}
	args := pgx.NamedArgs{
		"strategy_id": reject.StrategyID,
		"intent_id":   reject.IntentID,
		"instrument":  reject.Instrument,
		"reason":      string(reject.Reason),
		"detail":      nullableText(reject.Detail),
		"decision":    string(decision),
		"rejected_at": at.UTC(),
	}
	if _, err := pool.Exec(ctx, rejectInsertSQL, args); err != nil {
		return fmt.Errorf("journal: insert reject: %w", err)
	}
	return nil
}

// SaveReport stores a serialized performance report under runID.
func (j *Journal) SaveReport(ctx context.Context, runID string, at time.Time, report json.RawMessage) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(runID) == "" {
		return errs.New("journal", errs.CodeValidation, errs.WithMessage("run id required"))
	}
	if !json.Valid(report) {
		return errs.New("journal", errs.CodeValidation, errs.WithMessage("report is not valid json"))
	}
	args := pgx.NamedArgs{"run_id": runID, "body": string(report), "created_at": at.UTC()}
	if _, err := pool.Exec(ctx, reportUpsertSQL, args); err != nil {
		return fmt.Errorf("journal: save report: %w", err)
	}
	return nil
}

// ListRejects returns journaled rejects, newest first.
func (j *Journal) ListRejects(ctx context.Context, query RejectQuery) ([]RejectRecord, error) {
	pool, err := j.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultRejectLimit
	}
	if limit > maxRejectLimit {
		limit = maxRejectLimit
	}

	builder := strings.Builder{}
	builder.WriteString(rejectSelectBase)
	builder.WriteString(" WHERE 1=1")
	args := make([]any, 0, 3)
	argPos := 1
	if trimmed := strings.TrimSpace(query.StrategyID); trimmed != "" {
		fmt.Fprintf(&builder, " AND strategy_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if !query.Since.IsZero() {
		fmt.Fprintf(&builder, " AND rejected_at >= $%d", argPos)
		args = append(args, query.Since.UTC())
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY rejected_at DESC, id DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list rejects: %w", err)
	}
	defer rows.Close()

	var records []RejectRecord
	for rows.Next() {
		var (
			rec      RejectRecord
			reason   string
			decision []byte
		)
		if err := rows.Scan(&rec.StrategyID, &rec.IntentID, &rec.Instrument, &reason, &rec.Detail, &decision, &rec.At); err != nil {
			return nil, fmt.Errorf("journal: scan reject: %w", err)
		}
		rec.Reason = errs.Reason(reason)
		if len(decision) > 0 {
			if err := json.Unmarshal(decision, &rec.Decision); err != nil {
				return nil, fmt.Errorf("journal: decode decision: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate rejects: %w", err)
	}
	return records, nil
}

// Publish journals feed events: order transitions with their fills, rejects,
// and reports. Position and health events are not journaled.
func (j *Journal) Publish(ctx context.Context, event feed.Event) error {
	switch event.Kind {
	case feed.KindOrder:
		if event.Order == nil {
			return nil
		}
		return j.recordEvent(ctx, *event.Order)
	case feed.KindReject:
		if event.Reject == nil {
			return nil
		}
		return j.RecordReject(ctx, event.Time, *event.Reject)
	case feed.KindReport:
		return j.SaveReport(ctx, j.runID(event.Time), event.Time, event.Report)
	default:
		return nil
	}
}

// recordEvent stores an order transition and its fill atomically.
func (j *Journal) recordEvent(ctx context.Context, evt schema.OrderEvent) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	if evt.Fill == nil {
		return recordOrderWith(ctx, pool, evt.Order)
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("journal: begin tx: %w", err)
	}
	runErr := recordOrderWith(ctx, tx, evt.Order)
	if runErr == nil {
		runErr = recordFillWith(ctx, tx, evt.Order.UpdateSeq, *evt.Fill)
	}
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("journal: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("journal: commit tx: %w", err)
	}
	return nil
}

func recordOrderWith(ctx context.Context, exec execer, order schema.Order) error {
	if strings.TrimSpace(order.ClientID) == "" {
		return errs.New("journal", errs.CodeValidation, errs.WithMessage("client id required"))
	}
	quantity, err := numericOf(order.Quantity)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	price, err := optionalNumeric(order.Price)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	filled, err := numericOf(order.Filled)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	avg, err := optionalNumeric(order.AvgPrice)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	fees, err := numericOf(order.Fees)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	updated := order.UpdatedAt
	if updated.IsZero() {
		updated = order.CreatedAt
	}
	args := pgx.NamedArgs{
		"client_id":     order.ClientID,
		"exchange_id":   nullableText(order.ExchangeID),
		"strategy_id":   order.StrategyID,
		"intent_id":     order.IntentID,
		"instrument":    order.Instrument,
		"side":          string(order.Side),
		"order_type":    string(order.Type),
		"quantity":      quantity,
		"price":         price,
		"state":         string(order.State),
		"filled":        filled,
		"avg_price":     avg,
		"fees":          fees,
		"update_seq":    int64(order.UpdateSeq), // #nosec G115 -- sequences stay far below MaxInt64.
		"reduce_only":   order.ReduceOnly,
		"reject_reason": nullableText(string(order.RejectReason)),
		"tag":           nullableText(order.Tag),
		"created_at":    order.CreatedAt.UTC(),
		"updated_at":    updated.UTC(),
	}
	if _, err := exec.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("journal: upsert order: %w", err)
	}
	return nil
}

func recordFillWith(ctx context.Context, exec execer, seq uint64, fill schema.Fill) error {
	quantity, err := numericOf(fill.Quantity)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	price, err := numericOf(fill.Price)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	fee, err := numericOf(fill.Fee)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	args := pgx.NamedArgs{
		"client_id":   fill.ClientID,
		"seq":         int64(seq), // #nosec G115 -- sequences stay far below MaxInt64.
		"strategy_id": fill.StrategyID,
		"instrument":  fill.Instrument,
		"side":        string(fill.Side),
		"quantity":    quantity,
		"price":       price,
		"fee":         fee,
		"traded_at":   fill.Time.UTC(),
	}
	if _, err := exec.Exec(ctx, fillInsertSQL, args); err != nil {
		return fmt.Errorf("journal: insert fill: %w", err)
	}
	return nil
}
