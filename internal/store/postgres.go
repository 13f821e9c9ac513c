package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/minicommerce/orders/internal/order"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const insertCustomerSQL = `
INSERT INTO customers (id, email, name, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO NOTHING;
`

const insertOrderSQL = `
INSERT INTO orders (id, customer_id, status, version, currency, total, created_at, updated_at)
VALUES ($1, $2, $3, 1, $4, $5, now(), now())
RETURNING version, created_at, updated_at;
`

const insertItemSQL = `
INSERT INTO order_items (order_id, position, sku, name, quantity, unit_price)
VALUES ($1, $2, $3, $4, $5, $6);
`

const insertOutboxSQL = `
INSERT INTO outbox_events (event_id, order_id, event_type, schema_version, topic, payload, status, next_retry_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', now(), now());
`

func (s *PostgresStore) CreateOrder(ctx context.Context, o order.Order, evt OutboxEvent) (order.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return order.Order{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Auto-provision an unknown customer so demo flows do not require a
	// separate customer service.
	email := o.CustomerID + "@demo.local"
	if _, err := tx.ExecContext(ctx, insertCustomerSQL, o.CustomerID, email, "Demo Customer"); err != nil {
		return order.Order{}, fmt.Errorf("insert customer: %w", err)
	}

	err = tx.QueryRowContext(ctx, insertOrderSQL,
		o.ID, o.CustomerID, o.Status, o.Currency, o.Total,
	).Scan(&o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return order.Order{}, fmt.Errorf("insert order: %w", err)
	}

	for i, it := range o.Items {
		if _, err := tx.ExecContext(ctx, insertItemSQL, o.ID, i, it.SKU, it.Name, it.Quantity, it.UnitPrice); err != nil {
			return order.Order{}, fmt.Errorf("insert item %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx, insertOutboxSQL,
		evt.EventID, o.ID, evt.EventType, evt.SchemaVersion, evt.Topic, evt.Payload,
	); err != nil {
		return order.Order{}, fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return order.Order{}, fmt.Errorf("commit: %w", err)
	}
	return o, nil
}

const getOrderSQL = `
SELECT id, customer_id, status, version, currency, total, created_at, updated_at
FROM orders
WHERE id = $1;
`

const getItemsSQL = `
SELECT sku, name, quantity, unit_price
FROM order_items
WHERE order_id = $1
ORDER BY position;
`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (order.Order, error) {
	var o order.Order
	err := s.db.QueryRowContext(ctx, getOrderSQL, id).
		Scan(&o.ID, &o.CustomerID, &o.Status, &o.Version, &o.Currency, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return order.Order{}, order.ErrNotFound
		}
		return order.Order{}, err
	}

	rows, err := s.db.QueryContext(ctx, getItemsSQL, id)
	if err != nil {
		return order.Order{}, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var it order.Item
		if err := rows.Scan(&it.SKU, &it.Name, &it.Quantity, &it.UnitPrice); err != nil {
			return order.Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

const listOrdersSQL = `
SELECT id, customer_id, status, version, currency, total, created_at, updated_at
FROM orders
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3;
`

func (s *PostgresStore) ListOrders(ctx context.Context, status order.Status, limit, offset int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, listOrdersSQL, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []order.Order
	for rows.Next() {
		var o order.Order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.Status, &o.Version, &o.Currency, &o.Total, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const applyTransitionSQL = `
UPDATE orders
SET status = $3, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2
RETURNING version;
`

const orderExistsSQL = `SELECT 1 FROM orders WHERE id = $1;`

const markInboundAppliedSQL = `
UPDATE inbound_events
SET status = 'applied', applied_at = now(), last_error = NULL
WHERE event_id = $1;
`

// ApplyTransition is the single serialization point per order: the version
// predicate on the UPDATE arbitrates concurrent commands, and the outbox
// inserts ride the same transaction so no event exists without its cause.
func (s *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx, applyTransitionSQL, t.OrderID, t.ExpectedVersion, t.Next).Scan(&version)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("update order: %w", err)
		}
		var one int
		switch err := tx.QueryRowContext(ctx, orderExistsSQL, t.OrderID).Scan(&one); {
		case errors.Is(err, sql.ErrNoRows):
			return 0, order.ErrNotFound
		case err != nil:
			return 0, fmt.Errorf("check order: %w", err)
		default:
			return 0, order.ErrVersionConflict
		}
	}

	for _, evt := range t.Events {
		if _, err := tx.ExecContext(ctx, insertOutboxSQL,
			evt.EventID, t.OrderID, evt.EventType, evt.SchemaVersion, evt.Topic, evt.Payload,
		); err != nil {
			return 0, fmt.Errorf("insert outbox event: %w", err)
		}
	}

	if t.InboundEventID != "" {
		if _, err := tx.ExecContext(ctx, markInboundAppliedSQL, t.InboundEventID); err != nil {
			return 0, fmt.Errorf("mark inbound applied: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return version, nil
}

// The NOT EXISTS guard holds back rows whose order still has an earlier
// row that cannot be claimed right now (in flight, quarantined, or backing
// off), so a retrying event cannot be overtaken by its successors. Earlier
// rows that are due land ahead of their successors in the same seq-ordered
// batch, so a single claim drains a whole per-order chain.
const claimUnpublishedSQL = `
WITH cte AS (
  SELECT seq
  FROM outbox_events o
  WHERE o.status = 'pending'
    AND o.next_retry_at <= now()
    AND NOT EXISTS (
      SELECT 1 FROM outbox_events p
      WHERE p.order_id = o.order_id
        AND p.seq < o.seq
        AND p.status <> 'sent'
        AND NOT (p.status = 'pending' AND p.next_retry_at <= now())
    )
  ORDER BY seq
  LIMIT $1
  FOR UPDATE SKIP LOCKED
), claimed AS (
  UPDATE outbox_events o
  SET status = 'processing',
      processing_started_at = now(),
      attempts = o.attempts + 1
  FROM cte
  WHERE o.seq = cte.seq
  RETURNING o.seq, o.event_id, o.order_id, o.event_type, o.schema_version, o.topic,
            o.payload, o.status, o.attempts, o.next_retry_at, o.last_error, o.created_at
)
SELECT * FROM claimed ORDER BY seq;
`

func (s *PostgresStore) ClaimUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, claimUnpublishedSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var lastErr sql.NullString
		if err := rows.Scan(
			&e.Seq, &e.EventID, &e.OrderID, &e.EventType, &e.SchemaVersion, &e.Topic,
			&e.Payload, &e.Status, &e.Attempts, &e.NextRetryAt, &lastErr, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.LastError = lastErr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

const markPublishedSQL = `
UPDATE outbox_events
SET status = 'sent', sent_at = now(), processing_started_at = NULL, last_error = NULL
WHERE event_id = $1 AND status <> 'sent';
`

const outboxExistsSQL = `SELECT 1 FROM outbox_events WHERE event_id = $1;`

func (s *PostgresStore) MarkPublished(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, markPublishedSQL, eventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, outboxExistsSQL, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return order.ErrNotFound
	}
	// Row exists and is already sent: idempotent no-op.
	return err
}

const reschedulePublishSQL = `
UPDATE outbox_events
SET status = 'pending', processing_started_at = NULL, next_retry_at = $2, last_error = $3
WHERE event_id = $1;
`

func (s *PostgresStore) ReschedulePublish(ctx context.Context, eventID string, nextRetryAt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, reschedulePublishSQL, eventID, nextRetryAt, lastErr)
	return err
}

// A released row never reached the bus, so the claim-time attempt is
// handed back.
const releaseEventSQL = `
UPDATE outbox_events
SET status = 'pending', processing_started_at = NULL,
    attempts = GREATEST(attempts - 1, 0), next_retry_at = now()
WHERE event_id = $1 AND status = 'processing';
`

func (s *PostgresStore) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, releaseEventSQL, eventID)
	return err
}

const quarantineSQL = `
UPDATE outbox_events
SET status = 'failed', processing_started_at = NULL, last_error = $2
WHERE event_id = $1;
`

func (s *PostgresStore) Quarantine(ctx context.Context, eventID, reason string) error {
	_, err := s.db.ExecContext(ctx, quarantineSQL, eventID, reason)
	return err
}

const requeueStuckSQL = `
UPDATE outbox_events
SET status = 'pending', processing_started_at = NULL, next_retry_at = now()
WHERE status = 'processing' AND processing_started_at < $1;
`

func (s *PostgresStore) RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx, requeueStuckSQL, threshold)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const requeueFailedSQL = `
UPDATE outbox_events
SET status = 'pending', next_retry_at = now(), attempts = 0
WHERE status = 'failed';
`

func (s *PostgresStore) RequeueFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, requeueFailedSQL)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const requeueEventSQL = `
UPDATE outbox_events
SET status = 'pending', next_retry_at = now(), attempts = 0
WHERE event_id = $1 AND status = 'failed';
`

func (s *PostgresStore) RequeueEvent(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, requeueEventSQL, eventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return order.ErrNotFound
	}
	return nil
}

const statsSQL = `
SELECT
  count(*) FILTER (WHERE status IN ('pending', 'processing')),
  count(*) FILTER (WHERE status = 'failed'),
  COALESCE(EXTRACT(EPOCH FROM (now() - min(created_at) FILTER (WHERE status = 'pending'))), 0)
FROM outbox_events;
`

func (s *PostgresStore) Stats(ctx context.Context) (OutboxStats, error) {
	var st OutboxStats
	var oldest float64
	if err := s.db.QueryRowContext(ctx, statsSQL).Scan(&st.Pending, &st.Failed, &oldest); err != nil {
		return OutboxStats{}, err
	}
	st.OldestPendingAge = time.Duration(oldest * float64(time.Second))
	return st, nil
}

// Upsert keeps applied rows applied and just bumps attempts so the ledger
// records every redelivery.
const beginInboundSQL = `
INSERT INTO inbound_events (event_id, event_type, order_id, payload, status, attempts, first_seen_at)
VALUES ($1, $2, $3, $4, 'processing', 1, now())
ON CONFLICT (event_id) DO UPDATE
SET attempts = inbound_events.attempts + 1
RETURNING status;
`

func (s *PostgresStore) BeginInbound(ctx context.Context, rec InboundEvent) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, beginInboundSQL, rec.EventID, rec.EventType, rec.OrderID, rec.Payload).Scan(&status)
	if err != nil {
		return false, err
	}
	return status != InboundApplied, nil
}

const markInboundFailedSQL = `
UPDATE inbound_events
SET status = 'failed', last_error = $2
WHERE event_id = $1;
`

func (s *PostgresStore) MarkInboundFailed(ctx context.Context, eventID, reason string) error {
	_, err := s.db.ExecContext(ctx, markInboundFailedSQL, eventID, reason)
	return err
}

const getInboundSQL = `
SELECT event_id, event_type, order_id, payload, status, attempts, last_error, first_seen_at, applied_at
FROM inbound_events
WHERE event_id = $1;
`

func (s *PostgresStore) GetInbound(ctx context.Context, eventID string) (InboundEvent, error) {
	var rec InboundEvent
	var lastErr sql.NullString
	var appliedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, getInboundSQL, eventID).
		Scan(&rec.EventID, &rec.EventType, &rec.OrderID, &rec.Payload, &rec.Status, &rec.Attempts, &lastErr, &rec.FirstSeenAt, &appliedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InboundEvent{}, order.ErrNotFound
		}
		return InboundEvent{}, err
	}
	rec.LastError = lastErr.String
	if appliedAt.Valid {
		rec.AppliedAt = &appliedAt.Time
	}
	return rec, nil
}
