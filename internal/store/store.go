// Package store is the transactional record of orders and of not-yet-published
// events. Every state change and the events it causes commit in one unit; the
// outbox and inbound ledger tables back the delivery guarantees of the relay
// and the consumer.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/minicommerce/orders/internal/order"
)

// Outbox row states. A row is only ever mutated to advance its delivery
// bookkeeping; payload and identity are immutable after insert.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxSent       = "sent"
	OutboxFailed     = "failed"
)

// Inbound ledger states.
const (
	InboundProcessing = "processing"
	InboundApplied    = "applied"
	InboundFailed     = "failed"
)

// OutboxEvent is one row of the outbox table. Seq is assigned by the store in
// commit order and drives per-order publish ordering. Payload holds the full
// serialized event envelope.
type OutboxEvent struct {
	Seq           int64
	EventID       string
	OrderID       string
	EventType     string
	SchemaVersion string
	Topic         string
	Payload       json.RawMessage
	Status        string
	Attempts      int
	NextRetryAt   time.Time
	LastError     string
	CreatedAt     time.Time
	SentAt        *time.Time
}

// InboundEvent is one row of the deduplication ledger keyed by the source
// event ID.
type InboundEvent struct {
	EventID     string
	EventType   string
	OrderID     string
	Payload     json.RawMessage
	Status      string
	Attempts    int
	LastError   string
	FirstSeenAt time.Time
	AppliedAt   *time.Time
}

// Transition describes one accepted state change plus the events it emits.
// InboundEventID, when set, marks the causing ledger row applied inside the
// same transaction.
type Transition struct {
	OrderID         string
	ExpectedVersion int64
	Next            order.Status
	Events          []OutboxEvent
	InboundEventID  string
}

// OutboxStats summarizes outbox backlog for health and gauges.
type OutboxStats struct {
	Pending          int64
	Failed           int64
	OldestPendingAge time.Duration
}

type Store interface {
	// CreateOrder persists a new order, its items, and the OrderCreated
	// outbox row in one transaction. The returned order carries version 1.
	CreateOrder(ctx context.Context, o order.Order, evt OutboxEvent) (order.Order, error)
	GetOrder(ctx context.Context, id string) (order.Order, error)
	ListOrders(ctx context.Context, status order.Status, limit, offset int) ([]order.Order, error)

	// ApplyTransition commits the state change and all events atomically.
	// Fails with order.ErrNotFound or order.ErrVersionConflict.
	ApplyTransition(ctx context.Context, t Transition) (int64, error)

	// ClaimUnpublished moves due pending rows to processing and returns them
	// in creation-sequence order. Rows whose order still has an earlier
	// unsent row are held back so per-order ordering survives retries.
	ClaimUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error)
	// MarkPublished flips a row to sent after bus acknowledgment. Idempotent
	// for rows already sent; order.ErrNotFound for absent rows.
	MarkPublished(ctx context.Context, eventID string) error
	// ReschedulePublish returns a row to pending after a transient failure.
	ReschedulePublish(ctx context.Context, eventID string, nextRetryAt time.Time, lastErr string) error
	// ReleaseEvent returns a claimed row to pending without charging a
	// publish attempt, for rows held back behind a failing predecessor.
	ReleaseEvent(ctx context.Context, eventID string) error
	// Quarantine parks a row as failed; it is not retried automatically.
	Quarantine(ctx context.Context, eventID, reason string) error
	// RequeueStuck returns processing rows older than timeout to pending.
	RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error)
	// RequeueFailed returns all quarantined rows to pending.
	RequeueFailed(ctx context.Context) (int64, error)
	// RequeueEvent returns one quarantined row to pending.
	RequeueEvent(ctx context.Context, eventID string) error
	Stats(ctx context.Context) (OutboxStats, error)

	// BeginInbound records the event in the ledger, or bumps attempts if it
	// is already there. Returns false when the event was already applied.
	BeginInbound(ctx context.Context, rec InboundEvent) (bool, error)
	MarkInboundFailed(ctx context.Context, eventID, reason string) error
	GetInbound(ctx context.Context, eventID string) (InboundEvent, error)
}
