package inbound_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minicommerce/orders/internal/inbound"
	"github.com/minicommerce/orders/internal/order"
	"github.com/minicommerce/orders/internal/schema"
	"github.com/minicommerce/orders/internal/shared/events"
	"github.com/minicommerce/orders/internal/store"
)

func testLogger() *slog.Logger {
	h := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h)
}

func newHandler(t *testing.T, st store.Store) *inbound.Handler {
	t.Helper()
	reg, err := schema.Load()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return inbound.NewHandler(testLogger(), st, reg, 3, time.Millisecond)
}

func seedOrder(t *testing.T, st store.Store, status order.Status) order.Order {
	t.Helper()

	o := order.Order{
		ID:         uuid.NewString(),
		CustomerID: uuid.NewString(),
		Status:     order.StatusCreated,
		Currency:   "USD",
		Total:      decimal.RequireFromString("7.50"),
	}
	created, err := st.CreateOrder(context.Background(), o, store.OutboxEvent{
		EventID:       uuid.NewString(),
		EventType:     events.TypeOrderCreated,
		SchemaVersion: events.VersionV1,
		Topic:         events.TopicOrderCreated,
		Payload:       json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}

	// Walk the order to the requested status through real transitions.
	for created.Status != status {
		var cmd order.Command
		switch created.Status {
		case order.StatusCreated:
			cmd = order.CommandConfirm
		case order.StatusConfirmed:
			cmd = order.CommandFulfill
		case order.StatusFulfilled:
			cmd = order.CommandComplete
		default:
			t.Fatalf("cannot walk from %s to %s", created.Status, status)
		}
		next, _, err := order.Transition(created.Status, cmd)
		if err != nil {
			t.Fatalf("walk: %v", err)
		}
		if _, err := st.ApplyTransition(context.Background(), store.Transition{
			OrderID: created.ID, ExpectedVersion: created.Version, Next: next,
		}); err != nil {
			t.Fatalf("walk apply: %v", err)
		}
		created.Status = next
		created.Version++
	}
	return created
}

func paymentAuthorizedMsg(t *testing.T, orderID string) ([]byte, string) {
	t.Helper()

	payload, err := json.Marshal(events.PaymentPayload{
		OrderID:    orderID,
		PaymentID:  uuid.NewString(),
		Amount:     decimal.RequireFromString("7.50"),
		Currency:   "USD",
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal payment: %v", err)
	}
	env := events.NewEnvelope(events.TypePaymentAuthorized, events.VersionV1, "payment", orderID, payload)
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw, env.EventID
}

func TestHandleAppliesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	h := newHandler(t, st)

	o := seedOrder(t, st, order.StatusCreated)
	msg, eventID := paymentAuthorizedMsg(t, o.ID)

	res, err := h.Handle(ctx, msg)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if res != inbound.ResultApplied {
		t.Fatalf("expected applied, got %s", res)
	}

	got, err := st.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != order.StatusConfirmed || got.Version != 2 {
		t.Fatalf("expected confirmed v2, got %s v%d", got.Status, got.Version)
	}

	// Redeliver the same event several times: exactly one applied change.
	for i := 0; i < 3; i++ {
		res, err := h.Handle(ctx, msg)
		if err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
		if res != inbound.ResultDuplicate {
			t.Fatalf("redelivery %d: expected duplicate, got %s", i, res)
		}
	}

	got, _ = st.GetOrder(ctx, o.ID)
	if got.Version != 2 {
		t.Fatalf("duplicate deliveries must not re-apply; version=%d", got.Version)
	}

	rec, err := st.GetInbound(ctx, eventID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if rec.Status != store.InboundApplied {
		t.Fatalf("ledger should record applied, got %s", rec.Status)
	}
}

func TestHandleQueuesOutboundEvent(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	h := newHandler(t, st)

	o := seedOrder(t, st, order.StatusCreated)

	// Drain the seeded order.created row first.
	first, _ := st.ClaimUnpublished(ctx, 10)
	for _, e := range first {
		_ = st.MarkPublished(ctx, e.EventID)
	}

	msg, _ := paymentAuthorizedMsg(t, o.ID)
	if _, err := h.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	claimed, _ := st.ClaimUnpublished(ctx, 10)
	if len(claimed) != 1 {
		t.Fatalf("expected one queued outbound event, got %d", len(claimed))
	}
	if claimed[0].EventType != events.TypeOrderConfirmed {
		t.Fatalf("expected %s, got %s", events.TypeOrderConfirmed, claimed[0].EventType)
	}

	var env events.Envelope
	if err := json.Unmarshal(claimed[0].Payload, &env); err != nil {
		t.Fatalf("unmarshal queued envelope: %v", err)
	}
	var payload events.OrderStatusPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal queued payload: %v", err)
	}
	if payload.Status != string(order.StatusConfirmed) || payload.Version != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHandleRejectsSchemaViolation(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	h := newHandler(t, st)

	o := seedOrder(t, st, order.StatusCreated)

	// Amount as a number violates the payment contract.
	payload := []byte(`{"order_id":"` + o.ID + `","payment_id":"p-1","amount":10,"currency":"USD","occurred_at":"2025-01-02T03:04:05Z"}`)
	env := events.NewEnvelope(events.TypePaymentAuthorized, events.VersionV1, "payment", o.ID, payload)
	raw, _ := json.Marshal(env)

	_, err := h.Handle(ctx, raw)
	var ve *schema.ViolationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ViolationError, got %v", err)
	}
	if !inbound.Terminal(err) {
		t.Fatalf("schema violation must be terminal")
	}

	got, _ := st.GetOrder(ctx, o.ID)
	if got.Status != order.StatusCreated || got.Version != 1 {
		t.Fatalf("violating payload must never reach the state machine; got %s v%d", got.Status, got.Version)
	}

	rec, err := st.GetInbound(ctx, env.EventID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if rec.Status != store.InboundFailed {
		t.Fatalf("ledger should record failed, got %s", rec.Status)
	}
}

func TestHandleUnknownSchemaVersionFailsClosed(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	h := newHandler(t, st)

	o := seedOrder(t, st, order.StatusCreated)
	payload, _ := json.Marshal(events.PaymentPayload{OrderID: o.ID, PaymentID: "p-1", Amount: decimal.New(1, 0), Currency: "USD", OccurredAt: time.Now()})
	env := events.NewEnvelope(events.TypePaymentAuthorized, "v7", "payment", o.ID, payload)
	raw, _ := json.Marshal(env)

	_, err := h.Handle(ctx, raw)
	if !errors.Is(err, schema.ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema, got %v", err)
	}
	if !inbound.Terminal(err) {
		t.Fatalf("unknown schema must be terminal")
	}
}

func TestHandleInvalidTransitionIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	h := newHandler(t, st)

	o := seedOrder(t, st, order.StatusCompleted)
	payload, _ := json.Marshal(events.PaymentPayload{
		OrderID: o.ID, PaymentID: "p-1",
		Amount: decimal.RequireFromString("7.50"), Currency: "USD",
		OccurredAt: time.Now().UTC(), Reason: "card declined",
	})
	env := events.NewEnvelope(events.TypePaymentDeclined, events.VersionV1, "payment", o.ID, payload)
	raw, _ := json.Marshal(env)

	_, err := h.Handle(ctx, raw)
	var ite *order.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if !inbound.Terminal(err) {
		t.Fatalf("invalid transition must be terminal")
	}

	got, _ := st.GetOrder(ctx, o.ID)
	if got.Status != order.StatusCompleted {
		t.Fatalf("completed order must stay completed, got %s", got.Status)
	}
}

func TestHandleMalformedMessage(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	h := newHandler(t, st)

	for _, body := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"event_type":"payment.authorized"}`),
		[]byte(`{"event_id":"e-1","event_type":"inventory.reserved","schema_version":"v1","payload":{}}`),
	} {
		_, err := h.Handle(ctx, body)
		var re *inbound.RejectError
		if !errors.As(err, &re) {
			t.Fatalf("body %s: expected RejectError, got %v", body, err)
		}
		if !inbound.Terminal(err) {
			t.Fatalf("body %s: expected terminal", body)
		}
	}
}

func TestHandleUnknownOrderIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	h := newHandler(t, st)

	msg, _ := paymentAuthorizedMsg(t, uuid.NewString())
	_, err := h.Handle(ctx, msg)
	if !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !inbound.Terminal(err) {
		t.Fatalf("unknown order must be terminal")
	}
}

func TestHandleRetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()

	o := seedOrder(t, st, order.StatusCreated)

	// Simulate contention: another writer bumps the version between the
	// handler's read and its apply. conflictStore injects one stale apply.
	cs := &conflictStore{Store: st, conflicts: 1}
	h := inbound.NewHandler(testLogger(), cs, mustRegistry(t), 3, time.Millisecond)

	msg, _ := paymentAuthorizedMsg(t, o.ID)
	res, err := h.Handle(ctx, msg)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if res != inbound.ResultApplied {
		t.Fatalf("expected applied, got %s", res)
	}
}

func mustRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Load()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

type conflictStore struct {
	store.Store
	conflicts int
}

func (c *conflictStore) ApplyTransition(ctx context.Context, t store.Transition) (int64, error) {
	if c.conflicts > 0 {
		c.conflicts--
		return 0, order.ErrVersionConflict
	}
	return c.Store.ApplyTransition(ctx, t)
}
