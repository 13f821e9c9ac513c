package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/minicommerce/orders/internal/order"
	"github.com/minicommerce/orders/internal/shared/events"
	"github.com/minicommerce/orders/internal/store"
)

var _ store.Store = (*store.InMemoryStore)(nil)
var _ store.Store = (*store.PostgresStore)(nil)

func newOrder() order.Order {
	return order.Order{
		ID:         uuid.NewString(),
		CustomerID: uuid.NewString(),
		Status:     order.StatusCreated,
		Currency:   "USD",
	}
}

func newEvent(eventType string) store.OutboxEvent {
	return store.OutboxEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: events.VersionV1,
		Topic:         "mini.order.created.v1",
		Payload:       json.RawMessage(`{}`),
	}
}

func TestCreateOrderQueuesOutboxEvent(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	created, err := s.CreateOrder(ctx, newOrder(), newEvent(events.TypeOrderCreated))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}

	claimed, err := s.ClaimUnpublished(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(claimed))
	}
	if claimed[0].OrderID != created.ID {
		t.Fatalf("expected event bound to order %s, got %s", created.ID, claimed[0].OrderID)
	}
	if claimed[0].EventType != events.TypeOrderCreated {
		t.Fatalf("expected %s, got %s", events.TypeOrderCreated, claimed[0].EventType)
	}
}

func TestApplyTransitionBumpsVersionOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	o, err := s.CreateOrder(ctx, newOrder(), newEvent(events.TypeOrderCreated))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	v, err := s.ApplyTransition(ctx, store.Transition{
		OrderID:         o.ID,
		ExpectedVersion: 1,
		Next:            order.StatusConfirmed,
		Events:          []store.OutboxEvent{newEvent(events.TypeOrderConfirmed)},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}

	got, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != order.StatusConfirmed || got.Version != 2 {
		t.Fatalf("expected confirmed v2, got %s v%d", got.Status, got.Version)
	}
}

func TestApplyTransitionStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	o, _ := s.CreateOrder(ctx, newOrder(), newEvent(events.TypeOrderCreated))

	if _, err := s.ApplyTransition(ctx, store.Transition{
		OrderID: o.ID, ExpectedVersion: 1, Next: order.StatusConfirmed,
	}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	_, err := s.ApplyTransition(ctx, store.Transition{
		OrderID: o.ID, ExpectedVersion: 1, Next: order.StatusCancelled,
	})
	if !errors.Is(err, order.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestApplyTransitionUnknownOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	_, err := s.ApplyTransition(ctx, store.Transition{
		OrderID: uuid.NewString(), ExpectedVersion: 1, Next: order.StatusConfirmed,
	})
	if !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimReturnsCommitOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	o, _ := s.CreateOrder(ctx, newOrder(), newEvent(events.TypeOrderCreated))
	_, _ = s.ApplyTransition(ctx, store.Transition{
		OrderID: o.ID, ExpectedVersion: 1, Next: order.StatusConfirmed,
		Events: []store.OutboxEvent{newEvent(events.TypeOrderConfirmed)},
	})
	_, _ = s.ApplyTransition(ctx, store.Transition{
		OrderID: o.ID, ExpectedVersion: 2, Next: order.StatusFulfilled,
		Events: []store.OutboxEvent{newEvent(events.TypeOrderFulfilled)},
	})

	claimed, err := s.ClaimUnpublished(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 events, got %d", len(claimed))
	}
	want := []string{events.TypeOrderCreated, events.TypeOrderConfirmed, events.TypeOrderFulfilled}
	for i, evt := range claimed {
		if evt.EventType != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], evt.EventType)
		}
	}
	for i := 1; i < len(claimed); i++ {
		if claimed[i].Seq <= claimed[i-1].Seq {
			t.Fatalf("sequence not strictly increasing: %d then %d", claimed[i-1].Seq, claimed[i].Seq)
		}
	}
}

func TestClaimHoldsBackSuccessorsOfUnsentEvent(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	o, _ := s.CreateOrder(ctx, newOrder(), newEvent(events.TypeOrderCreated))
	_, _ = s.ApplyTransition(ctx, store.Transition{
		OrderID: o.ID, ExpectedVersion: 1, Next: order.StatusConfirmed,
		Events: []store.OutboxEvent{newEvent(events.TypeOrderConfirmed)},
	})

	first, _ := s.ClaimUnpublished(ctx, 1)
	if len(first) != 1 || first[0].EventType != events.TypeOrderCreated {
		t.Fatalf("expected to claim order.created first, got %+v", first)
	}

	// The created event is claimed but not yet sent: its successor for the
	// same order must not be claimable.
	held, _ := s.ClaimUnpublished(ctx, 10)
	if len(held) != 0 {
		t.Fatalf("expected successor to be held back, claimed %d events", len(held))
	}

	if err := s.MarkPublished(ctx, first[0].EventID); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	next, _ := s.ClaimUnpublished(ctx, 10)
	if len(next) != 1 || next[0].EventType != events.TypeOrderConfirmed {
		t.Fatalf("expected order.confirmed after predecessor sent, got %+v", next)
	}
}

func TestMarkPublishedIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	evt := newEvent(events.TypeOrderCreated)
	_, _ = s.CreateOrder(ctx, newOrder(), evt)

	if err := s.MarkPublished(ctx, evt.EventID); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := s.MarkPublished(ctx, evt.EventID); err != nil {
		t.Fatalf("second mark should be a no-op, got %v", err)
	}
	if err := s.MarkPublished(ctx, uuid.NewString()); !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent event, got %v", err)
	}
}

func TestQuarantineAndRequeue(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	evt := newEvent(events.TypeOrderCreated)
	_, _ = s.CreateOrder(ctx, newOrder(), evt)
	_, _ = s.ClaimUnpublished(ctx, 1)

	if err := s.Quarantine(ctx, evt.EventID, "schema violation"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	claimed, _ := s.ClaimUnpublished(ctx, 10)
	if len(claimed) != 0 {
		t.Fatalf("quarantined event must not be claimable, got %d", len(claimed))
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", st.Failed)
	}

	n, err := s.RequeueFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("requeue failed: n=%d err=%v", n, err)
	}
	claimed, _ = s.ClaimUnpublished(ctx, 10)
	if len(claimed) != 1 {
		t.Fatalf("expected requeued event to be claimable, got %d", len(claimed))
	}
}

func TestRequeueSingleEvent(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	evt := newEvent(events.TypeOrderCreated)
	_, _ = s.CreateOrder(ctx, newOrder(), evt)

	if err := s.RequeueEvent(ctx, evt.EventID); !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("requeue of non-failed event should be ErrNotFound, got %v", err)
	}

	_, _ = s.ClaimUnpublished(ctx, 1)
	_ = s.Quarantine(ctx, evt.EventID, "boom")

	if err := s.RequeueEvent(ctx, evt.EventID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
}

func TestReschedulePublishDelaysClaim(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	evt := newEvent(events.TypeOrderCreated)
	o, _ := s.CreateOrder(ctx, newOrder(), evt)
	_, _ = s.ClaimUnpublished(ctx, 1)

	if err := s.ReschedulePublish(ctx, evt.EventID, time.Now().Add(time.Hour), "broker down"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	// A successor queued behind the backing-off event must wait with it.
	_, _ = s.ApplyTransition(ctx, store.Transition{
		OrderID: o.ID, ExpectedVersion: 1, Next: order.StatusConfirmed,
		Events: []store.OutboxEvent{newEvent(events.TypeOrderConfirmed)},
	})

	claimed, _ := s.ClaimUnpublished(ctx, 10)
	if len(claimed) != 0 {
		t.Fatalf("rescheduled event and its successor should not be due yet, got %d", len(claimed))
	}
}

func TestReleaseEventHandsBackClaimAttempt(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	evt := newEvent(events.TypeOrderCreated)
	_, _ = s.CreateOrder(ctx, newOrder(), evt)

	claimed, _ := s.ClaimUnpublished(ctx, 1)
	if len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("expected one claim with attempts 1, got %+v", claimed)
	}

	if err := s.ReleaseEvent(ctx, evt.EventID); err != nil {
		t.Fatalf("release: %v", err)
	}

	claimed, _ = s.ClaimUnpublished(ctx, 1)
	if len(claimed) != 1 {
		t.Fatalf("released event must be claimable again, got %d", len(claimed))
	}
	if claimed[0].Attempts != 1 {
		t.Fatalf("release must not charge a publish attempt, got attempts %d", claimed[0].Attempts)
	}
}

func TestInboundLedgerDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	o, _ := s.CreateOrder(ctx, newOrder(), newEvent(events.TypeOrderCreated))

	rec := store.InboundEvent{
		EventID:   uuid.NewString(),
		EventType: events.TypePaymentAuthorized,
		OrderID:   o.ID,
		Payload:   json.RawMessage(`{}`),
	}

	should, err := s.BeginInbound(ctx, rec)
	if err != nil || !should {
		t.Fatalf("first delivery should process: should=%v err=%v", should, err)
	}

	// Apply the transition and mark the ledger row in the same unit.
	if _, err := s.ApplyTransition(ctx, store.Transition{
		OrderID: o.ID, ExpectedVersion: 1, Next: order.StatusConfirmed,
		InboundEventID: rec.EventID,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for i := 0; i < 3; i++ {
		should, err = s.BeginInbound(ctx, rec)
		if err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
		if should {
			t.Fatalf("redelivery %d of applied event must be a duplicate", i)
		}
	}

	got, err := s.GetInbound(ctx, rec.EventID)
	if err != nil {
		t.Fatalf("get inbound: %v", err)
	}
	if got.Status != store.InboundApplied {
		t.Fatalf("expected applied, got %s", got.Status)
	}
	if got.Attempts != 4 {
		t.Fatalf("expected 4 recorded attempts, got %d", got.Attempts)
	}
	if got.AppliedAt == nil {
		t.Fatalf("expected applied_at to be set")
	}
}

func TestInboundFailedStillProcessable(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	rec := store.InboundEvent{EventID: uuid.NewString(), EventType: events.TypePaymentAuthorized}

	if should, _ := s.BeginInbound(ctx, rec); !should {
		t.Fatalf("first delivery should process")
	}
	_ = s.MarkInboundFailed(ctx, rec.EventID, "invalid transition")

	// A failed event is terminal for the message but the ledger does not
	// claim it was applied.
	should, _ := s.BeginInbound(ctx, rec)
	if !should {
		t.Fatalf("failed event is not applied; ledger should allow reprocessing")
	}
}
