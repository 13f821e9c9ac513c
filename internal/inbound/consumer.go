// Package inbound applies events arriving from the bus to the order store,
// exactly once per event ID.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/minicommerce/orders/internal/order"
	"github.com/minicommerce/orders/internal/schema"
	"github.com/minicommerce/orders/internal/shared/events"
	"github.com/minicommerce/orders/internal/store"
)

type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
)

// RejectError marks a message as undeliverable for a deterministic reason.
// Such messages go to the dead-letter path instead of being retried.
type RejectError struct {
	Reason string
	cause  error
}

func (e *RejectError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("rejected: %s: %v", e.Reason, e.cause)
	}
	return "rejected: " + e.Reason
}

func (e *RejectError) Unwrap() error { return e.cause }

// Terminal reports whether err cannot be cured by redelivery.
func Terminal(err error) bool {
	var re *RejectError
	var ve *schema.ViolationError
	var ite *order.InvalidTransitionError
	return errors.As(err, &re) ||
		errors.As(err, &ve) ||
		errors.As(err, &ite) ||
		errors.Is(err, schema.ErrUnknownSchema) ||
		errors.Is(err, order.ErrNotFound)
}

type Handler struct {
	log      *slog.Logger
	store    store.Store
	registry *schema.Registry

	// Version conflicts reflect legitimate contention, so the transition is
	// re-read and reapplied a bounded number of times.
	maxRetries   int
	retryBackoff time.Duration
}

func NewHandler(log *slog.Logger, st store.Store, reg *schema.Registry, maxRetries int, retryBackoff time.Duration) *Handler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = 100 * time.Millisecond
	}
	return &Handler{log: log, store: st, registry: reg, maxRetries: maxRetries, retryBackoff: retryBackoff}
}

// Handle processes one message body. Returns ResultDuplicate without side
// effects when the event ID was already applied. Terminal errors have been
// recorded in the ledger by the time Handle returns.
func (h *Handler) Handle(ctx context.Context, value []byte) (Result, error) {
	var env events.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return "", &RejectError{Reason: "malformed envelope", cause: err}
	}
	if env.EventID == "" {
		return "", &RejectError{Reason: "missing event_id"}
	}

	cmd, ok := commandFor(env.EventType)
	if !ok {
		return "", &RejectError{Reason: "unsupported event type " + env.EventType}
	}

	orderID, err := orderIDFrom(env)
	if err != nil {
		return "", err
	}

	shouldProcess, err := h.store.BeginInbound(ctx, store.InboundEvent{
		EventID:   env.EventID,
		EventType: env.EventType,
		OrderID:   orderID,
		Payload:   env.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("ledger: %w", err)
	}
	if !shouldProcess {
		return ResultDuplicate, nil
	}

	// Consume-side gate: a malformed payload must never reach domain logic.
	if err := h.registry.Validate(env.EventType, env.SchemaVersion, env.Payload); err != nil {
		h.fail(ctx, env.EventID, err)
		return "", err
	}

	if err := h.apply(ctx, orderID, cmd, env); err != nil {
		if Terminal(err) {
			h.fail(ctx, env.EventID, err)
		}
		return "", err
	}
	return ResultApplied, nil
}

func (h *Handler) apply(ctx context.Context, orderID string, cmd order.Command, env events.Envelope) error {
	attempt := func() (int64, error) {
		current, err := h.store.GetOrder(ctx, orderID)
		if err != nil {
			return 0, backoff.Permanent(err)
		}

		next, eventType, err := order.Transition(current.Status, cmd)
		if err != nil {
			return 0, backoff.Permanent(err)
		}

		topic, ok := events.TopicFor(eventType)
		if !ok {
			return 0, backoff.Permanent(&RejectError{Reason: "no topic for " + eventType})
		}

		payload, err := json.Marshal(events.OrderStatusPayload{
			OrderID:    orderID,
			Status:     string(next),
			Version:    current.Version + 1,
			OccurredAt: time.Now().UTC(),
			Reason:     reasonFrom(env),
		})
		if err != nil {
			return 0, backoff.Permanent(err)
		}

		out := events.NewEnvelope(eventType, events.VersionV1, events.AggregateOrder, orderID, payload)
		out.TraceID = env.TraceID
		raw, err := json.Marshal(out)
		if err != nil {
			return 0, backoff.Permanent(err)
		}

		version, err := h.store.ApplyTransition(ctx, store.Transition{
			OrderID:         orderID,
			ExpectedVersion: current.Version,
			Next:            next,
			Events: []store.OutboxEvent{{
				EventID:       out.EventID,
				EventType:     eventType,
				SchemaVersion: events.VersionV1,
				Topic:         topic,
				Payload:       raw,
			}},
			InboundEventID: env.EventID,
		})
		if err != nil {
			if errors.Is(err, order.ErrVersionConflict) {
				// Lost the race: re-read and reapply.
				return 0, err
			}
			return 0, backoff.Permanent(err)
		}
		return version, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.retryBackoff
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(h.maxRetries)),
	)
	return err
}

func (h *Handler) fail(ctx context.Context, eventID string, cause error) {
	if err := h.store.MarkInboundFailed(ctx, eventID, cause.Error()); err != nil {
		h.log.Error("inbound_mark_failed_error",
			slog.String("event_id", eventID),
			slog.String("err", err.Error()),
		)
	}
}

func commandFor(eventType string) (order.Command, bool) {
	switch eventType {
	case events.TypePaymentAuthorized:
		return order.CommandConfirm, true
	case events.TypePaymentDeclined:
		return order.CommandCancel, true
	case events.TypeShipmentDispatched:
		return order.CommandFulfill, true
	case events.TypeShipmentDelivered:
		return order.CommandComplete, true
	}
	return "", false
}

func orderIDFrom(env events.Envelope) (string, error) {
	var ref struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(env.Payload, &ref); err != nil {
		return "", &RejectError{Reason: "malformed payload", cause: err}
	}
	if ref.OrderID == "" {
		return "", &RejectError{Reason: "missing order_id"}
	}
	return ref.OrderID, nil
}

func reasonFrom(env events.Envelope) string {
	var ref struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(env.Payload, &ref)
	return ref.Reason
}
