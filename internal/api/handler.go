package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minicommerce/orders/internal/order"
	"github.com/minicommerce/orders/internal/shared/events"
	"github.com/minicommerce/orders/internal/shared/httpx"
	"github.com/minicommerce/orders/internal/store"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	Log   *slog.Logger
	Store store.Store
}

// Register mounts the order and outbox admin routes. WithRoute pins the
// route label so path parameters do not explode metric cardinality.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/orders", httpx.WithRoute("/orders", http.HandlerFunc(h.Orders)))
	mux.Handle("/orders/", httpx.WithRoute("/orders/{id}", http.HandlerFunc(h.OrderByID)))
	mux.Handle("/outbox/stats", httpx.WithRoute("/outbox/stats", http.HandlerFunc(h.OutboxStats)))
	mux.Handle("/outbox/requeue-failed", httpx.WithRoute("/outbox/requeue-failed", http.HandlerFunc(h.RequeueFailed)))
	mux.Handle("/outbox/", httpx.WithRoute("/outbox/{event_id}/requeue", http.HandlerFunc(h.OutboxEvent)))
}

func (h *Handler) Orders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createOrder(w, r)
	case http.MethodGet:
		h.listOrders(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// OrderByID dispatches /orders/{id} and /orders/{id}/{command}.
func (h *Handler) OrderByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/orders/")
	id, cmd, hasCmd := strings.Cut(rest, "/")

	id = strings.TrimSpace(id)
	if id == "" {
		WriteErrorR(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}

	if !hasCmd {
		h.getOrder(w, r, id)
		return
	}

	parsed, ok := order.ParseCommand(cmd)
	if !ok {
		WriteErrorR(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	h.transitionOrder(w, r, id, parsed)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[order.CreateOrderRequest](w, r)
	if !ok {
		return
	}
	if err := req.Validate(); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	o := order.Order{
		ID:         uuid.NewString(),
		CustomerID: strings.TrimSpace(req.CustomerID),
		Status:     order.StatusCreated,
		Currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
		Total:      req.Total(),
	}
	for _, it := range req.Items {
		o.Items = append(o.Items, order.Item{
			SKU:       strings.TrimSpace(it.SKU),
			Name:      strings.TrimSpace(it.Name),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	evt, err := createdEvent(o)
	if err != nil {
		h.Log.Error("order_event_encode_failed", slog.String("err", err.Error()))
		WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	created, err := h.Store.CreateOrder(r.Context(), o, evt)
	if err != nil {
		h.Log.Error("order_create_failed", slog.String("err", err.Error()))
		WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	o, err := h.Store.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			WriteErrorR(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		h.Log.Error("order_get_failed", slog.String("err", err.Error()))
		WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, o)
}

type listOrdersResponse struct {
	Orders []order.Order `json:"orders"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status order.Status
	if raw := q.Get("status"); raw != "" {
		parsed, ok := order.ParseStatus(raw)
		if !ok {
			WriteErrorR(w, r, http.StatusBadRequest, "validation_error", "unknown status "+strconv.Quote(raw))
			return
		}
		status = parsed
	}

	limit, ok := intParam(w, r, q.Get("limit"), 20)
	if !ok {
		return
	}
	if limit > 100 {
		limit = 100
	}
	offset, ok := intParam(w, r, q.Get("offset"), 0)
	if !ok {
		return
	}

	orders, err := h.Store.ListOrders(r.Context(), status, limit, offset)
	if err != nil {
		h.Log.Error("order_list_failed", slog.String("err", err.Error()))
		WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}

	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders, Limit: limit, Offset: offset})
}

type transitionRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason,omitempty"`
}

func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request, id string, cmd order.Command) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	req, ok := decodeBody[transitionRequest](w, r)
	if !ok {
		return
	}
	if req.ExpectedVersion < 1 {
		WriteErrorR(w, r, http.StatusBadRequest, "validation_error", "expected_version must be at least 1")
		return
	}

	cur, err := h.Store.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			WriteErrorR(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		h.Log.Error("order_get_failed", slog.String("err", err.Error()))
		WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if cur.Version != req.ExpectedVersion {
		WriteErrorR(w, r, http.StatusConflict, "version_conflict", "expected version is stale")
		return
	}

	next, eventType, err := order.Transition(cur.Status, cmd)
	if err != nil {
		var ite *order.InvalidTransitionError
		if errors.As(err, &ite) {
			WriteErrorR(w, r, http.StatusUnprocessableEntity, "invalid_transition", err.Error())
			return
		}
		WriteErrorR(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	evt, err := statusEvent(eventType, id, next, req.ExpectedVersion+1, strings.TrimSpace(req.Reason))
	if err != nil {
		h.Log.Error("order_event_encode_failed", slog.String("err", err.Error()))
		WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	version, err := h.Store.ApplyTransition(r.Context(), store.Transition{
		OrderID:         id,
		ExpectedVersion: req.ExpectedVersion,
		Next:            next,
		Events:          []store.OutboxEvent{evt},
	})
	if err != nil {
		switch {
		case errors.Is(err, order.ErrNotFound):
			WriteErrorR(w, r, http.StatusNotFound, "not_found", "not found")
		case errors.Is(err, order.ErrVersionConflict):
			WriteErrorR(w, r, http.StatusConflict, "version_conflict", "expected version is stale")
		default:
			h.Log.Error("order_transition_failed",
				slog.String("order_id", id),
				slog.String("command", string(cmd)),
				slog.String("err", err.Error()),
			)
			WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		}
		return
	}

	cur.Status = next
	cur.Version = version
	cur.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, cur)
}

func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	stats, err := h.Store.Stats(r.Context())
	if err != nil {
		h.Log.Error("outbox_stats_failed", slog.String("err", err.Error()))
		WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pending":                    stats.Pending,
		"failed":                     stats.Failed,
		"oldest_pending_age_seconds": stats.OldestPendingAge.Seconds(),
	})
}

func (h *Handler) RequeueFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	n, err := h.Store.RequeueFailed(r.Context())
	if err != nil {
		h.Log.Error("outbox_requeue_failed", slog.String("err", err.Error()))
		WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	h.Log.Info("outbox_requeued_failed", slog.Int64("count", n))
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

// OutboxEvent handles /outbox/{event_id}/requeue.
func (h *Handler) OutboxEvent(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/outbox/")
	eventID, action, hasAction := strings.Cut(rest, "/")

	eventID = strings.TrimSpace(eventID)
	if eventID == "" || !hasAction || action != "requeue" {
		WriteErrorR(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	if err := h.Store.RequeueEvent(r.Context(), eventID); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			WriteErrorR(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		h.Log.Error("outbox_requeue_event_failed",
			slog.String("event_id", eventID),
			slog.String("err", err.Error()),
		)
		WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	h.Log.Info("outbox_requeued_event", slog.String("event_id", eventID))
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": 1})
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		msg := "invalid json"
		if errors.Is(err, io.EOF) {
			msg = "empty body"
		}
		WriteErrorR(w, r, http.StatusBadRequest, "validation_error", msg)
		return req, false
	}
	if dec.More() {
		WriteErrorR(w, r, http.StatusBadRequest, "validation_error", "invalid json")
		return req, false
	}
	return req, true
}

func intParam(w http.ResponseWriter, r *http.Request, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		WriteErrorR(w, r, http.StatusBadRequest, "validation_error", "limit and offset must be non-negative integers")
		return 0, false
	}
	return n, true
}

func createdEvent(o order.Order) (store.OutboxEvent, error) {
	items := make([]events.OrderItemPayload, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, events.OrderItemPayload{
			SKU:       it.SKU,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	payload, err := json.Marshal(events.OrderCreatedPayload{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Currency:   o.Currency,
		Total:      o.Total,
		CreatedAt:  time.Now().UTC(),
		Items:      items,
	})
	if err != nil {
		return store.OutboxEvent{}, err
	}
	return envelopeEvent(events.TypeOrderCreated, events.TopicOrderCreated, o.ID, payload)
}

func statusEvent(eventType, orderID string, next order.Status, version int64, reason string) (store.OutboxEvent, error) {
	topic, ok := events.TopicFor(eventType)
	if !ok {
		return store.OutboxEvent{}, errors.New("no topic for event type " + eventType)
	}
	payload, err := json.Marshal(events.OrderStatusPayload{
		OrderID:    orderID,
		Status:     string(next),
		Version:    version,
		OccurredAt: time.Now().UTC(),
		Reason:     reason,
	})
	if err != nil {
		return store.OutboxEvent{}, err
	}
	return envelopeEvent(eventType, topic, orderID, payload)
}

func envelopeEvent(eventType, topic, orderID string, payload json.RawMessage) (store.OutboxEvent, error) {
	env := events.NewEnvelope(eventType, events.VersionV1, events.AggregateOrder, orderID, payload)
	raw, err := json.Marshal(env)
	if err != nil {
		return store.OutboxEvent{}, err
	}
	return store.OutboxEvent{
		EventID:       env.EventID,
		EventType:     env.EventType,
		SchemaVersion: env.SchemaVersion,
		Topic:         topic,
		Payload:       raw,
	}, nil
}
