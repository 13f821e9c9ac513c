package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const AggregateOrder = "order"

// Outbound event types with their topics. One topic per event type, message
// key is always the order ID so same-order messages land on one partition.
const (
	TypeOrderCreated   = "order.created"
	TypeOrderConfirmed = "order.confirmed"
	TypeOrderFulfilled = "order.fulfilled"
	TypeOrderCompleted = "order.completed"
	TypeOrderCancelled = "order.cancelled"

	TopicOrderCreated   = "mini.order.created.v1"
	TopicOrderConfirmed = "mini.order.confirmed.v1"
	TopicOrderFulfilled = "mini.order.fulfilled.v1"
	TopicOrderCompleted = "mini.order.completed.v1"
	TopicOrderCancelled = "mini.order.cancelled.v1"
)

// Inbound event types consumed from collaborating services.
const (
	TypePaymentAuthorized  = "payment.authorized"
	TypePaymentDeclined    = "payment.declined"
	TypeShipmentDispatched = "shipment.dispatched"
	TypeShipmentDelivered  = "shipment.delivered"

	TopicPayment  = "mini.payment.v1"
	TopicShipment = "mini.shipment.v1"
)

const VersionV1 = "v1"

// Kafka header names carried alongside every message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderSchemaVersion = "schema_version"
)

func TopicFor(eventType string) (string, bool) {
	switch eventType {
	case TypeOrderCreated:
		return TopicOrderCreated, true
	case TypeOrderConfirmed:
		return TopicOrderConfirmed, true
	case TypeOrderFulfilled:
		return TopicOrderFulfilled, true
	case TypeOrderCompleted:
		return TopicOrderCompleted, true
	case TypeOrderCancelled:
		return TopicOrderCancelled, true
	}
	return "", false
}

type OrderCreatedPayload struct {
	OrderID    string             `json:"order_id"`
	CustomerID string             `json:"customer_id"`
	Currency   string             `json:"currency"`
	Total      decimal.Decimal    `json:"total"`
	CreatedAt  time.Time          `json:"created_at"`
	Items      []OrderItemPayload `json:"items"`
}

type OrderItemPayload struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderStatusPayload covers confirmed/fulfilled/completed/cancelled events,
// which all describe one accepted transition.
type OrderStatusPayload struct {
	OrderID    string    `json:"order_id"`
	Status     string    `json:"status"`
	Version    int64     `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
	Reason     string    `json:"reason,omitempty"`
}

// PaymentPayload is the shape of payment.authorized / payment.declined.
type PaymentPayload struct {
	OrderID    string          `json:"order_id"`
	PaymentID  string          `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	OccurredAt time.Time       `json:"occurred_at"`
	Reason     string          `json:"reason,omitempty"`
}

// ShipmentPayload is the shape of shipment.dispatched / shipment.delivered.
type ShipmentPayload struct {
	OrderID    string    `json:"order_id"`
	ShipmentID string    `json:"shipment_id"`
	Carrier    string    `json:"carrier,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
